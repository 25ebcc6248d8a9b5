package cli

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"

	"humanity/internal/eventbus"
	"humanity/internal/recovery"
	"humanity/internal/simclock"
	"humanity/internal/subject"
)

// simCapacity is the equipment capacity used to express --load as counts.
const simCapacity = 1000

type simulateOptions struct {
	rate      float64
	threshold float64
	load      float64
	damage    int
	days      float64
	interval  float64
	verbose   bool
}

type simulateResult struct {
	StartDamage int
	EndDamage   int
	Cycles      uint64
	Recovered   uint64
	Remainder   float64
	RatePerDay  float64
}

func newSimulateCmd() *cobra.Command {
	var o simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run recovery offline on a deterministic clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := simulate(cmd.Context(), o, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "days:          %g\n", o.days)
			fmt.Fprintf(out, "recovery/day:  %.4f\n", res.RatePerDay)
			fmt.Fprintf(out, "damage:        %d -> %d\n", res.StartDamage, res.EndDamage)
			fmt.Fprintf(out, "recovered:     %d\n", res.Recovered)
			fmt.Fprintf(out, "cycles:        %d\n", res.Cycles)
			fmt.Fprintf(out, "remainder:     %.6f\n", res.Remainder)
			return nil
		},
	}
	f := cmd.Flags()
	f.Float64Var(&o.rate, "rate", 1, "maximum degeneration/recovery per day")
	f.Float64Var(&o.threshold, "threshold", 0.5, "load fraction where the rate is zero")
	f.Float64Var(&o.load, "load", 0, "constant load fraction")
	f.IntVar(&o.damage, "damage", 10, "starting damage")
	f.Float64Var(&o.days, "days", 1, "simulated days to run")
	f.Float64Var(&o.interval, "interval", recovery.DefaultIntervalSec, "cycle interval in simulated seconds")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "print every cycle that recovered damage")
	return cmd
}

func simulate(ctx context.Context, o simulateOptions, out io.Writer) (simulateResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch {
	case o.rate < 0:
		return simulateResult{}, fmt.Errorf("--rate must be >= 0")
	case o.threshold < 0 || o.threshold > 1:
		return simulateResult{}, fmt.Errorf("--threshold must be within [0,1]")
	case o.load < 0 || o.load > 1:
		return simulateResult{}, fmt.Errorf("--load must be within [0,1]")
	case o.damage < 0:
		return simulateResult{}, fmt.Errorf("--damage must be >= 0")
	case o.days <= 0:
		return simulateResult{}, fmt.Errorf("--days must be > 0")
	case o.interval <= 0:
		return simulateResult{}, fmt.Errorf("--interval must be > 0")
	}

	clock := simclock.NewManual(0)
	bus := eventbus.New()
	settings := recovery.Settings{Enabled: true, Rate: o.rate, Threshold: o.threshold, IntervalSec: o.interval}
	ctrl := recovery.NewController(clock, settings, recovery.WithEventBus(bus))

	subj := subject.New(subject.Config{
		ID:       "sim",
		Damage:   o.damage,
		Equipped: int(math.Round(o.load * simCapacity)),
		Capacity: simCapacity,
	})

	var events <-chan eventbus.Event
	if o.verbose {
		ch, unsub := bus.Subscribe(16, recovery.EventCycle)
		defer unsub()
		events = ch
	}
	drain := func() {
		for {
			select {
			case e := <-events:
				if rec, ok := e.Data.(recovery.CycleRecord); ok && rec.Written {
					fmt.Fprintf(out, "t=%-10.0f load=%.3f damage %d -> %d remainder=%.6f\n",
						rec.At, rec.Load, rec.DamageBefore, rec.DamageAfter, rec.Remainder)
				}
			default:
				return
			}
		}
	}

	if err := ctrl.Attach(ctx, subj); err != nil {
		return simulateResult{}, err
	}
	drain()

	// Advance one interval at a time so a verbose subscriber never overflows.
	end := o.days * recovery.SecondsPerDay
	for clock.NowSeconds() < end {
		if err := ctx.Err(); err != nil {
			return simulateResult{}, err
		}
		step := math.Min(o.interval, end-clock.NowSeconds())
		clock.Advance(step)
		if o.verbose {
			drain()
		}
	}

	st := ctrl.Status()
	if err := ctrl.Detach(ctx); err != nil {
		return simulateResult{}, err
	}
	return simulateResult{
		StartDamage: o.damage,
		EndDamage:   subj.Damage(),
		Cycles:      st.Cycles,
		Recovered:   st.Recovered,
		Remainder:   st.State.Remainder,
		RatePerDay:  st.RecoveryRate,
	}, nil
}
