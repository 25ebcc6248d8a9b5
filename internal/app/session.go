package app

import (
	"context"
	"fmt"
	"time"

	"humanity/internal/config"
	"humanity/internal/storage"
	"humanity/internal/subject"
	logx "humanity/pkg/logx"
)

// eventDamageChanged is published with the new damage value whenever the
// subject's damage is invalidated.
const eventDamageChanged = "subject.damage"

// session is where a host run begins: the simulated clock and the subject's
// damage, either from config or from the last saved run.
type session struct {
	clockSec float64
	damage   int
	resumed  bool
}

// restoreSession picks the starting point for subj. A record saved by a
// host carries the clock and damage of the previous run; anything else
// starts from config.
func restoreSession(ctx context.Context, st storage.Store, cc config.ClockConfig, subj subject.Config, now time.Time) (session, error) {
	s := session{clockSec: cc.StartSec, damage: subj.Damage}
	if st == nil {
		return s, nil
	}
	rec, ok, err := st.LoadState(ctx, subj.ID)
	if err != nil {
		return s, fmt.Errorf("load saved session for %q: %w", subj.ID, err)
	}
	if !ok || !rec.HostSaved {
		return s, nil
	}
	s.clockSec, s.damage, s.resumed = rec.ClockSec, rec.Damage, true
	if cc.CountOffline && !rec.UpdatedAt.IsZero() {
		if gap := now.Sub(rec.UpdatedAt); gap > 0 {
			s.clockSec += gap.Seconds() * cc.TimeScaleOrDefault()
		}
	}
	// The sample point must never be ahead of the clock it is compared to.
	if s.clockSec < rec.LastSampleTimeSec {
		s.clockSec = rec.LastSampleTimeSec
	}
	return s, nil
}

func (s session) fields() []logx.Field {
	return []logx.Field{
		logx.Float64("clock_sec", s.clockSec),
		logx.Int("damage", s.damage),
		logx.Bool("resumed", s.resumed),
	}
}
