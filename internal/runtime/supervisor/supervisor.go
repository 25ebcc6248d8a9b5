// Package supervisor runs the service's long-lived goroutines under one
// cancelable context, turning panics into errors and restarting the ones
// that are allowed to fail.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "humanity/pkg/logx"
)

const (
	defaultRestartMin = 250 * time.Millisecond
	defaultRestartMax = 30 * time.Second
	// A run that lasted this long resets the backoff.
	healthyRun = 30 * time.Second
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	wg       sync.WaitGroup
	launched atomic.Uint64
	running  atomic.Int64

	errMu sync.Mutex
	err   error

	stats *registry
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first failure of a
// goroutine started with Go.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, stats: newRegistry()}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first failure recorded, if any.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Supervisor) recordErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Go runs fn once. Returning context.Canceled is a clean exit; any other
// error or a panic is recorded and, with WithCancelOnError, cancels the rest.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.launch(func() {
		err := s.runOnce(s.ctx, name, false)(fn)
		if err == nil {
			return
		}
		s.recordErr(err)
		if s.cancelOnErr {
			s.cancel()
		}
	})
}

// RestartOption tunes GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int
	publish     bool
}

// WithRestartBackoff bounds the delay between restarts. The delay doubles
// after each failure and gets up to 20% jitter.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; n <= 0 retries forever.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithPublishFirstError records failures as the supervisor error. The
// context is never canceled by a restartable goroutine.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// GoRestart runs fn until it returns nil or the context ends, restarting it
// after errors and panics.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: defaultRestartMin, max: defaultRestartMax}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)
	s.launch(func() { s.restartLoop(name, fn, p) })
}

func (s *Supervisor) restartLoop(name string, fn func(ctx context.Context) error, p restartPolicy) {
	delay := p.min
	for attempt := 0; ; attempt++ {
		started := time.Now()
		err := s.runOnce(s.ctx, name, attempt > 0)(fn)
		if err == nil || s.ctx.Err() != nil {
			return
		}
		if p.publish {
			s.recordErr(err)
		}
		if p.maxRestarts > 0 && attempt >= p.maxRestarts {
			s.log.Error("giving up on goroutine", logx.String("name", name), logx.Int("restarts", attempt), logx.Err(err))
			return
		}

		if time.Since(started) >= healthyRun {
			delay = p.min
		}
		wait := delay + rand.N(delay/5+1)
		delay = min(delay*2, p.max)
		s.log.Warn("restarting goroutine", logx.String("name", name), logx.Duration("in", wait), logx.Err(err))

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Supervisor) launch(body func()) {
	s.launched.Add(1)
	s.running.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)
		body()
	}()
}

// runOnce returns a runner that executes fn with panic recovery and stats.
// The error it yields is nil for clean exits (nil or context.Canceled).
func (s *Supervisor) runOnce(ctx context.Context, name string, restart bool) func(fn func(context.Context) error) error {
	return func(fn func(context.Context) error) (err error) {
		started := s.stats.started(name, restart)
		s.log.Debug("goroutine started", logx.String("name", name), logx.Bool("restart", restart))
		defer func() {
			if r := recover(); r != nil {
				s.stats.panicked(name, r)
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("%s: panic: %v", name, r)
			}
			s.stats.stopped(name, started, err)
			s.log.Debug("goroutine stopped", logx.String("name", name), logx.Err(err))
		}()

		if err = fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

// Stop cancels the context and waits for all goroutines, bounded by ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine returned or ctx is done and reports the
// first recorded failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
