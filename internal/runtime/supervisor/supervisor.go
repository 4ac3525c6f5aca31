package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "herald/pkg/logx"
)

// Supervisor ties a group of named goroutines to one context: panics are
// recovered, the first error is retained, and callers can wait for the
// whole group under a deadline.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	failOnce sync.Once
	failure  atomic.Value // error

	waitOnce sync.Once
	allDone  chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError tears down the whole group when any goroutine fails.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, allDone: make(chan struct{})}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel signals the group to unwind without waiting for it.
func (s *Supervisor) Cancel() { s.cancel() }

func (s *Supervisor) Err() error {
	err, _ := s.failure.Load().(error)
	return err
}

// record keeps the first failure for Err.
func (s *Supervisor) record(err error) {
	if err == nil {
		return
	}
	s.failOnce.Do(func() { s.failure.Store(err) })
}

func (s *Supervisor) fail(err error) {
	s.record(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn under the group context. A panic or a non-context error counts
// as the group failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("goroutine panicked",
					logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				s.fail(fmt.Errorf("panic in %s: %v", name, r))
			}
		}()

		s.log.Debug("goroutine started", logx.String("name", name))
		if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// RestartOption tunes GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor           time.Duration
	ceil            time.Duration
	stopOnCleanExit bool
	publishFirstErr bool
}

// WithRestartBackoff bounds the delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.floor = min
		}
		if max > 0 {
			p.ceil = max
		}
	}
}

// WithPublishFirstError records the first failure in Err while the loop
// keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirstErr = enabled }
}

// WithStopOnCleanExit stops restarting once fn returns nil. On by default.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// GoRestart keeps fn running: every failure or panic is followed by an
// exponentially backed off restart until the context ends. Meant for
// pollers, watchers and consumers that should self-heal.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{
		floor:           250 * time.Millisecond,
		ceil:            30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&pol)
	}
	if pol.ceil < pol.floor {
		pol.ceil = pol.floor
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		delay := pol.floor
		for ctx.Err() == nil {
			began := time.Now()
			err := s.runOnce(ctx, name, fn)

			// Ending during shutdown is a clean stop, not a failure.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			if err == nil {
				if pol.stopOnCleanExit {
					return
				}
				err = errors.New("exited")
			}
			if pol.publishFirstErr {
				s.record(fmt.Errorf("%s: %w", name, err))
			}

			// A run that survived a while earns a fresh backoff.
			if time.Since(began) >= 30*time.Second {
				delay = pol.floor
			}

			wait := jittered(delay)
			s.log.Warn("restarting after failure",
				logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			delay = min(delay*2, pol.ceil)
		}
	})
}

// runOnce executes one attempt, converting a panic into an error.
func (s *Supervisor) runOnce(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked, will restart",
				logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// jittered pads d with up to 20% random slack so restarts spread out.
func jittered(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		return d + time.Duration(time.Now().UnixNano()%(j+1))
	}
	return d
}

// GoRestart0 is GoRestart for loops that have nothing to return.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

// Stop cancels the group and waits for it under ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has exited or ctx runs out.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.allDone)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.allDone:
		return s.Err()
	}
}
