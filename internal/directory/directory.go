// Package directory keeps the destination directory in sync with what the
// active transport can actually deliver to.
//
// Two inputs feed it: membership changes pushed by the transport (drained
// from a channel as they happen) and periodic reachability sweeps that ask
// the transport to re-probe every known destination. A third cron job
// periodically reconciles the campaign loops against storage so drift from
// missed events heals on its own.
package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"herald/internal/eventbus"
	rtsup "herald/internal/runtime/supervisor"
	"herald/internal/storage"
	kit "herald/internal/transport"
	logx "herald/pkg/logx"
)

// EventDirectorySwept is published after each completed reachability sweep.
const EventDirectorySwept = "directory.swept"

// SweepEvent is the payload of EventDirectorySwept.
type SweepEvent struct {
	Known     int `json:"known"`
	Reachable int `json:"reachable"`
}

// Store is the slice of the persistence API the directory maintains.
type Store interface {
	UpsertDestination(ctx context.Context, id int64, title string) error
	RemoveDestination(ctx context.Context, id int64) error
	SetReachable(ctx context.Context, ids []int64) error
	Destinations(ctx context.Context) ([]storage.Destination, error)
}

// Refresher re-checks every live campaign loop against storage. The
// scheduler implements it.
type Refresher interface {
	RefreshAll(ctx context.Context) error
}

type Config struct {
	// SweepEvery is the interval between reachability sweeps.
	SweepEvery time.Duration
	// ReconcileEvery is the interval between campaign reconcile passes.
	ReconcileEvery time.Duration
}

const (
	defaultSweepEvery     = 10 * time.Minute
	defaultReconcileEvery = time.Hour
)

func normalizeConfig(cfg Config) Config {
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = defaultSweepEvery
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = defaultReconcileEvery
	}
	return cfg
}

type Service struct {
	store  Store
	sender kit.Sender
	refr   Refresher
	bus    eventbus.Bus
	log    logx.Logger

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	sup *rtsup.Supervisor
}

func New(cfg Config, store Store, sender kit.Sender, refr Refresher, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    normalizeConfig(cfg),
		store:  store,
		sender: sender,
		refr:   refr,
		bus:    bus,
		log:    log,
	}
}

// Apply replaces the job intervals. A running service keeps its current
// schedule until restarted.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = normalizeConfig(cfg)
	s.mu.Unlock()
}

// Start registers the cron jobs and begins draining pushed membership
// updates. updates may be nil for transports without a receive loop.
// Start is idempotent; the second call is a no-op.
func (s *Service) Start(ctx context.Context, updates <-chan kit.DirectoryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	jobCtx := sup.Context()

	c := cron.New()
	_, canSweep := s.sender.(kit.DirectoryLister)
	if canSweep {
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.SweepEvery), func() { s.sweep(jobCtx) }); err != nil {
			sup.Cancel()
			return fmt.Errorf("register sweep job: %w", err)
		}
	} else {
		s.log.Debug("transport cannot enumerate destinations; sweeps disabled")
	}
	if s.refr != nil {
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.ReconcileEvery), func() { s.reconcile(jobCtx) }); err != nil {
			sup.Cancel()
			return fmt.Errorf("register reconcile job: %w", err)
		}
	}
	c.Start()
	s.c = c
	s.sup = sup

	if updates != nil {
		sup.Go0("updates.drain", func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case u, ok := <-updates:
					if !ok {
						return
					}
					s.applyUpdate(c, u)
				}
			}
		})
	}

	// cron's @every fires only after the first interval has passed; run one
	// sweep immediately.
	if canSweep {
		sup.Go0("sweep.initial", func(c context.Context) { s.sweep(c) })
	}

	s.log.Info("directory started",
		logx.Duration("sweep_every", s.cfg.SweepEvery),
		logx.Duration("reconcile_every", s.cfg.ReconcileEvery),
		logx.Bool("sweeps", canSweep),
	)
	return nil
}

// Stop halts the cron jobs and the drain worker. Blocks until running jobs
// finish or ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	sup := s.sup
	s.c = nil
	s.sup = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil {
			return err
		}
	}
	s.log.Info("directory stopped")
	return ctx.Err()
}

// sweep re-probes every known destination through the transport and
// replaces the reachable set with the answer.
func (s *Service) sweep(ctx context.Context) {
	lister, ok := s.sender.(kit.DirectoryLister)
	if !ok {
		return
	}

	dests, err := s.store.Destinations(ctx)
	if err != nil {
		s.log.Warn("sweep: reading directory failed", logx.Err(err))
		return
	}
	known := make([]int64, 0, len(dests))
	for _, d := range dests {
		known = append(known, d.ID)
	}

	entries, err := lister.ListReachable(ctx, known)
	if err != nil {
		s.log.Warn("reachability sweep failed", logx.Err(err))
		return
	}

	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		if err := s.store.UpsertDestination(ctx, e.ID, e.Title); err != nil {
			s.log.Warn("sweep: destination upsert failed", logx.Int64("destination", e.ID), logx.Err(err))
			continue
		}
		ids = append(ids, e.ID)
	}
	if err := s.store.SetReachable(ctx, ids); err != nil {
		s.log.Warn("sweep: persisting reachable set failed", logx.Err(err))
		return
	}

	s.log.Info("directory swept", logx.Int("known", len(known)), logx.Int("reachable", len(ids)))
	s.publish(eventbus.Event{Type: EventDirectorySwept, Data: SweepEvent{Known: len(known), Reachable: len(ids)}})
}

func (s *Service) reconcile(ctx context.Context) {
	if err := s.refr.RefreshAll(ctx); err != nil {
		s.log.Warn("reconcile pass failed", logx.Err(err))
	}
}

// applyUpdate folds one pushed membership change into the directory.
// Gaining access upserts the destination and marks it reachable without
// waiting for the next sweep; losing access removes the destination
// entirely, which also strips it from every campaign's destination set.
func (s *Service) applyUpdate(ctx context.Context, u kit.DirectoryUpdate) {
	if !u.Reachable {
		if err := s.store.RemoveDestination(ctx, u.ID); err != nil {
			s.log.Warn("destination removal failed", logx.Int64("destination", u.ID), logx.Err(err))
			return
		}
		s.log.Info("destination left", logx.Int64("destination", u.ID))
		return
	}

	if err := s.store.UpsertDestination(ctx, u.ID, u.Title); err != nil {
		s.log.Warn("destination upsert failed", logx.Int64("destination", u.ID), logx.Err(err))
		return
	}
	dests, err := s.store.Destinations(ctx)
	if err != nil {
		s.log.Warn("reading directory failed", logx.Int64("destination", u.ID), logx.Err(err))
		return
	}
	ids := make([]int64, 0, len(dests))
	for _, d := range dests {
		if d.Reachable || d.ID == u.ID {
			ids = append(ids, d.ID)
		}
	}
	if err := s.store.SetReachable(ctx, ids); err != nil {
		s.log.Warn("persisting reachable set failed", logx.Int64("destination", u.ID), logx.Err(err))
		return
	}
	s.log.Info("destination joined", logx.Int64("destination", u.ID), logx.String("title", u.Title))
}

func (s *Service) publish(e eventbus.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(e)
}
