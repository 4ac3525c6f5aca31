package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"herald/internal/eventbus"
	"herald/internal/storage"
	"herald/internal/transport"
	logx "herald/pkg/logx"
)

// Store is the slice of the persistence API the scheduler consumes.
// storage.Store satisfies it; tests substitute fakes.
type Store interface {
	Campaign(ctx context.Context, tenantID int64) (storage.Campaign, error)
	SetEnabled(ctx context.Context, tenantID int64, enabled bool) error
	EnforceConstraints(ctx context.Context, tenantID int64) (storage.Campaign, error)
	UpdateStats(ctx context.Context, tenantID int64, successes int, errs []string) error
	EnabledCampaigns(ctx context.Context) ([]int64, error)
	ReachableDestinationIDs(ctx context.Context) ([]int64, error)
	AuthorizationValid(ctx context.Context, tenantID int64, window time.Duration) (bool, error)
	SystemAuthorizationValid(ctx context.Context, window time.Duration) (bool, error)
}

// Config tunes the scheduler. Zero values fall back to defaults in New.
type Config struct {
	// AuthorizationWindow bounds how old an approved payment may be for a
	// tenant to count as authorized.
	AuthorizationWindow time.Duration
	// RequireSystemApproval additionally gates every campaign on a valid
	// deployment-wide approval.
	RequireSystemApproval bool
	// DefaultAllDestinations resolves an empty configured destination set to
	// every reachable destination instead of treating it as invalid.
	DefaultAllDestinations bool
	// DeliverTimeout bounds a single delivery attempt.
	DeliverTimeout time.Duration
	// MaxCycleErrors caps how many error entries one cycle persists.
	MaxCycleErrors int
}

const (
	defaultAuthorizationWindow = 30 * 24 * time.Hour
	defaultDeliverTimeout      = 30 * time.Second
	defaultMaxCycleErrors      = 20

	// cycleRetryDelay spaces cycles after an internal failure (store error,
	// panic) as opposed to ordinary per-destination delivery failures.
	cycleRetryDelay = time.Minute
)

func normalizeConfig(cfg Config) Config {
	if cfg.AuthorizationWindow <= 0 {
		cfg.AuthorizationWindow = defaultAuthorizationWindow
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = defaultDeliverTimeout
	}
	if cfg.MaxCycleErrors <= 0 {
		cfg.MaxCycleErrors = defaultMaxCycleErrors
	}
	return cfg
}

// Scheduler owns the tenant -> loop registry and keeps it consistent:
// at most one live loop per tenant, stops that drain fully, refreshes that
// restart against the freshest persisted snapshot.
type Scheduler struct {
	store  Store
	sender transport.Sender
	bus    eventbus.Bus
	log    logx.Logger

	mu    sync.Mutex
	cfg   Config
	loops map[int64]*loop
}

// loop is one tenant's live execution handle.
type loop struct {
	tenantID int64
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newLoop(tenantID int64) *loop {
	return &loop{
		tenantID: tenantID,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (l *loop) signalStop() { l.stopOnce.Do(func() { close(l.stopCh) }) }

func (l *loop) exited() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func New(cfg Config, store Store, sender transport.Sender, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		store:  store,
		sender: sender,
		bus:    bus,
		log:    log,
		cfg:    normalizeConfig(cfg),
		loops:  map[int64]*loop{},
	}
}

// Apply swaps the tunables at runtime. Running loops pick the new values up
// at their next cycle.
func (s *Scheduler) Apply(cfg Config) {
	cfg = normalizeConfig(cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// EnsureRunning starts the tenant's loop unless a live one already exists.
// Idempotent under concurrent calls: exactly one loop results.
func (s *Scheduler) EnsureRunning(tenantID int64) {
	s.mu.Lock()
	if l := s.loops[tenantID]; l != nil && !l.exited() {
		s.mu.Unlock()
		return
	}
	l := newLoop(tenantID)
	s.loops[tenantID] = l
	s.mu.Unlock()

	go s.run(l)
}

// Stop signals the tenant's loop and waits until it has fully exited, so a
// successful return guarantees no loop remains for the tenant. When ctx
// expires first, Stop returns the context error and the loop keeps draining
// in the background.
func (s *Scheduler) Stop(ctx context.Context, tenantID int64) error {
	s.mu.Lock()
	l := s.loops[tenantID]
	if l == nil {
		s.mu.Unlock()
		return nil
	}
	l.signalStop()
	s.mu.Unlock()

	select {
	case <-l.done:
	case <-ctx.Done():
		s.log.Warn("stop wait aborted, loop drains in background",
			logx.Int64("tenant", tenantID), logx.Err(ctx.Err()))
		return ctx.Err()
	}

	s.mu.Lock()
	if s.loops[tenantID] == l {
		delete(s.loops, tenantID)
	}
	s.mu.Unlock()
	return nil
}

// StopAll signals every loop, then waits for each to exit.
func (s *Scheduler) StopAll(ctx context.Context) error {
	s.mu.Lock()
	ls := make([]*loop, 0, len(s.loops))
	for _, l := range s.loops {
		l.signalStop()
		ls = append(ls, l)
	}
	s.mu.Unlock()

	var firstErr error
	for _, l := range ls {
		select {
		case <-l.done:
			s.mu.Lock()
			if s.loops[l.tenantID] == l {
				delete(s.loops, l.tenantID)
			}
			s.mu.Unlock()
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
				s.log.Warn("stop-all wait aborted, remaining loops drain in background", logx.Err(firstErr))
			}
		}
	}
	return firstErr
}

// Refresh reconciles the tenant's loop against current persisted state:
// ineligible campaigns are disabled and stopped, eligible ones restarted so
// the next cycle runs against the freshest configuration snapshot.
func (s *Scheduler) Refresh(ctx context.Context, tenantID int64) error {
	c, err := s.store.Campaign(ctx, tenantID)
	if err != nil {
		return err
	}
	if !c.Enabled {
		return s.Stop(ctx, tenantID)
	}
	ev, err := s.evaluate(ctx, c)
	if err != nil {
		return err
	}
	if !ev.verdict.Runnable {
		s.disable(ctx, tenantID, ev.verdict.Reason)
		return s.Stop(ctx, tenantID)
	}
	if err := s.Stop(ctx, tenantID); err != nil {
		return err
	}
	s.EnsureRunning(tenantID)
	return nil
}

// RefreshAll reconciles every enabled campaign plus any loop still running.
// Per-tenant failures are logged, not propagated, so one broken campaign
// cannot block the rest.
func (s *Scheduler) RefreshAll(ctx context.Context) error {
	ids, err := s.store.EnabledCampaigns(ctx)
	if err != nil {
		return err
	}
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	s.mu.Lock()
	for id := range s.loops {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Refresh(ctx, id); err != nil {
			s.log.Error("refresh failed", logx.Int64("tenant", id), logx.Err(err))
		}
	}
	return nil
}

// StartIfEnabled reconciles every persisted enabled campaign at boot.
// Campaigns whose stored state went invalid since the last run get disabled
// on the spot instead of started.
func (s *Scheduler) StartIfEnabled(ctx context.Context) error {
	ids, err := s.store.EnabledCampaigns(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.Refresh(ctx, id); err != nil {
			s.log.Error("boot reconcile failed", logx.Int64("tenant", id), logx.Err(err))
		}
	}
	return nil
}

// Running reports the tenants with a live loop, sorted.
func (s *Scheduler) Running() []int64 {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.loops))
	for id, l := range s.loops {
		if !l.exited() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// disable persists enabled=false. Safe to call repeatedly; the flag write is
// idempotent.
func (s *Scheduler) disable(ctx context.Context, tenantID int64, reason string) {
	if err := s.store.SetEnabled(ctx, tenantID, false); err != nil {
		s.log.Error("disable campaign", logx.Int64("tenant", tenantID), logx.Err(err))
		return
	}
	s.log.Warn("campaign disabled", logx.Int64("tenant", tenantID), logx.String("reason", reason))
	s.publish(eventbus.Event{Type: EventCampaignDisabled, Data: CampaignEvent{TenantID: tenantID, Reason: reason}})
}

func (s *Scheduler) publish(e eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
