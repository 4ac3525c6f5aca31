// Package notify turns bus events an operator cares about into messages in
// the ops chat: campaigns being auto-disabled and delivery cycles that ended
// with errors. Alerts ride the same transport as campaign deliveries but are
// paced independently and never block the publisher.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"herald/internal/eventbus"
	rtsup "herald/internal/runtime/supervisor"
	"herald/internal/scheduler"
	kit "herald/internal/transport"
	logx "herald/pkg/logx"
)

// maxErrorLines caps how many cycle errors one alert spells out.
const maxErrorLines = 5

type Config struct {
	// OpsDestination is the chat that receives alerts. 0 disables the
	// whole service.
	OpsDestination int64
	// PerMinute caps delivered alerts. Default 20.
	PerMinute int
	// QueueSize bounds the pending alert queue. Default 128.
	QueueSize int
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	sender  kit.Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	queue chan string
	unsub func()
	sup   *rtsup.Supervisor

	dropped atomic.Uint64
}

func New(cfg Config, sender kit.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, bus: bus, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60.0), max(1, cfg.PerMinute/10))
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// Enabled reports whether an ops destination is configured.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.OpsDestination != 0
	s.mu.Unlock()
	return en
}

// Dropped returns how many alerts were discarded because the queue was full.
func (s *Service) Dropped() uint64 { return s.dropped.Load() }

// Start subscribes to the bus and begins delivering alerts. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	if s.cfg.OpsDestination == 0 {
		s.log.Debug("ops alerts disabled (no destination configured)")
		return
	}
	if s.bus == nil || s.sender == nil {
		return
	}

	queue := make(chan string, s.cfg.QueueSize)
	events, unsub := s.bus.SubscribeTypes(64,
		scheduler.EventCampaignDisabled,
		scheduler.EventCycleCompleted,
	)
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.queue = queue
	s.unsub = unsub
	s.sup = sup

	sup.Go0("events.pump", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				text, alert := formatEvent(e)
				if !alert {
					continue
				}
				select {
				case queue <- text:
				default:
					s.dropped.Add(1)
					s.log.Debug("ops alert dropped (queue full)", logx.Uint64("dropped_total", s.dropped.Load()))
				}
			}
		}
	})

	sup.Go0("alerts.deliver", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case text, ok := <-queue:
				if !ok {
					return
				}
				s.deliver(c, text)
			}
		}
	})

	s.log.Info("ops alerts started", logx.Int64("destination", s.cfg.OpsDestination), logx.Int("per_minute", s.cfg.PerMinute))
}

// Stop halts delivery. Queued alerts not yet delivered are discarded.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsub
	s.queue = nil
	s.unsub = nil
	s.sup = nil
	s.mu.Unlock()

	if sup == nil {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		return err
	}
	s.log.Info("ops alerts stopped")
	return nil
}

func (s *Service) deliver(ctx context.Context, text string) {
	s.mu.Lock()
	lim := s.limiter
	dest := s.cfg.OpsDestination
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	d := s.sender.Deliver(cctx, dest, text)
	cancel()
	if !d.OK() {
		// Alerts are best-effort; a failing ops chat must never cascade.
		s.log.Debug("ops alert delivery failed", logx.String("outcome", d.Outcome.String()), logx.String("reason", d.Reason))
	}
}

// formatEvent renders one bus event as alert text. The second return is
// false for events that don't warrant an alert (e.g. clean cycles).
func formatEvent(e eventbus.Event) (string, bool) {
	switch e.Type {
	case scheduler.EventCampaignDisabled:
		ce, ok := e.Data.(scheduler.CampaignEvent)
		if !ok {
			return "", false
		}
		reason := ce.Reason
		if reason == "" {
			reason = "unspecified"
		}
		return fmt.Sprintf("campaign %d disabled: %s", ce.TenantID, reason), true

	case scheduler.EventCycleCompleted:
		ce, ok := e.Data.(scheduler.CycleEvent)
		if !ok || len(ce.Errors) == 0 {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "campaign %d cycle: %d delivered, %d errors", ce.TenantID, ce.Successes, len(ce.Errors))
		for i, msg := range ce.Errors {
			if i == maxErrorLines {
				fmt.Fprintf(&b, "\n- (%d more)", len(ce.Errors)-maxErrorLines)
				break
			}
			b.WriteString("\n- ")
			b.WriteString(msg)
		}
		return b.String(), true
	}
	return "", false
}
