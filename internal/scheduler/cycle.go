package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"herald/internal/eventbus"
	logx "herald/pkg/logx"
)

// run owns one tenant's loop from start to exit. The loop leaves on stop, on
// an externally disabled campaign, or when the eligibility gate fails; plain
// delivery failures never terminate it.
//
// Cycles run on a background context on purpose: a stop request takes effect
// at the interval wait, never mid-cycle, so a cycle that already started
// finishes delivering and persists its stats.
func (s *Scheduler) run(l *loop) {
	log := s.log.With(logx.Int64("tenant", l.tenantID))

	exitReason := "stopped"
	defer func() {
		close(l.done)
		s.mu.Lock()
		if s.loops[l.tenantID] == l {
			delete(s.loops, l.tenantID)
		}
		s.mu.Unlock()
		log.Info("campaign loop exited", logx.String("reason", exitReason))
		s.publish(eventbus.Event{Type: EventCampaignStopped, Data: CampaignEvent{TenantID: l.tenantID, Reason: exitReason}})
	}()

	log.Info("campaign loop started")
	s.publish(eventbus.Event{Type: EventCampaignStarted, Data: CampaignEvent{TenantID: l.tenantID}})

	ctx := context.Background()
	for {
		wait, reason := s.runCycle(ctx, l.tenantID, log)
		if reason != "" {
			exitReason = reason
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-l.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runCycle executes one delivery cycle and returns the wait before the next
// one, or a non-empty exit reason when the loop must terminate. Panics are
// contained at this boundary: the cycle counts as zero successes and the
// loop retries after cycleRetryDelay.
func (s *Scheduler) runCycle(ctx context.Context, tenantID int64, log logx.Logger) (wait time.Duration, exitReason string) {
	cfg := s.config()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error("panic in delivery cycle",
			logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		// Best effort only: the store may be the thing that panicked.
		func() {
			defer func() { _ = recover() }()
			if err := s.store.UpdateStats(ctx, tenantID, 0, []string{fmt.Sprintf("cycle failure: %v", r)}); err != nil {
				log.Error("persist cycle failure", logx.Err(err))
			}
		}()
		wait, exitReason = cycleRetryDelay, ""
	}()

	c, err := s.store.Campaign(ctx, tenantID)
	if err != nil {
		log.Error("load campaign", logx.Err(err))
		return cycleRetryDelay, ""
	}
	if !c.Enabled {
		return 0, "disabled"
	}

	ev, err := s.evaluate(ctx, c)
	if err != nil {
		log.Error("eligibility evaluation failed", logx.Err(err))
		return cycleRetryDelay, ""
	}
	if !ev.verdict.Runnable {
		s.disable(ctx, tenantID, ev.verdict.Reason)
		return 0, ev.verdict.Reason
	}

	// A mutation may have landed between the load above and here; the store
	// re-checks and flips enabled off when the record no longer holds up.
	c2, err := s.store.EnforceConstraints(ctx, tenantID)
	if err != nil {
		log.Error("constraint check failed", logx.Err(err))
		return cycleRetryDelay, ""
	}
	if !c2.Enabled {
		return 0, "constraints violated"
	}

	res := fanOut(ctx, s.sender, ev.resolved, c.Message, cfg.DeliverTimeout, log)

	errs := res.Errors
	if len(errs) > cfg.MaxCycleErrors {
		dropped := len(errs) - cfg.MaxCycleErrors
		errs = append(errs[:cfg.MaxCycleErrors:cfg.MaxCycleErrors], fmt.Sprintf("(%d more errors truncated)", dropped))
	}
	if err := s.store.UpdateStats(ctx, tenantID, res.Successes, errs); err != nil {
		log.Error("persist stats", logx.Err(err))
	}

	log.Info("cycle completed",
		logx.Int("destinations", len(ev.resolved)),
		logx.Int("successes", res.Successes),
		logx.Int("errors", len(res.Errors)))
	s.publish(eventbus.Event{Type: EventCycleCompleted, Data: CycleEvent{TenantID: tenantID, Successes: res.Successes, Errors: errs}})

	return time.Duration(max(1, c.IntervalMinutes*60)) * time.Second, ""
}
