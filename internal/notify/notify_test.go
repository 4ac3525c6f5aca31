package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"herald/internal/eventbus"
	"herald/internal/scheduler"
	kit "herald/internal/transport"
	logx "herald/pkg/logx"
)

type deliverCall struct {
	dest int64
	text string
}

type opsSender struct {
	delivered chan deliverCall
	release   chan struct{} // non-nil: Deliver blocks until a receive succeeds
	outcome   kit.Delivery
}

func newOpsSender() *opsSender {
	return &opsSender{delivered: make(chan deliverCall, 16)}
}

func (s *opsSender) Deliver(ctx context.Context, destination int64, text string) kit.Delivery {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return kit.Failure("canceled")
		}
	}
	s.delivered <- deliverCall{dest: destination, text: text}
	return s.outcome
}

func waitDelivery(t *testing.T, s *opsSender) deliverCall {
	t.Helper()
	select {
	case c := <-s.delivered:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no alert delivered")
		return deliverCall{}
	}
}

func stopService(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestAlertOnCampaignDisabled(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sender := newOpsSender()
	s := New(Config{OpsDestination: -100500, PerMinute: 6000}, sender, bus, logx.Nop())
	s.Start(context.Background())
	defer stopService(t, s)

	bus.Publish(eventbus.Event{
		Type: scheduler.EventCampaignDisabled,
		Data: scheduler.CampaignEvent{TenantID: 42, Reason: "tenant authorization expired"},
	})

	got := waitDelivery(t, sender)
	if got.dest != -100500 {
		t.Errorf("alert went to %d, want -100500", got.dest)
	}
	want := "campaign 42 disabled: tenant authorization expired"
	if got.text != want {
		t.Errorf("alert text = %q, want %q", got.text, want)
	}
}

func TestAlertOnCycleWithErrors(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sender := newOpsSender()
	s := New(Config{OpsDestination: 7, PerMinute: 6000}, sender, bus, logx.Nop())
	s.Start(context.Background())
	defer stopService(t, s)

	bus.Publish(eventbus.Event{
		Type: scheduler.EventCycleCompleted,
		Data: scheduler.CycleEvent{
			TenantID:  9,
			Successes: 3,
			Errors:    []string{"destination 20 unreachable: chat not found"},
		},
	})

	got := waitDelivery(t, sender)
	if !strings.Contains(got.text, "campaign 9 cycle: 3 delivered, 1 errors") {
		t.Errorf("alert text = %q", got.text)
	}
	if !strings.Contains(got.text, "destination 20 unreachable: chat not found") {
		t.Errorf("alert text lacks the error line: %q", got.text)
	}
}

func TestCleanCycleProducesNoAlert(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sender := newOpsSender()
	s := New(Config{OpsDestination: 7, PerMinute: 6000}, sender, bus, logx.Nop())
	s.Start(context.Background())
	defer stopService(t, s)

	bus.Publish(eventbus.Event{
		Type: scheduler.EventCycleCompleted,
		Data: scheduler.CycleEvent{TenantID: 9, Successes: 5},
	})
	// An unrelated event type must be ignored as well.
	bus.Publish(eventbus.Event{Type: "directory.swept", Data: struct{}{}})

	select {
	case c := <-sender.delivered:
		t.Fatalf("unexpected alert: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDisabledWithoutDestination(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sender := newOpsSender()
	s := New(Config{OpsDestination: 0}, sender, bus, logx.Nop())
	if s.Enabled() {
		t.Error("Enabled() = true with no destination")
	}
	s.Start(context.Background())

	bus.Publish(eventbus.Event{
		Type: scheduler.EventCampaignDisabled,
		Data: scheduler.CampaignEvent{TenantID: 1, Reason: "empty message"},
	})

	select {
	case c := <-sender.delivered:
		t.Fatalf("unexpected alert: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}
	stopService(t, s)
}

func TestQueueFullDropsAlerts(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sender := newOpsSender()
	sender.release = make(chan struct{})
	s := New(Config{OpsDestination: 7, PerMinute: 6000, QueueSize: 1}, sender, bus, logx.Nop())
	s.Start(context.Background())
	defer stopService(t, s)

	disabled := func(id int64) eventbus.Event {
		return eventbus.Event{Type: scheduler.EventCampaignDisabled, Data: scheduler.CampaignEvent{TenantID: id, Reason: "empty message"}}
	}

	// First alert reaches the (blocked) sender, second fills the queue.
	bus.Publish(disabled(1))
	bus.Publish(disabled(2))

	// Give the pump time to move both through, then overflow.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		bus.Publish(disabled(3))
		if s.Dropped() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.Dropped() == 0 {
		t.Fatal("no alert was dropped although the queue was full")
	}

	// Unblock the sender; the queued alerts still flow out.
	close(sender.release)
	waitDelivery(t, sender)
	waitDelivery(t, sender)
}

func TestFormatEvent(t *testing.T) {
	t.Parallel()

	manyErrs := []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"}

	cases := []struct {
		name      string
		event     eventbus.Event
		wantAlert bool
		contains  []string
	}{
		{
			name:      "disabled with reason",
			event:     eventbus.Event{Type: scheduler.EventCampaignDisabled, Data: scheduler.CampaignEvent{TenantID: 5, Reason: "non-positive interval"}},
			wantAlert: true,
			contains:  []string{"campaign 5 disabled", "non-positive interval"},
		},
		{
			name:      "disabled without reason",
			event:     eventbus.Event{Type: scheduler.EventCampaignDisabled, Data: scheduler.CampaignEvent{TenantID: 5}},
			wantAlert: true,
			contains:  []string{"unspecified"},
		},
		{
			name:      "clean cycle",
			event:     eventbus.Event{Type: scheduler.EventCycleCompleted, Data: scheduler.CycleEvent{TenantID: 5, Successes: 2}},
			wantAlert: false,
		},
		{
			name:      "cycle error list truncated",
			event:     eventbus.Event{Type: scheduler.EventCycleCompleted, Data: scheduler.CycleEvent{TenantID: 5, Successes: 1, Errors: manyErrs}},
			wantAlert: true,
			contains:  []string{"7 errors", "e5", "(2 more)"},
		},
		{
			name:      "wrong payload type",
			event:     eventbus.Event{Type: scheduler.EventCampaignDisabled, Data: "oops"},
			wantAlert: false,
		},
		{
			name:      "unrelated event",
			event:     eventbus.Event{Type: "config.reloaded"},
			wantAlert: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text, alert := formatEvent(tc.event)
			if alert != tc.wantAlert {
				t.Fatalf("alert = %v, want %v (text %q)", alert, tc.wantAlert, text)
			}
			for _, sub := range tc.contains {
				if !strings.Contains(text, sub) {
					t.Errorf("text %q lacks %q", text, sub)
				}
			}
		})
	}

	// The truncated rendering must not spell out errors past the cap.
	text, _ := formatEvent(eventbus.Event{Type: scheduler.EventCycleCompleted, Data: scheduler.CycleEvent{TenantID: 5, Errors: manyErrs}})
	if strings.Contains(text, "e6") {
		t.Errorf("truncated alert still lists e6: %q", text)
	}
}
