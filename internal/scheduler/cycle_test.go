package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"herald/internal/transport"
	logx "herald/pkg/logx"
)

func TestRunCyclePersistsOutcome(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	c := runnableCampaign(1, 10, 20, 30)
	c.IntervalMinutes = 3
	st.put(c)
	st.reachable = []int64{10, 20, 30}
	snd := &fakeSender{outcomes: map[int64]transport.Delivery{
		20: transport.Unreachable("chat not found"),
	}}
	s := New(Config{}, st, snd, nil, logx.Nop())

	wait, exitReason := s.runCycle(context.Background(), 1, logx.Nop())
	if exitReason != "" {
		t.Fatalf("exitReason = %q, want empty", exitReason)
	}
	if wait != 3*time.Minute {
		t.Fatalf("wait = %v, want 3m", wait)
	}

	calls := st.statsCalls()
	if len(calls) != 1 {
		t.Fatalf("stats persisted %d times, want 1", len(calls))
	}
	if calls[0].successes != 2 {
		t.Fatalf("successes = %d, want 2", calls[0].successes)
	}
	if len(calls[0].errs) != 1 || calls[0].errs[0] != "destination 20 unreachable: chat not found" {
		t.Fatalf("errs = %v", calls[0].errs)
	}
}

func TestRunCycleDisabledCampaign(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	c := runnableCampaign(1, 10)
	c.Enabled = false
	st.put(c)
	st.reachable = []int64{10}
	snd := &fakeSender{}
	s := New(Config{}, st, snd, nil, logx.Nop())

	wait, exitReason := s.runCycle(context.Background(), 1, logx.Nop())
	if exitReason != "disabled" || wait != 0 {
		t.Fatalf("got (%v, %q), want (0, disabled)", wait, exitReason)
	}
	if got := snd.deliveries(); len(got) != 0 {
		t.Fatalf("disabled campaign delivered %v", got)
	}
	if got := st.statsCalls(); len(got) != 0 {
		t.Fatalf("disabled campaign persisted stats %v", got)
	}
}

func TestRunCycleGateFailureDisables(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.put(runnableCampaign(1, 10))
	st.reachable = []int64{10}
	st.setTenantAuth(1, false)
	snd := &fakeSender{}
	s := New(Config{}, st, snd, nil, logx.Nop())

	wait, exitReason := s.runCycle(context.Background(), 1, logx.Nop())
	if exitReason != ReasonTenantAuth || wait != 0 {
		t.Fatalf("got (%v, %q), want (0, %s)", wait, exitReason, ReasonTenantAuth)
	}
	if st.campaign(1).Enabled {
		t.Fatal("campaign still enabled after gate failure")
	}
	if got := snd.deliveries(); len(got) != 0 {
		t.Fatalf("ineligible campaign delivered %v", got)
	}

	// The next cycle sees the persisted flag and exits without a second
	// disable write.
	_, exitReason = s.runCycle(context.Background(), 1, logx.Nop())
	if exitReason != "disabled" {
		t.Fatalf("second exitReason = %q, want disabled", exitReason)
	}
	if got := st.disableCalls(); !equalIDs(got, []int64{1}) {
		t.Fatalf("disable calls = %v, want [1]", got)
	}
}

func TestRunCycleStoreErrorRetries(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.campaignErr = errors.New("db locked")
	s := New(Config{}, st, &fakeSender{}, nil, logx.Nop())

	wait, exitReason := s.runCycle(context.Background(), 1, logx.Nop())
	if exitReason != "" {
		t.Fatalf("exitReason = %q, want empty", exitReason)
	}
	if wait != cycleRetryDelay {
		t.Fatalf("wait = %v, want %v", wait, cycleRetryDelay)
	}
}

func TestRunCycleTruncatesErrors(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.put(runnableCampaign(1, 10, 20, 30, 40))
	st.reachable = []int64{10, 20, 30, 40}
	snd := &fakeSender{outcomes: map[int64]transport.Delivery{
		10: transport.Failure("timeout"),
		20: transport.Failure("timeout"),
		30: transport.Failure("timeout"),
		40: transport.Failure("timeout"),
	}}
	s := New(Config{MaxCycleErrors: 2}, st, snd, nil, logx.Nop())

	if _, exitReason := s.runCycle(context.Background(), 1, logx.Nop()); exitReason != "" {
		t.Fatalf("exitReason = %q, want empty", exitReason)
	}
	calls := st.statsCalls()
	if len(calls) != 1 {
		t.Fatalf("stats persisted %d times, want 1", len(calls))
	}
	errs := calls[0].errs
	if len(errs) != 3 {
		t.Fatalf("persisted %d error entries, want 3: %v", len(errs), errs)
	}
	if errs[2] != "(2 more errors truncated)" {
		t.Fatalf("truncation marker = %q", errs[2])
	}
}

func TestRunCyclePanicContained(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.put(runnableCampaign(1, 10))
	st.reachable = []int64{10}
	st.panicEnforce = true
	s := New(Config{}, st, &fakeSender{}, nil, logx.Nop())

	wait, exitReason := s.runCycle(context.Background(), 1, logx.Nop())
	if exitReason != "" {
		t.Fatalf("exitReason = %q, want empty", exitReason)
	}
	if wait != cycleRetryDelay {
		t.Fatalf("wait = %v, want %v", wait, cycleRetryDelay)
	}

	calls := st.statsCalls()
	if len(calls) != 1 || calls[0].successes != 0 {
		t.Fatalf("stats = %+v, want one zero-success entry", calls)
	}
	if !strings.HasPrefix(calls[0].errs[0], "cycle failure:") {
		t.Fatalf("err entry = %q", calls[0].errs[0])
	}
}

func TestRunCycleSurvivesStatsPanic(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.put(runnableCampaign(1, 10))
	st.reachable = []int64{10}
	st.panicStats = true
	s := New(Config{}, st, &fakeSender{}, nil, logx.Nop())

	wait, exitReason := s.runCycle(context.Background(), 1, logx.Nop())
	if exitReason != "" {
		t.Fatalf("exitReason = %q, want empty", exitReason)
	}
	if wait != cycleRetryDelay {
		t.Fatalf("wait = %v, want %v", wait, cycleRetryDelay)
	}
}

func TestRunCycleDeliversStepOneSnapshot(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.put(runnableCampaign(1, 10))
	st.reachable = []int64{10}
	snd := &fakeSender{}
	s := New(Config{}, st, snd, nil, logx.Nop())

	if _, exitReason := s.runCycle(context.Background(), 1, logx.Nop()); exitReason != "" {
		t.Fatalf("exitReason = %q, want empty", exitReason)
	}
	got := snd.deliveries()
	if len(got) != 1 || got[0].dest != 10 || got[0].text != "hello" {
		t.Fatalf("deliveries = %v", got)
	}
}
