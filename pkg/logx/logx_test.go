package logx

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	kit "herald/internal/transport"
)

type shippedMsg struct {
	dest int64
	text string
}

type stubSender struct {
	shipped chan shippedMsg
}

func newStubSender() *stubSender {
	return &stubSender{shipped: make(chan shippedMsg, 16)}
}

func (s *stubSender) Deliver(ctx context.Context, destination int64, text string) kit.Delivery {
	select {
	case s.shipped <- shippedMsg{dest: destination, text: text}:
	case <-ctx.Done():
	}
	return kit.Success()
}

func waitShipped(t *testing.T, s *stubSender) shippedMsg {
	t.Helper()
	select {
	case m := <-s.shipped:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shipped log line")
		return shippedMsg{}
	}
}

func TestZeroValueLoggerIsSafe(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("fresh Logger is not zero")
	}
	zero.Info("ignored")
	zero.Error("ignored", Err(nil))

	nop := Nop()
	if nop.IsZero() {
		t.Fatal("Nop logger reports zero")
	}
	nop.Warn("ignored", String("k", "v"))

	derived := zero.With(String("comp", "test"))
	if derived.IsZero() {
		t.Fatal("derived logger reports zero")
	}
	derived.Debug("ignored")
}

func TestEnabled(t *testing.T) {
	log := NewConsole("DEBUG")
	if !log.Enabled(LevelDebug) || !log.Enabled(LevelError) {
		t.Fatal("debug logger rejects debug/error")
	}
	if log.Enabled(LevelTrace) {
		t.Fatal("debug logger accepts trace")
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{"TRACE", LevelTrace},
		{"debug", LevelDebug},
		{"Info", LevelInfo},
		{" WARN ", LevelWarn},
		{"warning", LevelWarn},
		{"ERROR", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, LevelInfo); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		maxN int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-10", 10, "exactly-10"},
		{"abcdefghijk", 10, "abcdefg..."},
		{"abcdefghijk", 5, "abcde"},
		{"no cap", 0, "no cap"},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.maxN); got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.maxN, got, tc.want)
		}
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	cases := []struct {
		name        string
		in          string
		contains    []string
		notContains []string
	}{
		{
			name:        "level and field",
			in:          `{"level":"warn","time":"2025-03-01T12:00:00.000Z","message":"low disk","dev":"sda1"}`,
			contains:    []string{"[WARN] low disk", "\n- dev=sda1"},
			notContains: []string{"- time="},
		},
		{
			name:     "msg key fallback",
			in:       `{"level":"error","msg":"fallback"}`,
			contains: []string{"[ERROR] fallback"},
		},
		{
			name:     "no level",
			in:       `{"message":"bare"}`,
			contains: []string{"bare"},
		},
		{
			name:     "stack block",
			in:       `{"level":"error","message":"panic recovered","stack":"goroutine 1 [running]"}`,
			contains: []string{"[ERROR] panic recovered", "\n- stack=\n", "goroutine 1 [running]"},
		},
		{
			name:     "plain text passthrough",
			in:       "  not json at all\n",
			contains: []string{"not json at all"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := formatTelegramJSON([]byte(tc.in))
			for _, want := range tc.contains {
				if !strings.Contains(got, want) {
					t.Fatalf("formatted %q lacks %q", got, want)
				}
			}
			for _, bad := range tc.notContains {
				if strings.Contains(got, bad) {
					t.Fatalf("formatted %q contains %q", got, bad)
				}
			}
		})
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herald.log")
	cfg := Config{
		Level: "WARN",
		File:  FileConfig{Enabled: true, Path: path},
	}
	svc, log := New(cfg, nil)
	log = log.With(String("comp", "storage"))

	log.Info("quiet message")
	log.Error("loud message")

	// Raising verbosity at runtime takes effect on the live logger.
	cfg.Level = "DEBUG"
	svc.Apply(cfg)
	log.Info("now visible")

	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(b)
	for _, want := range []string{`"message":"loud message"`, `"message":"now visible"`, `"comp":"storage"`, `"level":"error"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log file %q lacks %q", out, want)
		}
	}
	if strings.Contains(out, "quiet message") {
		t.Fatal("suppressed line reached the file")
	}
}

func TestTelegramShipping(t *testing.T) {
	sender := newStubSender()
	svc, log := New(Config{
		Level:    "DEBUG",
		Telegram: TelegramConfig{Enabled: true, MinLevel: "WARN", RatePerSec: 100},
	}, sender)
	defer svc.Close()

	// Without a target chat nothing ships.
	log.Warn("early warning")

	svc.SetTelegramTarget(900)
	log.Info("below min level")
	log.Warn("deliveries failing", Int("campaign", 9))

	m := waitShipped(t, sender)
	if m.dest != 900 {
		t.Fatalf("shipped to %d, want 900", m.dest)
	}
	if !strings.Contains(m.text, "[WARN] deliveries failing") || !strings.Contains(m.text, "campaign=9") {
		t.Fatalf("shipped text = %q", m.text)
	}
}

func TestTelegramRateLimit(t *testing.T) {
	sender := newStubSender()
	svc, log := New(Config{
		Level:    "DEBUG",
		Telegram: TelegramConfig{Enabled: true, MinLevel: "WARN", RatePerSec: 1},
	}, sender)
	defer svc.Close()
	svc.SetTelegramTarget(900)

	log.Warn("first")
	log.Warn("second")

	m := waitShipped(t, sender)
	if !strings.Contains(m.text, "first") {
		t.Fatalf("shipped text = %q", m.text)
	}
	select {
	case m := <-sender.shipped:
		t.Fatalf("rate limiter let %q through", m.text)
	case <-time.After(150 * time.Millisecond):
	}
}
