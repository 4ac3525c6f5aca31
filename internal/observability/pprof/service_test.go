package pprof

import (
	"context"
	"net/http"
	"runtime"
	"testing"
	"time"

	logx "herald/pkg/logx"
)

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("pprof server did not bind")
	return ""
}

func get(t *testing.T, url string, header map[string]string) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func TestReconfigureEnableDisable(t *testing.T) {
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		// Avoid leaking profiling knobs across tests.
		_ = runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	s := New(Config{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := Config{
		Enabled:              true,
		Addr:                 "127.0.0.1:0",
		MutexProfileFraction: 7,
		BlockProfileRate:     1,
	}
	s.Reconfigure(ctx, cfg)

	addr := waitAddr(t, s)
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}
	if code := get(t, "http://"+addr+"/debug/pprof/", nil); code != http.StatusOK {
		t.Fatalf("pprof index status = %d", code)
	}

	if got := runtime.SetMutexProfileFraction(-1); got != cfg.MutexProfileFraction {
		t.Fatalf("mutex profile fraction = %d, want %d", got, cfg.MutexProfileFraction)
	}

	// Disabling tears the listener down.
	s.Reconfigure(ctx, Config{Enabled: false})
	if addr := s.Addr(); addr != "" {
		t.Fatalf("server still bound at %s after disable", addr)
	}
}

func TestTokenGuardsEndpoints(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Start(ctx)
	addr := waitAddr(t, s)
	base := "http://" + addr

	if code := get(t, base+"/healthz", nil); code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", code)
	}
	if code := get(t, base+"/healthz?token=wrong", nil); code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", code)
	}
	if code := get(t, base+"/healthz?token=s3cret", nil); code != http.StatusOK {
		t.Errorf("query token: status = %d, want 200", code)
	}
	if code := get(t, base+"/healthz", map[string]string{"Authorization": "Bearer s3cret"}); code != http.StatusOK {
		t.Errorf("bearer token: status = %d, want 200", code)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	if addr := s.Addr(); addr != "" {
		t.Fatalf("insecure bind was accepted at %s", addr)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Start(ctx)
	addr := waitAddr(t, s)
	s.Start(ctx)
	if got := s.Addr(); got != addr {
		t.Fatalf("second Start rebound the server: %s != %s", got, addr)
	}
}

func TestNormalizePrefix(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "/debug/pprof/"},
		{"debug", "/debug/"},
		{"/profiling", "/profiling/"},
		{"/profiling/", "/profiling/"},
	}
	for _, tc := range cases {
		if got := normalizePrefix(tc.in); got != tc.want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"example.com:80", false},
		{"127.0.0.1", false},
	}
	for _, tc := range cases {
		if got := isLoopbackAddr(tc.addr); got != tc.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}
