package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"
	"sync"
	"time"

	rtsup "herald/internal/runtime/supervisor"
	logx "herald/pkg/logx"
)

// Config controls the optional pprof HTTP server.
//
// Binding beyond localhost needs either a Token or an explicit
// AllowInsecure opt-in.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

// New applies the runtime profiling rates right away; the HTTP server itself
// waits for Start.
func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	setProfileRates(cfg)
	return &Service{cfg: cfg, log: log}
}

// Rate zero keeps the Go default; explicit -1 is not supported here.
func setProfileRates(cfg Config) {
	if f := cfg.MutexProfileFraction; f >= 0 {
		runtime.SetMutexProfileFraction(f)
	}
	if r := cfg.BlockProfileRate; r >= 0 {
		runtime.SetBlockProfileRate(r)
	}
	if r := cfg.MemProfileRate; r > 0 {
		runtime.MemProfileRate = r
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr reports the live listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg during hot reload, starting, stopping or
// restarting the server as the diff demands.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	// Profiling rates apply even while the server stays off.
	setProfileRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case restartRequired(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// restartRequired reports whether the server must be recycled to pick up
// the new settings; everything listed here is baked in at listen time.
func restartRequired(a, b Config) bool {
	switch {
	case a.Addr != b.Addr,
		normalizePrefix(a.Prefix) != normalizePrefix(b.Prefix),
		a.Token != b.Token,
		a.AllowInsecure != b.AllowInsecure,
		a.ReadTimeout != b.ReadTimeout,
		a.WriteTimeout != b.WriteTimeout,
		a.IdleTimeout != b.IdleTimeout:
		return true
	}
	return false
}

// Start brings the server up if enabled. Calling it again while running is
// a no-op; calling it during a Stop waits for the stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		s.mu.Lock()
		if done := s.stopDone; done != nil {
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}

		s.sup = rtsup.New(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "pprof"))),
			// Profiling must never take the process down with it.
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		// Serve under a restart loop so the endpoint self-heals.
		sup.GoRestart("http.serve", s.runServer,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		// Another Stop is already in flight; just wait for it.
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	// Teardown runs in the background; the caller's wait is bounded by ctx.
	go s.teardown(ctx, done, srv, ln, sup)

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

func (s *Service) teardown(ctx context.Context, done chan struct{}, srv *http.Server, ln net.Listener, sup *rtsup.Supervisor) {
	defer close(done)

	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(context.Background())
	}

	s.mu.Lock()
	s.ln = nil
	s.srv = nil
	s.sup = nil
	s.stopDone = nil
	s.mu.Unlock()
	s.log.Info("pprof stopped")
}

// runServer owns one listen-and-serve lifetime; the restart loop calls it
// again after a failure.
func (s *Service) runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cur := s.cfg
	log := s.log
	s.mu.Unlock()

	if !cur.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	if err := checkBindSafety(cur, addr, log); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("pprof listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	prefix := normalizePrefix(cur.Prefix)
	srv := &http.Server{
		Handler:      s.routes(prefix, cur.Token),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	// Unblock Serve when the run context ends; Stop does the graceful part.
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	listenAddr := ln.Addr().String()
	log.Info("pprof started",
		logx.String("addr", listenAddr),
		logx.String("prefix", prefix),
		logx.Bool("token_set", cur.Token != ""),
		logx.String("hint", fmt.Sprintf("http://%s%s", listenAddr, prefix)))

	err = srv.Serve(ln)

	// Clear the handles if this run still owns them.
	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("pprof server exited unexpectedly")
	}
	return err
}

// checkBindSafety refuses a non-loopback bind carrying neither a token nor
// an explicit opt-in.
func checkBindSafety(cur Config, addr string, log logx.Logger) error {
	if isLoopbackAddr(addr) || cur.Token != "" {
		return nil
	}
	if !cur.AllowInsecure {
		log.Error("pprof refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr))
		return errors.New("pprof refused to start: insecure bind")
	}
	log.Warn("pprof running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	return nil
}

func (s *Service) routes(prefix, token string) *http.ServeMux {
	mux := http.NewServeMux()
	guard := func(h http.HandlerFunc) http.HandlerFunc { return requireToken(token, h) }

	mux.HandleFunc("/healthz", guard(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	base := strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix, guard(indexUnder(prefix)))
	mux.HandleFunc(base+"/cmdline", guard(hpprof.Cmdline))
	mux.HandleFunc(base+"/profile", guard(hpprof.Profile))
	mux.HandleFunc(base+"/symbol", guard(hpprof.Symbol))
	mux.HandleFunc(base+"/trace", guard(hpprof.Trace))

	// The bare prefix without the trailing slash redirects to the index.
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})
	return mux
}

// requireToken accepts ?token=<token> or Authorization: Bearer <token>.
func requireToken(token string, h http.HandlerFunc) http.HandlerFunc {
	want := strings.TrimSpace(token)
	if want == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatches(r, want) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// A token supplied as a query parameter wins over the Authorization header.
func tokenMatches(r *http.Request, want string) bool {
	if got := r.URL.Query().Get("token"); got != "" {
		return got == want
	}
	const bearer = "Bearer "
	ah := r.Header.Get("Authorization")
	if !strings.HasPrefix(ah, bearer) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(ah, bearer)) == want
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		return "/debug/pprof/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	if p[len(p)-1] != '/' {
		p += "/"
	}
	return p
}

// hpprof.Index only understands paths rooted at /debug/pprof/.
func indexUnder(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, canon)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	// host:port expected; an empty host means all interfaces.
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
