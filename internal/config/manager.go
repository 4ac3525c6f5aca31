package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "herald/pkg/logx"
)

// Manager loads the config file, hands out the committed snapshot and
// fans out reloads to subscribers.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config

	// subsMu serializes sends against Unsubscribe closing a channel.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error

	// Hash of the last committed content, so editor write storms that do
	// not change anything never reach subscribers.
	lastHash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook Watch consults before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(m.path, raw)
	if err != nil {
		return nil, err
	}
	return decodeStrict(jb)
}

// decodeStrict rejects unknown fields and anything after the first value.
func decodeStrict(b []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); err {
	case io.EOF:
		return &cfg, nil
	case nil:
		return nil, fmt.Errorf("invalid config: trailing data")
	default:
		return nil, err
	}
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i := range m.subs {
		if m.subs[i] != ch {
			continue
		}
		last := len(m.subs) - 1
		m.subs[i], m.subs[last] = m.subs[last], nil
		m.subs = m.subs[:last]
		close(ch)
		return
	}
}

// publish offers cfg to every subscriber. A full buffer loses its oldest
// entry so the newest config always wins.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil || offer(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !offer(ch, cfg) {
			m.log.Debug("subscriber lagging, config update dropped",
				logx.Int("queue_len", len(ch)),
				logx.Int("queue_cap", cap(ch)))
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// Watch follows the config file until ctx ends. The watcher is recreated
// with jittered backoff whenever fsnotify stops delivering, which some
// platforms and editors provoke regularly.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	base := filepath.Base(m.path)

	retry := newBackoff(250*time.Millisecond, 5*time.Second)
	var deb debouncer
	defer deb.stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		started, err := m.runWatcher(ctx, dir, base, &deb)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			retry.reset()
		}

		wait := retry.next()
		if err != nil {
			m.log.Warn("config watcher setup failed",
				logx.Err(err), logx.String("dir", dir), logx.Duration("backoff", wait))
		} else {
			m.log.Warn("config watcher stopped, recreating",
				logx.String("dir", dir), logx.String("file", base), logx.Duration("backoff", wait))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// runWatcher drives one watcher session. started tells the caller whether
// the watcher got far enough to justify resetting the restart backoff.
func (m *Manager) runWatcher(ctx context.Context, dir, base string, deb *debouncer) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("watching config file", logx.String("dir", dir), logx.String("file", base))

	for {
		select {
		case <-ctx.Done():
			return true, nil

		case ev, ok := <-w.Events:
			if !ok {
				return true, nil
			}
			// Match on basename; editors and renames shuffle the full path.
			if !strings.EqualFold(filepath.Base(ev.Name), base) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				m.scheduleReload(ctx, deb)
			}

		case werr, ok := <-w.Errors:
			if !ok {
				return true, nil
			}
			if werr == nil {
				continue
			}
			lower := strings.ToLower(werr.Error())
			// Overflow means lost events; one reload covers whatever was missed.
			if strings.Contains(lower, "overflow") {
				m.log.Warn("config watch queue overflowed, reloading", logx.Err(werr))
				m.scheduleReload(ctx, deb)
				continue
			}
			m.log.Warn("config watcher error", logx.Err(werr), logx.String("dir", dir))
			if strings.Contains(lower, "closed") {
				return true, nil
			}
		}
	}
}

// scheduleReload defers the reload briefly so editors writing the file in
// several steps trigger it once.
func (m *Manager) scheduleReload(ctx context.Context, deb *debouncer) {
	m.log.Debug("config file changed, reload scheduled", logx.String("path", m.path))
	deb.after(250*time.Millisecond, func() { m.reload(ctx) })
}

func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload: parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	if cfg == nil {
		m.log.Warn("config reload: empty config", logx.String("path", m.path))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if same {
		m.log.Debug("config content unchanged", logx.String("path", m.path))
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		verr := m.validator(vctx, cfg)
		cancel()
		if verr != nil {
			m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(verr))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config reload published",
		logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

type debouncer struct {
	mu sync.Mutex
	t  *time.Timer
}

func (d *debouncer) after(delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(delay, fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
}

type backoff struct {
	cur, base, max time.Duration
	rng            *rand.Rand
}

// Process-local RNG; jitter needs no global coordination.
func newBackoff(base, max time.Duration) *backoff {
	return &backoff{
		cur:  base,
		base: base,
		max:  max,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *backoff) reset() { b.cur = b.base }

// next returns the current delay plus jitter and doubles the delay for the
// attempt after, capped at max.
func (b *backoff) next() time.Duration {
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	if b.cur < b.max {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	return wait
}
