package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "herald/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel

	LevelError = zerolog.ErrorLevel
)

// stampFormat is shared by every sink so a line looks the same everywhere.
const stampFormat = "2006-01-02T15:04:05.000Z07:00"

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	}
	return def
}

// Field attaches one key/value pair to an event. Later fields win on
// duplicate keys. Console sinks render them as key=value, JSON sinks keep
// them structured.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field            { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field          { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field        { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Logger is the handle components log through. A Logger obtained from a
// Service keeps following that Service across Apply calls; one built by
// NewConsole is frozen to its own sink. The zero value drops everything.
type Logger struct {
	svc    *Service
	own    zerolog.Logger
	direct bool

	fields []Field
}

// Nop returns a logger wired to nothing.
func Nop() Logger {
	return Logger{own: zerolog.Nop(), direct: true}
}

// NewConsole builds a standalone stdout logger, used while the real log
// service is not up yet.
func NewConsole(level string) Logger {
	zerolog.TimeFieldFormat = stampFormat
	zerolog.ErrorFieldName = "err"

	zl := zerolog.New(consoleOut(os.Stdout)).
		Level(parseLevel(level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	return Logger{own: zl, direct: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.direct && len(l.fields) == 0 }

func (l Logger) active() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.direct:
		return l.own
	}
	return zerolog.Nop()
}

// Enabled reports whether a line at the given level would be written.
func (l Logger) Enabled(level Level) bool {
	return level >= l.active().GetLevel()
}

// With returns a logger carrying extra fixed fields.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	next := l
	next.fields = append(append([]Field(nil), l.fields...), fields...)
	return next
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields...) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields...) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields...) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields...) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields...) }

func (l Logger) log(level zerolog.Level, msg string, fields ...Field) {
	e := l.active().WithLevel(level)
	if e == nil {
		return
	}

	// file:line only. Function names and full paths drown the console.
	if at := callSite(3); at != "" {
		e.Str(zerolog.CallerFieldName, at)
	}

	applyFields(e, l.fields)
	applyFields(e, fields)
	e.Msg(msg)
}

func applyFields(e *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
}

func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok || file == "" {
		return ""
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}

// Service owns the active sinks and swaps them on Apply without breaking
// the Loggers already handed out.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Value // zerolog.Logger

	file *os.File

	sender   kit.Sender
	shipQ    chan shipRequest
	shipOnce sync.Once
	shipStop context.CancelFunc
	shipWG   sync.WaitGroup

	// mu also guards the chat sink knobs below.
	chatID   int64
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

type shipRequest struct {
	chat int64
	text string
}

// New builds the service, applies cfg right away and hands back the root
// Logger bound to it.
func New(cfg Config, sender kit.Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = stampFormat

	s := &Service{
		cfg:    cfg,
		sender: sender,
		shipQ:  make(chan shipRequest, 256),
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl, ok := s.root.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetTelegramTarget picks the chat that receives shipped log lines. While
// the target is zero the telegram sink stays silent.
func (s *Service) SetTelegramTarget(chatID int64) {
	s.mu.Lock()
	s.chatID = chatID
	s.mu.Unlock()
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	stop := s.shipStop
	s.shipStop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
		s.shipWG.Wait()
	}
	if f != nil {
		_ = f.Close()
	}
	return nil
}

// Apply rebuilds the sink set and level from cfg. Safe to call while other
// goroutines keep logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg

	s.minLevel = parseLevel(cfg.Telegram.MinLevel, zerolog.WarnLevel)
	burst := max(1, cfg.Telegram.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(burst), burst)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleOut(os.Stdout))
	}
	if cfg.File.Enabled {
		if f := openLogFile(cfg.File.Path); f != nil {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if cfg.Telegram.Enabled {
		s.startShipper()
		sinks = append(sinks, &chatSink{svc: s})
		if s.chatID == 0 {
			fmt.Fprintln(os.Stderr, "logx: telegram sink enabled before a target chat was set")
		}
	}
	// A logger with no sink helps nobody; fall back to stdout.
	if len(sinks) == 0 {
		sinks = append(sinks, consoleOut(os.Stdout))
	}

	root := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(root)
}

func openLogFile(path string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./herald.log"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: cannot open log file %q: %v\n", path, err)
		return nil
	}
	return f
}

func consoleOut(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: stampFormat}
	cw.FormatCaller = func(i interface{}) string {
		s, _ := i.(string)
		return s
	}
	return cw
}

func (s *Service) startShipper() {
	s.shipOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.shipStop = cancel
		s.shipWG.Add(1)
		go func() {
			defer s.shipWG.Done()
			s.runShipper(ctx)
		}()
	})
}

func (s *Service) runShipper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.shipQ:
			if s.sender == nil {
				continue
			}
			// Outcome ignored: the log pipeline never reports on itself.
			_ = s.sender.Deliver(ctx, req.chat, req.text)
		}
	}
}

// chatSink forwards zerolog output to the configured telegram chat.
type chatSink struct{ svc *Service }

func (w *chatSink) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	chat, lim, floor := s.chatID, s.limiter, s.minLevel
	s.mu.Unlock()

	switch {
	case chat == 0, s.sender == nil, lim == nil:
		return len(p), nil
	case level < floor:
		return len(p), nil
	case !lim.Allow():
		return len(p), nil
	}

	text := formatTelegramJSON(p)
	if text == "" {
		return len(p), nil
	}

	// Bounded queue; under pressure lines are dropped, never blocking the
	// logger itself.
	select {
	case s.shipQ <- shipRequest{chat: chat, text: text}:
	default:
	}
	return len(p), nil
}

func formatTelegramJSON(p []byte) string {
	var line map[string]any
	if err := json.Unmarshal(p, &line); err != nil {
		// Not a zerolog line; ship it raw but capped.
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := line["level"].(string)
	msg, _ := line["message"].(string)
	if msg == "" {
		msg, _ = line["msg"].(string)
	}

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(lvl))
		b.WriteString("] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(line))
	for k := range line {
		switch k {
		case "time", "level", "message", "msg":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fmt.Sprint(line[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n")
			b.WriteString(truncate(v, 900))
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(truncate(v, 600))
	}

	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
