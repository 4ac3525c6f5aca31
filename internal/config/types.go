package config

// Config is the whole daemon configuration, one file, YAML or JSON.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Defaults are applied by the app layer when fields are omitted/zero,
// so a minimal config only needs the transport credentials.
type Config struct {
	Log       LogConfig       `json:"log"`
	Storage   StorageConfig   `json:"storage"`
	Transport TransportConfig `json:"transport"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Payments  PaymentsConfig  `json:"payments"`
	Directory DirectoryConfig `json:"directory"`
	Notify    NotifyConfig    `json:"notify"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type LogConfig struct {
	Level    string      `json:"level"`
	Console  bool        `json:"console"`
	File     LogFile     `json:"file"`
	Telegram LogTelegram `json:"telegram"`
}

type LogFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LogTelegram ships warn+ log lines into the ops chat (notify.ops_destination).
// It stays silent until that destination is configured.
type LogTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer.
//
// Driver values:
//   - "sqlite" (default): SQLite database file, requires path
//   - "file": single JSON document with atomic rewrites
//   - "memory", "none": volatile in-process state (dry runs)
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./herald.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// TransportConfig selects and configures the delivery transport.
// The rest of the daemon only ever sees the Sender interface.
type TransportConfig struct {
	// Kind is "telegram" (bot API, default) or "gateway" (local
	// user-session bridge speaking JSON over HTTP).
	Kind     string         `json:"kind"`
	Telegram TelegramConfig `json:"telegram"`
	Gateway  GatewayConfig  `json:"gateway"`
}

type TelegramConfig struct {
	// Token is the bot token. Prefer token_env for checked-in configs.
	Token string `json:"token,omitempty"`
	// TokenEnv names an environment variable holding the token, used
	// when Token is empty. Defaults to HERALD_BOT_TOKEN.
	TokenEnv string `json:"token_env,omitempty"`
	// PollTimeout is a Go duration string, e.g. "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type GatewayConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	// Timeout is a Go duration string bounding one gateway HTTP call.
	Timeout string `json:"timeout,omitempty"`
}

// BroadcastConfig tunes the delivery cycles themselves.
type BroadcastConfig struct {
	// DefaultAllDestinations makes a campaign with an empty destination
	// set deliver to every currently reachable destination instead of
	// being treated as misconfigured.
	DefaultAllDestinations bool `json:"default_all_destinations"`
	// MaxCycleErrors caps how many per-destination errors one cycle
	// persists; the rest collapse into a truncation marker.
	MaxCycleErrors int `json:"max_cycle_errors,omitempty"`
	// DeliverTimeout is a Go duration string bounding one delivery attempt.
	DeliverTimeout string `json:"deliver_timeout,omitempty"`
}

// PaymentsConfig controls the authorization ledger checks.
type PaymentsConfig struct {
	// WindowDays is how long an approved payment keeps a tenant
	// authorized. Default 30.
	WindowDays int `json:"window_days,omitempty"`
	// RequireSystemApproval additionally gates every campaign on a
	// deployment-wide approval record.
	RequireSystemApproval bool `json:"require_system_approval"`
}

// DirectoryConfig schedules the destination directory maintenance jobs.
type DirectoryConfig struct {
	// SweepEvery is a Go duration string between reachability sweeps.
	SweepEvery string `json:"sweep_every,omitempty"`
	// ReconcileEvery is a Go duration string between campaign reconcile
	// passes (re-checking every live loop against storage).
	ReconcileEvery string `json:"reconcile_every,omitempty"`
}

// NotifyConfig controls operator alerts.
type NotifyConfig struct {
	// OpsDestination receives operator alerts and shipped log lines.
	// 0 disables both.
	OpsDestination int64 `json:"ops_destination,omitempty"`
	PerMinute      int   `json:"per_minute,omitempty"`
	QueueSize      int   `json:"queue_size,omitempty"`
}

// PprofConfig controls the profiling HTTP server, off by default.
// A non-loopback addr is refused unless token or allow_insecure is set.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // "127.0.0.1:6060" when empty
	Prefix        string `json:"prefix,omitempty"` // "/debug/pprof/" when empty
	Token         string `json:"token,omitempty"`  // keep out of logs
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Go duration strings. WriteTimeout stays 0 (off) when omitted; the
	// /profile endpoint streams for 30s or more.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Zero keeps the Go runtime defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
