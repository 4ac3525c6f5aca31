package config

import (
	"sort"
	"strings"

	logx "herald/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Log
	if oldCfg.Log != newCfg.Log {
		changed = append(changed, "log")
		attrs = append(attrs,
			logx.String("log.level", newCfg.Log.Level),
			logx.Bool("log.console", newCfg.Log.Console),
			logx.Bool("log.file_enabled", newCfg.Log.File.Enabled),
			logx.Bool("log.telegram_enabled", newCfg.Log.Telegram.Enabled),
		)
	}

	// Storage
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Transport (never log tokens)
	oT, nT := oldCfg.Transport, newCfg.Transport
	tokenChanged := oT.Telegram.Token != nT.Telegram.Token ||
		strings.TrimSpace(oT.Telegram.TokenEnv) != strings.TrimSpace(nT.Telegram.TokenEnv)
	if strings.TrimSpace(oT.Kind) != strings.TrimSpace(nT.Kind) ||
		tokenChanged ||
		strings.TrimSpace(oT.Telegram.PollTimeout) != strings.TrimSpace(nT.Telegram.PollTimeout) ||
		strings.TrimSpace(oT.Gateway.BaseURL) != strings.TrimSpace(nT.Gateway.BaseURL) ||
		strings.TrimSpace(oT.Gateway.Timeout) != strings.TrimSpace(nT.Gateway.Timeout) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.kind", strings.TrimSpace(nT.Kind)),
			logx.Bool("transport.token_set", strings.TrimSpace(nT.Telegram.Token) != "" || strings.TrimSpace(nT.Telegram.TokenEnv) != ""),
			logx.String("transport.poll_timeout", strings.TrimSpace(nT.Telegram.PollTimeout)),
			logx.String("transport.gateway_url", strings.TrimSpace(nT.Gateway.BaseURL)),
		)
	}

	// Broadcast
	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.default_all", newCfg.Broadcast.DefaultAllDestinations),
			logx.Int("broadcast.max_cycle_errors", newCfg.Broadcast.MaxCycleErrors),
			logx.String("broadcast.deliver_timeout", strings.TrimSpace(newCfg.Broadcast.DeliverTimeout)),
		)
	}

	// Payments
	if oldCfg.Payments != newCfg.Payments {
		changed = append(changed, "payments")
		attrs = append(attrs,
			logx.Int("payments.window_days", newCfg.Payments.WindowDays),
			logx.Bool("payments.require_system_approval", newCfg.Payments.RequireSystemApproval),
		)
	}

	// Directory
	if oldCfg.Directory != newCfg.Directory {
		changed = append(changed, "directory")
		attrs = append(attrs,
			logx.String("directory.sweep_every", strings.TrimSpace(newCfg.Directory.SweepEvery)),
			logx.String("directory.reconcile_every", strings.TrimSpace(newCfg.Directory.ReconcileEvery)),
		)
	}

	// Notify
	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.ops_destination_set", newCfg.Notify.OpsDestination != 0),
			logx.Int("notify.per_minute", newCfg.Notify.PerMinute),
			logx.Int("notify.queue_size", newCfg.Notify.QueueSize),
		)
	}

	// Pprof (never log token)
	oP, nP := oldCfg.Pprof, newCfg.Pprof
	pprofTokenFlip := (strings.TrimSpace(oP.Token) != "") != (strings.TrimSpace(nP.Token) != "")
	oP.Token, nP.Token = "", ""
	if oP != nP || pprofTokenFlip {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.String("pprof.prefix", strings.TrimSpace(newCfg.Pprof.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
