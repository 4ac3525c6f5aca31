package app

import (
	"fmt"
	"time"

	"herald/internal/directory"
	"herald/internal/notify"
	"herald/internal/scheduler"
	logx "herald/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Log.Telegram.Enabled,
			MinLevel:   cfg.Log.Telegram.MinLevel,
			RatePerSec: cfg.Log.Telegram.RatePerSec,
		},
	}
}

// mapBroadcastConfig folds the broadcast and payments sections into the
// scheduler config (parsed durations). Zero values keep scheduler defaults.
func mapBroadcastConfig(cfg *Config) (scheduler.Config, error) {
	if cfg.Payments.WindowDays < 0 {
		return scheduler.Config{}, fmt.Errorf("payments.window_days must be >= 0")
	}
	if cfg.Broadcast.MaxCycleErrors < 0 {
		return scheduler.Config{}, fmt.Errorf("broadcast.max_cycle_errors must be >= 0")
	}
	deliverTimeout, err := parseDurationField("broadcast.deliver_timeout", cfg.Broadcast.DeliverTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}

	return scheduler.Config{
		AuthorizationWindow:    time.Duration(cfg.Payments.WindowDays) * 24 * time.Hour,
		RequireSystemApproval:  cfg.Payments.RequireSystemApproval,
		DefaultAllDestinations: cfg.Broadcast.DefaultAllDestinations,
		DeliverTimeout:         deliverTimeout,
		MaxCycleErrors:         cfg.Broadcast.MaxCycleErrors,
	}, nil
}

func mapDirectoryConfig(cfg *Config) (directory.Config, error) {
	sweep, err := parseDurationField("directory.sweep_every", cfg.Directory.SweepEvery)
	if err != nil {
		return directory.Config{}, err
	}
	reconcile, err := parseDurationField("directory.reconcile_every", cfg.Directory.ReconcileEvery)
	if err != nil {
		return directory.Config{}, err
	}
	return directory.Config{SweepEvery: sweep, ReconcileEvery: reconcile}, nil
}

func mapNotifyConfig(cfg *Config) (notify.Config, error) {
	n := cfg.Notify
	if n.PerMinute < 0 {
		return notify.Config{}, fmt.Errorf("notify.per_minute must be >= 0")
	}
	if n.QueueSize < 0 {
		return notify.Config{}, fmt.Errorf("notify.queue_size must be >= 0")
	}
	return notify.Config{
		OpsDestination: n.OpsDestination,
		PerMinute:      n.PerMinute,
		QueueSize:      n.QueueSize,
	}, nil
}
