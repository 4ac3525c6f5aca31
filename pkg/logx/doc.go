// Package logx is herald's logging layer: zerolog behind a small Logger
// facade plus a Service that owns the sinks.
//
// The Service rebuilds its sink set on every Apply, so a config reload can
// turn the file sink or the Telegram shipper on and off without touching
// the Loggers already handed out. Telegram shipping is rate limited and
// gated on a minimum level.
package logx
