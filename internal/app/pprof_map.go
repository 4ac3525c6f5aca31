package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	svc "herald/internal/observability/pprof"
)

// mapPprofConfig shapes the pprof section into the service config, filling
// defaults and rejecting unsafe combinations. It never starts anything.
func mapPprofConfig(cfg *Config) (svc.Config, error) {
	var out svc.Config
	if cfg == nil {
		return out, nil
	}
	in := cfg.Pprof

	out = svc.Config{
		Enabled:       in.Enabled,
		AllowInsecure: in.AllowInsecure,
		Token:         strings.TrimSpace(in.Token),
		Addr:          strings.TrimSpace(in.Addr),
		Prefix:        strings.TrimSpace(in.Prefix),
	}
	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	if out.Prefix == "" {
		out.Prefix = "/debug/pprof/"
	}

	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("pprof.read_timeout", in.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// Write timeout stays 0 unless set; profile streams can run for a while.
	if out.WriteTimeout, err = parseDurationField("pprof.write_timeout", in.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("pprof.idle_timeout", in.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	rates := []struct {
		name  string
		value int
	}{
		{"pprof.mutex_profile_fraction", in.MutexProfileFraction},
		{"pprof.block_profile_rate", in.BlockProfileRate},
		{"pprof.mem_profile_rate", in.MemProfileRate},
	}
	for _, r := range rates {
		if r.value < 0 {
			return out, fmt.Errorf("%s must be >= 0", r.name)
		}
	}
	out.MutexProfileFraction = in.MutexProfileFraction
	out.BlockProfileRate = in.BlockProfileRate
	out.MemProfileRate = in.MemProfileRate

	if !out.Enabled {
		return out, nil
	}
	host, _, err := net.SplitHostPort(out.Addr)
	if err != nil {
		return out, fmt.Errorf("pprof.addr: %q is not host:port: %w", out.Addr, err)
	}
	if !out.AllowInsecure && out.Token == "" && !localHost(host) {
		return out, fmt.Errorf("pprof: non-loopback bind needs a token or allow_insecure=true")
	}
	return out, nil
}

// localHost reports whether host names the loopback interface. An empty host
// binds every interface and does not count.
func localHost(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
