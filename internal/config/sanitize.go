package config

import (
	"fmt"
	"strings"
)

// Sanitize restores defaults for empty or non-positive values.
func Sanitize(cfg Config) Config {
	d := Default()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = d.Server.Addr
	}
	if cfg.Server.MaxMessageSize <= 0 {
		cfg.Server.MaxMessageSize = d.Server.MaxMessageSize
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		cfg.Server.MaxBodyBytes = d.Server.MaxBodyBytes
	}
	if cfg.Server.ReadHeaderTimeout <= 0 {
		cfg.Server.ReadHeaderTimeout = d.Server.ReadHeaderTimeout
	}
	if cfg.Server.IdleTimeout <= 0 {
		cfg.Server.IdleTimeout = d.Server.IdleTimeout
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	cfg.Server.AllowedOrigins = trimAll(cfg.Server.AllowedOrigins)

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = d.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = d.RateLimit.RefillInterval
	}

	if cfg.Stream.BufferSize <= 0 {
		cfg.Stream.BufferSize = d.Stream.BufferSize
	}
	if cfg.Stream.BatchMax <= 0 {
		cfg.Stream.BatchMax = d.Stream.BatchMax
	}
	if cfg.Stream.PongWait <= 0 {
		cfg.Stream.PongWait = d.Stream.PongWait
	}
	// Pings must go out before the peer's read deadline expires.
	if cfg.Stream.PingInterval <= 0 || cfg.Stream.PingInterval >= cfg.Stream.PongWait {
		cfg.Stream.PingInterval = cfg.Stream.PongWait * 9 / 10
	}
	if cfg.Stream.WriteTimeout <= 0 {
		cfg.Stream.WriteTimeout = d.Stream.WriteTimeout
	}

	if cfg.Ingest.MaxContentLength <= 0 {
		cfg.Ingest.MaxContentLength = d.Ingest.MaxContentLength
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = d.Store.Driver
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = d.Store.DataDir
	}
	cfg.Store.Fsync = strings.ToLower(strings.TrimSpace(cfg.Store.Fsync))
	if cfg.Store.Fsync == "" {
		cfg.Store.Fsync = d.Store.Fsync
	}
	if cfg.Store.FsyncInterval <= 0 {
		cfg.Store.FsyncInterval = d.Store.FsyncInterval
	}
	if cfg.Store.PingTimeout <= 0 {
		cfg.Store.PingTimeout = d.Store.PingTimeout
	}

	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = d.Redis.Channel
	}
	if cfg.Redis.PingTimeout <= 0 {
		cfg.Redis.PingTimeout = d.Redis.PingTimeout
	}

	if cfg.Log.Format == "" {
		cfg.Log.Format = d.Log.Format
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
	if cfg.Telemetry.SampleRatio <= 0 || cfg.Telemetry.SampleRatio > 1 {
		cfg.Telemetry.SampleRatio = d.Telemetry.SampleRatio
	}
	return cfg
}

// Validate reports settings that have no sensible fallback.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "pebble":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	switch c.Store.Fsync {
	case "always", "interval", "never":
	default:
		return fmt.Errorf("config: unknown store.fsync %q", c.Store.Fsync)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
