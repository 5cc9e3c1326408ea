package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, Default(), *cfg)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "livechat.yaml")
	yaml := `
server:
  addr: ":9000"
  allowed_origins: ["https://chat.example.com"]
store:
  driver: memory
stream:
  buffer_size: 32
  ping_interval: 20s
`
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o600))
	t.Setenv("LIVECHAT_SERVER_ADDR", ":9100")
	t.Setenv("LIVECHAT_RATE_LIMIT_BURST", "9")

	cfg, err := Load(file, nil)
	require.NoError(t, err)

	require.Equal(t, ":9100", cfg.Server.Addr, "env overrides file")
	require.Equal(t, []string{"https://chat.example.com"}, cfg.Server.AllowedOrigins)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, 32, cfg.Stream.BufferSize)
	require.Equal(t, 20*time.Second, cfg.Stream.PingInterval)
	require.Equal(t, 9, cfg.RateLimit.Burst)
}

func TestLoadEnvOriginList(t *testing.T) {
	t.Setenv("LIVECHAT_SERVER_ALLOWED_ORIGINS", "http://a.test, http://b.test")
	cfg, err := Load("", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("LIVECHAT_STORE_DRIVER", "pebble")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("addr", ":8080", "")
	flags.String("store", "pebble", "")
	require.NoError(t, flags.Parse([]string{"--store", "memory"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Store.Driver)
	require.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
}

func TestSanitizeRestoresDefaults(t *testing.T) {
	cfg := Sanitize(Config{})
	d := Default()

	require.Equal(t, d.Server.Addr, cfg.Server.Addr)
	require.Equal(t, d.RateLimit, cfg.RateLimit)
	require.Equal(t, d.Stream.BufferSize, cfg.Stream.BufferSize)
	require.Equal(t, d.Ingest.MaxContentLength, cfg.Ingest.MaxContentLength)
	require.Equal(t, d.Store.Driver, cfg.Store.Driver)
	require.Less(t, cfg.Stream.PingInterval, cfg.Stream.PongWait)
}

func TestSanitizeKeepsPingBelowPongWait(t *testing.T) {
	cfg := Default()
	cfg.Stream.PingInterval = time.Minute
	cfg.Stream.PongWait = 30 * time.Second

	cfg = Sanitize(cfg)
	require.Equal(t, 27*time.Second, cfg.Stream.PingInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, true},
		{"postgres with dsn", func(c *Config) {
			c.Store.Driver = "postgres"
			c.Store.DSN = "postgres://localhost/livechat"
		}, false},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, true},
		{"unknown fsync", func(c *Config) { c.Store.Fsync = "sometimes" }, true},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
