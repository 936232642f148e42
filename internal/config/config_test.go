package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", noEnvFile(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.IMAP.Port != 993 || !cfg.IMAP.TLS || cfg.IMAP.Folder != "All Mail" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Attachments.Backend != BackendLocal || cfg.Cursor.Backend != CursorNone {
		t.Errorf("backends = %q/%q", cfg.Attachments.Backend, cfg.Cursor.Backend)
	}
	if cfg.Timeouts.Connect != 15*time.Second || cfg.Timeouts.Command != 30*time.Second || cfg.Timeouts.Shutdown != 30*time.Second {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	if cfg.Fetch.Concurrency != 4 || cfg.Redis.StreamPrefix != "mailbridge:" {
		t.Errorf("fetch=%d prefix=%q", cfg.Fetch.Concurrency, cfg.Redis.StreamPrefix)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "mailbridge.yaml", `
http:
  addr: ":9090"
imap:
  host: imap.example.com
  port: 143
  tls: false
  username: alice@example.com
  folder: INBOX
attachments:
  backend: s3
  cache_dir: /var/cache/mailbridge
s3:
  bucket: mail
  region: eu-west-1
cursor:
  backend: postgres
postgres:
  dsn: postgres://localhost/mailbridge
timeouts:
  connect: 5s
log:
  level: debug
`)
	cfg, err := Load(path, noEnvFile(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.IMAP.Host != "imap.example.com" || cfg.IMAP.Port != 143 || cfg.IMAP.TLS {
		t.Errorf("imap/http = %+v %+v", cfg.HTTP, cfg.IMAP)
	}
	if cfg.Attachments.Backend != BackendS3 || cfg.S3.Bucket != "mail" || cfg.Attachments.CacheDir != "/var/cache/mailbridge" {
		t.Errorf("attachments = %+v s3 = %+v", cfg.Attachments, cfg.S3)
	}
	if cfg.Timeouts.Connect != 5*time.Second || cfg.Timeouts.Command != 30*time.Second {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if lvl, _ := cfg.LogLevel(); lvl != slog.LevelDebug {
		t.Errorf("level = %v", lvl)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), noEnvFile(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IMAP.Port != 993 {
		t.Errorf("port = %d", cfg.IMAP.Port)
	}
	if cfg.Postgres.Table != "mailbridge_cursors" {
		t.Errorf("postgres table = %q", cfg.Postgres.Table)
	}
}

func TestLoadInvalidFile(t *testing.T) {
	path := writeFile(t, "bad.yaml", "imap: [unterminated\n")
	if _, err := Load(path, noEnvFile(t)); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, "mailbridge.yaml", "imap:\n  host: from-file\n")
	t.Setenv("MAILBRIDGE_IMAP_HOST", "from-env")
	t.Setenv("MAILBRIDGE_IMAP_PORT", "1993")
	t.Setenv("MAILBRIDGE_BREAKER_ENABLED", "true")
	t.Setenv("MAILBRIDGE_TIMEOUTS_SHUTDOWN", "2m")

	cfg, err := Load(path, noEnvFile(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IMAP.Host != "from-env" || cfg.IMAP.Port != 1993 {
		t.Errorf("imap = %+v", cfg.IMAP)
	}
	if !cfg.Breaker.Enabled || cfg.Timeouts.Shutdown != 2*time.Minute {
		t.Errorf("breaker=%v shutdown=%v", cfg.Breaker.Enabled, cfg.Timeouts.Shutdown)
	}
}

func TestDotEnvFile(t *testing.T) {
	const key = "MAILBRIDGE_GCS_PREFIX"
	if _, ok := os.LookupEnv(key); ok {
		t.Skipf("%s already set", key)
	}
	t.Cleanup(func() { os.Unsetenv(key) })
	envFile := writeFile(t, ".env", key+"=from-dotenv\n")

	cfg, err := Load("", envFile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GCS.Prefix != "from-dotenv" {
		t.Errorf("gcs.prefix = %q", cfg.GCS.Prefix)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("", noEnvFile(t))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		cfg.IMAP.Host = "imap.example.com"
		cfg.IMAP.Username = "alice@example.com"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"host", func(c *Config) { c.IMAP.Host = "" }, "imap.host"},
		{"port", func(c *Config) { c.IMAP.Port = 70000 }, "imap.port"},
		{"username", func(c *Config) { c.IMAP.Username = "" }, "imap.username"},
		{"attachment backend", func(c *Config) { c.Attachments.Backend = "ftp" }, "attachments.backend"},
		{"s3 bucket", func(c *Config) { c.Attachments.Backend = BackendS3 }, "s3.bucket"},
		{"gcs bucket", func(c *Config) { c.Attachments.Backend = BackendGCS }, "gcs.bucket"},
		{"cursor backend", func(c *Config) { c.Cursor.Backend = "etcd" }, "cursor.backend"},
		{"postgres dsn", func(c *Config) { c.Cursor.Backend = CursorPostgres }, "postgres.dsn"},
		{"mongo uri", func(c *Config) { c.Cursor.Backend = CursorMongo }, "mongo.uri"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}

	t.Run("reports all problems", func(t *testing.T) {
		cfg := valid()
		cfg.IMAP.Host = ""
		cfg.IMAP.Username = ""
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), "imap.host") || !strings.Contains(err.Error(), "imap.username") {
			t.Errorf("got %v", err)
		}
	})
}
