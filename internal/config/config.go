// Package config loads mailbridge server configuration from an optional
// YAML file, a .env file and MAILBRIDGE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides. The key imap.host is
// read from MAILBRIDGE_IMAP_HOST.
const EnvPrefix = "MAILBRIDGE"

// Attachment backends.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendGCS   = "gcs"
)

// Cursor backends.
const (
	CursorNone     = "none"
	CursorMemory   = "memory"
	CursorRedis    = "redis"
	CursorPostgres = "postgres"
	CursorMongo    = "mongo"
)

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// RateLimit is the number of requests a client IP may make per minute.
	// Zero disables limiting.
	RateLimit      int           `mapstructure:"rate_limit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type IMAPConfig struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	TLS                 bool   `mapstructure:"tls"`
	Username            string `mapstructure:"username"`
	Password            string `mapstructure:"password"`
	PasswordFromKeyring bool   `mapstructure:"password_from_keyring"`
	Folder              string `mapstructure:"folder"`
}

type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	StreamPrefix string `mapstructure:"stream_prefix"`
	MaxLen       int64  `mapstructure:"max_len"`
}

type AttachmentsConfig struct {
	// Backend is one of local, s3 or gcs.
	Backend string `mapstructure:"backend"`
	// Dir is the root of the local backend.
	Dir string `mapstructure:"dir"`
	// CacheDir enables the disk cache in front of the backend when set.
	CacheDir string `mapstructure:"cache_dir"`
}

type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Region   string `mapstructure:"region"`
	Prefix   string `mapstructure:"prefix"`
	Endpoint string `mapstructure:"endpoint"`
	RoleARN  string `mapstructure:"role_arn"`
}

type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type CursorConfig struct {
	Backend string `mapstructure:"backend"`
}

type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BreakerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type TimeoutsConfig struct {
	Connect  time.Duration `mapstructure:"connect"`
	Command  time.Duration `mapstructure:"command"`
	Shutdown time.Duration `mapstructure:"shutdown"`
}

type FetchConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the top-level server configuration.
type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	IMAP        IMAPConfig        `mapstructure:"imap"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
	S3          S3Config          `mapstructure:"s3"`
	GCS         GCSConfig         `mapstructure:"gcs"`
	Cursor      CursorConfig      `mapstructure:"cursor"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Mongo       MongoConfig       `mapstructure:"mongo"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Log         LogConfig         `mapstructure:"log"`
}

// defaults lists every key so that environment overrides resolve even
// when the config file omits them.
var defaults = map[string]any{
	"http.addr":            ":8080",
	"http.rate_limit":      0,
	"http.request_timeout": "2m",

	"imap.host":                  "",
	"imap.port":                  993,
	"imap.tls":                   true,
	"imap.username":              "",
	"imap.password":              "",
	"imap.password_from_keyring": false,
	"imap.folder":                "All Mail",

	"redis.addr":          "localhost:6379",
	"redis.password":      "",
	"redis.db":            0,
	"redis.stream_prefix": "mailbridge:",
	"redis.max_len":       0,

	"attachments.backend":   BackendLocal,
	"attachments.dir":       "./attachments",
	"attachments.cache_dir": "",

	"s3.bucket":   "",
	"s3.region":   "",
	"s3.prefix":   "",
	"s3.endpoint": "",
	"s3.role_arn": "",

	"gcs.bucket":           "",
	"gcs.prefix":           "",
	"gcs.credentials_file": "",

	"cursor.backend":  CursorNone,
	"postgres.dsn":    "",
	"postgres.table":  "mailbridge_cursors",
	"mongo.uri":       "",
	"mongo.database":  "mailbridge",
	"breaker.enabled": false,

	"telemetry.enabled": false,

	"timeouts.connect":  "15s",
	"timeouts.command":  "30s",
	"timeouts.shutdown": "30s",

	"fetch.concurrency": 4,

	"log.level": "info",
}

// Load reads configuration. envFiles are loaded into the process
// environment first without overriding variables that are already set;
// ".env" is used when none are given and missing files are ignored. An
// empty path or a missing config file leaves the defaults in place.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading env file %s: %w", f, err)
		}
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.IMAP.Host == "" {
		errs = append(errs, errors.New("imap.host is required"))
	}
	if c.IMAP.Port <= 0 || c.IMAP.Port > 65535 {
		errs = append(errs, fmt.Errorf("imap.port %d is out of range", c.IMAP.Port))
	}
	if c.IMAP.Username == "" {
		errs = append(errs, errors.New("imap.username is required"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}

	switch c.Attachments.Backend {
	case BackendLocal:
		if c.Attachments.Dir == "" {
			errs = append(errs, errors.New("attachments.dir is required for the local backend"))
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3.bucket is required for the s3 backend"))
		}
	case BackendGCS:
		if c.GCS.Bucket == "" {
			errs = append(errs, errors.New("gcs.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown attachments.backend %q", c.Attachments.Backend))
	}

	switch c.Cursor.Backend {
	case CursorNone, CursorMemory, CursorRedis:
	case CursorPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required for the postgres cursor backend"))
		}
	case CursorMongo:
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("mongo.uri is required for the mongo cursor backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cursor.backend %q", c.Cursor.Backend))
	}

	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	return lvl, nil
}

// DefaultPath returns $MAILBRIDGE_CONFIG, or mailbridge.yaml in the working
// directory.
func DefaultPath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	return "mailbridge.yaml"
}
