// Package config loads runtime settings for the multistore CLI.
//
// Precedence, lowest first: defaults, multistore.yaml, MULTISTORE_* env,
// command-line flags. Nested keys map to env with "_", so s3.bucket is
// MULTISTORE_S3_BUCKET.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MULTISTORE"

// Storage backends for persisted slices.
const (
	StorageSQLite = "sqlite"
	StorageS3     = "s3"
	StorageMemory = "memory"
)

// Settings are the runtime knobs that do not belong in a store definition.
type Settings struct {
	DB        string `mapstructure:"db"`
	Session   string `mapstructure:"session"`
	DevTools  string `mapstructure:"devtools"`
	Watch     string `mapstructure:"watch"`
	Storage   string `mapstructure:"storage"`
	SecretEnv string `mapstructure:"secret_env"`
	LogLevel  string `mapstructure:"log_level"`
	Metrics   bool   `mapstructure:"metrics"`
	Tracing   bool   `mapstructure:"tracing"`
	S3        S3     `mapstructure:"s3"`
}

// S3 configures the s3 storage backend.
type S3 struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() Settings {
	return Settings{
		DB:        "multistore.db",
		Storage:   StorageSQLite,
		SecretEnv: "MULTISTORE_SECRET",
		Metrics:   true,
		S3:        S3{Prefix: "multistore/", Region: "us-east-1"},
	}
}

// ErrInvalidSettings wraps every validation failure from Load.
var ErrInvalidSettings = errors.New("invalid settings")

// Load reads settings. file may be empty, in which case multistore.yaml is
// looked up in the working directory and silently skipped when absent.
// Flags that were set on the command line win over every other source.
func Load(file string, flags *pflag.FlagSet) (Settings, error) {
	v := viper.New()

	d := Defaults()
	v.SetDefault("db", d.DB)
	v.SetDefault("session", d.Session)
	v.SetDefault("devtools", d.DevTools)
	v.SetDefault("watch", d.Watch)
	v.SetDefault("storage", d.Storage)
	v.SetDefault("secret_env", d.SecretEnv)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("metrics", d.Metrics)
	v.SetDefault("tracing", d.Tracing)
	v.SetDefault("s3.bucket", d.S3.Bucket)
	v.SetDefault("s3.prefix", d.S3.Prefix)
	v.SetDefault("s3.region", d.S3.Region)
	v.SetDefault("s3.endpoint", d.S3.Endpoint)
	v.SetDefault("s3.path_style", d.S3.PathStyle)
	v.SetDefault("s3.access_key", d.S3.AccessKey)
	v.SetDefault("s3.secret_key", d.S3.SecretKey)

	v.SetConfigType("yaml")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("multistore")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for _, key := range flagKeys {
			if f := flags.Lookup(key.flag); f != nil {
				if err := v.BindPFlag(key.setting, f); err != nil {
					return Settings{}, fmt.Errorf("bind flag %s: %w", key.flag, err)
				}
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// flagKeys maps CLI flag names to setting keys.
var flagKeys = []struct{ flag, setting string }{
	{"db", "db"},
	{"session", "session"},
	{"devtools", "devtools"},
	{"watch", "watch"},
	{"storage", "storage"},
	{"secret-env", "secret_env"},
	{"log-level", "log_level"},
	{"metrics", "metrics"},
	{"tracing", "tracing"},
	{"s3-bucket", "s3.bucket"},
	{"s3-prefix", "s3.prefix"},
	{"s3-endpoint", "s3.endpoint"},
}

// Validate checks enumerated settings.
func (s Settings) Validate() error {
	if !slices.Contains([]string{StorageSQLite, StorageS3, StorageMemory}, s.Storage) {
		return fmt.Errorf("%w: storage %q, must be one of: sqlite, s3, memory", ErrInvalidSettings, s.Storage)
	}
	if s.Storage == StorageS3 && s.S3.Bucket == "" {
		return fmt.Errorf("%w: s3 storage needs s3.bucket", ErrInvalidSettings)
	}
	if s.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, s.LogLevel) {
		return fmt.Errorf("%w: log_level %q, must be one of: debug, info, warn, error", ErrInvalidSettings, s.LogLevel)
	}
	return nil
}
