// Package config loads and validates getter configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/datagetter/internal/dataset"
)

// EnvPrefix namespaces environment overrides, e.g. DATAGETTER_RUN_THREADS=8.
const EnvPrefix = "DATAGETTER"

// Config captures all getter configuration knobs loaded via Viper.
type Config struct {
	Run        RunConfig      `mapstructure:"run"`
	Registry   RegistryConfig `mapstructure:"registry"`
	Schema     SchemaConfig   `mapstructure:"schema"`
	HTTP       HTTPConfig     `mapstructure:"http"`
	Cache      CacheConfig    `mapstructure:"cache"`
	DB         DBConfig       `mapstructure:"db"`
	Convert    ConvertConfig  `mapstructure:"convert"`
	Validation ValidateConfig `mapstructure:"validate"`
	Metrics    MetricsConfig  `mapstructure:"metrics"`
	Storage    StorageConfig  `mapstructure:"storage"`
	PubSub     PubSubConfig   `mapstructure:"pubsub"`
	Logging    LoggingConfig  `mapstructure:"logging"`
}

// RunConfig selects records and toggles pipeline stages.
type RunConfig struct {
	DataDir           string   `mapstructure:"data_dir"`
	Threads           int      `mapstructure:"threads"`
	LimitDownloads    int      `mapstructure:"limit_downloads"`
	PublisherPrefixes []string `mapstructure:"publisher_prefixes"`
	LocalRegistry     string   `mapstructure:"local_registry"`
	Download          bool     `mapstructure:"download"`
	Convert           bool     `mapstructure:"convert"`
	Validate          bool     `mapstructure:"validate"`
	ConvertBigFiles   bool     `mapstructure:"convert_big_files"`
	LargeFileBytes    int64    `mapstructure:"large_file_bytes"`
	Force             bool     `mapstructure:"force"`
}

// RegistryConfig locates the remote registry.
type RegistryConfig struct {
	URL          string `mapstructure:"url"`
	Attempts     int    `mapstructure:"attempts"`
	RetryDelayMs int    `mapstructure:"retry_delay_ms"`
}

// SchemaConfig selects the schema revision. Dir, when set, serves the schema from disk.
type SchemaConfig struct {
	Branch      string `mapstructure:"branch"`
	URLTemplate string `mapstructure:"url_template"`
	Dir         string `mapstructure:"dir"`
}

// HTTPConfig configures the download client.
type HTTPConfig struct {
	UserAgent        string  `mapstructure:"user_agent"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	RateLimitPerHost float64 `mapstructure:"rate_limit_per_host"`
	RateLimitBurst   int     `mapstructure:"rate_limit_burst"`
}

// CacheConfig selects the conversion cache backend.
type CacheConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	IndexPath string `mapstructure:"index_path"`
	Table     string `mapstructure:"table"`
}

// Cache backends.
const (
	CacheBackendFile     = "file"
	CacheBackendPostgres = "postgres"
)

// DBConfig controls access to Postgres for the cache index.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ConvertConfig points at the unflattening tool.
type ConvertConfig struct {
	FlattenToolPath string `mapstructure:"flatten_tool_path"`
	TempDir         string `mapstructure:"temp_dir"`
}

// ValidateConfig bounds validation detail.
type ValidateConfig struct {
	MaxDetails int `mapstructure:"max_details"`
}

// MetricsConfig enables the status server. An empty address disables it.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// StorageConfig enables snapshot mirroring to GCS.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig enables run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// flagKeys maps CLI flag names onto configuration keys.
var flagKeys = map[string]string{
	"data-dir":          "run.data_dir",
	"threads":           "run.threads",
	"limit-downloads":   "run.limit_downloads",
	"publishers":        "run.publisher_prefixes",
	"local-registry":    "run.local_registry",
	"convert-big-files": "run.convert_big_files",
	"force":             "run.force",
	"schema-branch":     "schema.branch",
	"schema-dir":        "schema.dir",
	"metrics-addr":      "metrics.listen_addr",
	"development":       "logging.development",
}

// negatedFlags are --no-X switches that clear a key defaulting to true.
var negatedFlags = map[string]string{
	"no-download": "run.download",
	"no-convert":  "run.convert",
	"no-validate": "run.validate",
	"no-cache":    "cache.enabled",
}

// Load builds a Config from defaults, an optional file, the environment and flags, in
// increasing order of precedence.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		for name, key := range negatedFlags {
			if f := flags.Lookup(name); f != nil && f.Changed && f.Value.String() == "true" {
				v.Set(key, false)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.data_dir", "data")
	v.SetDefault("run.threads", 4)
	v.SetDefault("run.limit_downloads", 0)
	v.SetDefault("run.publisher_prefixes", []string{})
	v.SetDefault("run.local_registry", "")
	v.SetDefault("run.download", true)
	v.SetDefault("run.convert", true)
	v.SetDefault("run.validate", true)
	v.SetDefault("run.convert_big_files", false)
	v.SetDefault("run.large_file_bytes", 10*1024*1024)
	v.SetDefault("run.force", false)
	v.SetDefault("registry.url", "https://registry.threesixtygiving.org/data.json")
	v.SetDefault("registry.attempts", 5)
	v.SetDefault("registry.retry_delay_ms", 1000)
	v.SetDefault("schema.branch", "main")
	v.SetDefault("schema.url_template", "https://raw.githubusercontent.com/ThreeSixtyGiving/standard/%s/schema/%s")
	v.SetDefault("schema.dir", "")
	v.SetDefault("http.user_agent", "datagetter (https://github.com/ThreeSixtyGiving/datagetter)")
	v.SetDefault("http.timeout_seconds", 60)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_ms", 100)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.rate_limit_per_host", 0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.backend", CacheBackendFile)
	v.SetDefault("cache.dir", "cache_dir")
	v.SetDefault("cache.index_path", "cache_datagetter.json")
	v.SetDefault("cache.table", "cache")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("convert.flatten_tool_path", "flatten-tool")
	v.SetDefault("validate.max_details", 20)
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("storage.prefix", "datagetter")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Run.DataDir) == "" {
		return fmt.Errorf("run.data_dir is required")
	}
	if c.Run.Threads <= 0 {
		return fmt.Errorf("run.threads must be > 0")
	}
	if c.Run.LimitDownloads < 0 {
		return fmt.Errorf("run.limit_downloads must be >= 0")
	}
	if c.Run.LimitDownloads > 0 && len(c.Run.PublisherPrefixes) > 0 {
		return fmt.Errorf("%w: run.limit_downloads and run.publisher_prefixes cannot be combined",
			dataset.ErrConfigurationConflict)
	}
	if c.Run.LargeFileBytes <= 0 {
		return fmt.Errorf("run.large_file_bytes must be > 0")
	}
	if c.Registry.Attempts <= 0 {
		return fmt.Errorf("registry.attempts must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		return fmt.Errorf("http.max_retries must be > 0")
	}
	if c.HTTP.RateLimitPerHost < 0 {
		return fmt.Errorf("http.rate_limit_per_host must be >= 0")
	}
	if strings.Count(c.Schema.URLTemplate, "%s") != 2 {
		return fmt.Errorf("schema.url_template must contain two %%s verbs")
	}
	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case CacheBackendFile:
			if c.Cache.IndexPath == "" {
				return fmt.Errorf("cache.index_path is required for the file backend")
			}
		case CacheBackendPostgres:
			if c.DB.DSN == "" {
				return fmt.Errorf("db.dsn is required for the postgres cache backend")
			}
		default:
			return fmt.Errorf("cache.backend must be %q or %q", CacheBackendFile, CacheBackendPostgres)
		}
	}
	if c.Validation.MaxDetails <= 0 {
		return fmt.Errorf("validate.max_details must be > 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id is required when pubsub.topic_name is set")
	}
	return nil
}

// RequestTimeout is the per-request download budget.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RegistryRetryDelay is the pause between registry attempts.
func (c Config) RegistryRetryDelay() time.Duration {
	return time.Duration(c.Registry.RetryDelayMs) * time.Millisecond
}
