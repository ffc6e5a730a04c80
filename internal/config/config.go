package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Vapi      VapiConfig      `mapstructure:"vapi"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Sync      SyncSettings    `mapstructure:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Locks     LocksConfig     `mapstructure:"locks"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
}

// DatabaseConfig describes the shared (local) database holding the
// organization registry, sync state and the shared call table.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres | mysql | sqlite
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"` // postgres only, empty = search_path default
	AutoMigrate     bool          `mapstructure:"autoMigrate"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	ExternalTimeout time.Duration `mapstructure:"externalTimeout"` // dial timeout for per-organization databases
}

// VapiConfig configures the remote call API client.
type VapiConfig struct {
	BaseURL           string        `mapstructure:"baseURL"`
	PageSize          int           `mapstructure:"pageSize"`
	MaxOffset         int           `mapstructure:"maxOffset"`
	QuickTimeout      time.Duration `mapstructure:"quickTimeout"`
	ListTimeout       time.Duration `mapstructure:"listTimeout"`
	RequestsPerSecond float64       `mapstructure:"requestsPerSecond"`
	Burst             int           `mapstructure:"burst"`
	RetryMaxElapsed   time.Duration `mapstructure:"retryMaxElapsed"`
	BulkDeleteDelay   time.Duration `mapstructure:"bulkDeleteDelay"`
	ChunkSize         int           `mapstructure:"chunkSize"`
	ChunkDelay        time.Duration `mapstructure:"chunkDelay"`
}

// AudioConfig configures the recording archiver.
type AudioConfig struct {
	Backend   string        `mapstructure:"backend"` // local | s3
	BaseDir   string        `mapstructure:"baseDir"` // local backend root
	Prefix    string        `mapstructure:"prefix"`  // first path segment of every archived key
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"userAgent"`
	MinBytes  int64         `mapstructure:"minBytes"`
	S3        S3Config      `mapstructure:"s3"`
}

// S3Config configures the object storage backend for archived audio.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"accessKeyID"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	UsePathStyle    bool   `mapstructure:"usePathStyle"`
}

// SchedulerConfig configures the worker pool that executes sync runs.
type SchedulerConfig struct {
	PoolSize   int           `mapstructure:"poolSize"`
	QueueSize  int           `mapstructure:"queueSize"`
	ExpiryTime time.Duration `mapstructure:"expiryTime"`
}

// LocksConfig selects the lease lock backend.
type LocksConfig struct {
	Backend string `mapstructure:"backend"` // db | redis
}

// RedisConfig configures the optional redis lease backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig configures the optional sync event publisher.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Stream        string        `mapstructure:"stream"`
	SubjectPrefix string        `mapstructure:"subjectPrefix"`
	MaxAge        time.Duration `mapstructure:"maxAge"`
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.autoMigrate", true)
	v.SetDefault("database.maxOpenConns", 20)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.connMaxLifetime", 30*time.Minute)
	v.SetDefault("database.externalTimeout", 10*time.Second)

	v.SetDefault("vapi.baseURL", "https://api.vapi.ai")
	v.SetDefault("vapi.pageSize", 100)
	v.SetDefault("vapi.maxOffset", 1000)
	v.SetDefault("vapi.quickTimeout", 15*time.Second)
	v.SetDefault("vapi.listTimeout", 30*time.Second)
	v.SetDefault("vapi.requestsPerSecond", 5.0)
	v.SetDefault("vapi.burst", 5)
	v.SetDefault("vapi.retryMaxElapsed", 10*time.Second)
	v.SetDefault("vapi.bulkDeleteDelay", 250*time.Millisecond)
	v.SetDefault("vapi.chunkSize", 10)
	v.SetDefault("vapi.chunkDelay", 5*time.Second)

	v.SetDefault("audio.backend", "local")
	v.SetDefault("audio.baseDir", "./data")
	v.SetDefault("audio.prefix", "vapi-call-recordings")
	v.SetDefault("audio.timeout", 120*time.Second)
	v.SetDefault("audio.userAgent", "vapi-call-sync/1.0")
	v.SetDefault("audio.minBytes", 1000)
	v.SetDefault("audio.s3.region", "us-east-1")

	setSyncDefaults(v)

	v.SetDefault("scheduler.poolSize", 4)
	v.SetDefault("scheduler.queueSize", 1000)
	v.SetDefault("scheduler.expiryTime", time.Minute)

	v.SetDefault("locks.backend", "db")

	v.SetDefault("nats.stream", "VAPI_SYNC")
	v.SetDefault("nats.subjectPrefix", "v1.vapi.sync")
	v.SetDefault("nats.maxAge", 72*time.Hour)

	// Config file settings
	v.SetConfigName("default")
	v.SetConfigType("yaml")

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.vapi-call-sync")
	v.AddConfigPath("/etc/vapi-call-sync")

	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.dsn", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		v.Set("redis.addr", addr)
	}
	if baseURL := os.Getenv("VAPI_BASE_URL"); baseURL != "" {
		v.Set("vapi.baseURL", baseURL)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	config.Sync = config.Sync.Normalize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks cross-field constraints viper cannot express.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Audio.Backend {
	case "local":
	case "s3":
		if c.Audio.S3.Bucket == "" {
			return fmt.Errorf("audio.s3.bucket is required when audio.backend is s3")
		}
	default:
		return fmt.Errorf("unsupported audio backend %q", c.Audio.Backend)
	}
	switch c.Locks.Backend {
	case "db":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when locks.backend is redis")
		}
	default:
		return fmt.Errorf("unsupported lock backend %q", c.Locks.Backend)
	}
	return nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(append([]string(nil), parts...), tag)
		key := strings.Join(path, ".")

		// time.Duration is an int64, only recurse into real structs
		if fieldType.Type.Kind() == reflect.Struct && fieldType.Type != reflect.TypeOf(time.Time{}) {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		_ = v.BindEnv(key)
	}
}
