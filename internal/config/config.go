package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. BROKER_HTTP_PORT.
const EnvPrefix = "broker"

// Config holds configuration for the broker.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Hasher    HasherConfig    `mapstructure:"hasher"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       LogConfig       `mapstructure:"log"`
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	EncryptionKey   string        `mapstructure:"encryption_key"` // base64 AES key; empty stores tokens in plaintext
}

// RedisConfig holds Redis connection settings. An empty address disables
// Redis and with it rate limiting.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RateLimitConfig holds per-client rate limit settings
type RateLimitConfig struct {
	PerMinute int           `mapstructure:"per_minute"` // 0 disables
	Window    time.Duration `mapstructure:"window"`
}

// UpstreamConfig holds the upstream platform API settings
type UpstreamConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	LoginPath  string        `mapstructure:"login_path"`
	ServerPath string        `mapstructure:"server_path"`
	Timeout    time.Duration `mapstructure:"timeout"`

	// Servers confirmed to exist are remembered for CacheTTL; 0 disables
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// HasherConfig holds the argon2id work factor for new keys
type HasherConfig struct {
	Time       uint32 `mapstructure:"time"`
	Memory     uint32 `mapstructure:"memory"` // KiB
	Threads    uint8  `mapstructure:"threads"`
	KeyLength  uint32 `mapstructure:"key_length"`
	SaltLength uint32 `mapstructure:"salt_length"`
}

// CORSConfig holds cross-origin settings
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`

	// Access log file template with one %s for the timestamp; empty disables
	AccessFile     string `mapstructure:"access_file"`
	AccessMaxSize  int64  `mapstructure:"access_max_size"`
	AccessMaxFiles int    `mapstructure:"access_max_files"`
}

// Defaults returns the default value of every configuration key.
func Defaults() map[string]any {
	return map[string]any{
		"http.port":             "8080",
		"http.read_timeout":     15 * time.Second,
		"http.write_timeout":    30 * time.Second,
		"http.idle_timeout":     60 * time.Second,
		"http.shutdown_timeout": 30 * time.Second,

		"database.driver":             "sqlite",
		"database.url":                "./main.db",
		"database.max_open_conns":     25,
		"database.max_idle_conns":     5,
		"database.conn_max_lifetime":  5 * time.Minute,
		"database.conn_max_idle_time": 1 * time.Minute,
		"database.auto_migrate":       true,
		"database.encryption_key":     "",

		"redis.address":        "",
		"redis.password":       "",
		"redis.db":             0,
		"redis.pool_size":      10,
		"redis.min_idle_conns": 2,
		"redis.dial_timeout":   5 * time.Second,
		"redis.read_timeout":   3 * time.Second,
		"redis.write_timeout":  3 * time.Second,

		"rate_limit.per_minute": 3,
		"rate_limit.window":     time.Minute,

		"upstream.base_url":    "",
		"upstream.login_path":  "/api/user/me",
		"upstream.server_path": "/api/servers/%s",
		"upstream.timeout":     10 * time.Second,
		"upstream.cache_size":  1000,
		"upstream.cache_ttl":   time.Duration(0),

		"hasher.time":        1,
		"hasher.memory":      64 * 1024,
		"hasher.threads":     4,
		"hasher.key_length":  32,
		"hasher.salt_length": 16,

		"cors.allowed_origins": []string{"*"},

		"log.level":            "info",
		"log.access_file":      "",
		"log.access_max_size":  10_485_760, // 10 MB
		"log.access_max_files": 5,
	}
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"port":         "http.port",
	"db-driver":    "database.driver",
	"database-url": "database.url",
	"redis":        "redis.address",
	"upstream":     "upstream.base_url",
	"log-level":    "log.level",
}

// Load builds the configuration from, in increasing precedence: defaults, the
// config file, BROKER_* environment variables and flags set on cmd.
// configFile may be empty, in which case config.{json,yaml} is looked up in
// the working directory and /etc/broker. cmd may be nil.
func Load(cmd *cobra.Command, configFile string) (*Config, error) {
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/broker")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine unless one was asked for explicitly.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Older deployments keep the listen port at the top level.
	if v.InConfig("port") && !v.InConfig("http.port") {
		v.SetDefault("http.port", v.Get("port"))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		for name, key := range flagKeys {
			if flag := cmd.Flags().Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks settings that every command needs.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.HTTP.Port == "" {
		return fmt.Errorf("http.port is required")
	}
	if c.Upstream.CacheTTL < 0 {
		return fmt.Errorf("upstream.cache_ttl must not be negative")
	}
	if c.RateLimit.PerMinute < 0 {
		return fmt.Errorf("rate_limit.per_minute must not be negative")
	}
	return nil
}
