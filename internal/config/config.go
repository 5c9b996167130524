package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix = "IPSENTRY_"
	// FileEnv names an optional YAML, JSON or TOML file layered between the
	// defaults and the environment.
	FileEnv = "IPSENTRY_CONFIG_FILE"
)

type Config struct {
	Port      int    `koanf:"port" validate:"required,gte=1,lt=65536"`
	LogLevel  string `koanf:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat string `koanf:"log_format" validate:"required,oneof=text json logfmt"`

	Database DatabaseConfig `koanf:"database"`
	Dataset  DatasetConfig  `koanf:"dataset"`
	Redis    RedisConfig    `koanf:"redis"`
	Cache    CacheConfig    `koanf:"cache"`
	Feed     FeedConfig     `koanf:"feed"`
	Refresh  RefreshConfig  `koanf:"refresh"`
	Auth     AuthConfig     `koanf:"auth"`
	GeoLite  GeoLiteConfig  `koanf:"geolite"`
}

type DatabaseConfig struct {
	// DSN wins over the individual connection fields when set.
	DSN      string `koanf:"dsn"`
	Host     string `koanf:"host" validate:"required_without=DSN"`
	Port     int    `koanf:"port" validate:"gte=0,lt=65536"`
	Name     string `koanf:"name" validate:"required_without=DSN"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	SSLMode  string `koanf:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`

	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" validate:"gte=0"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time" validate:"gte=0"`
}

type DatasetConfig struct {
	LiveTable    string `koanf:"live_table" validate:"required,nefield=StagingTable"`
	StagingTable string `koanf:"staging_table" validate:"required"`
	Sequence     string `koanf:"sequence"`
}

type RedisConfig struct {
	URL string `koanf:"url" validate:"required,url"`
}

type CacheConfig struct {
	// URL must select a logical database used by nothing else; reloads flush it.
	URL       string        `koanf:"url" validate:"required,url"`
	TTL       time.Duration `koanf:"ttl" validate:"gt=0"`
	KeyPrefix string        `koanf:"key_prefix" validate:"required"`
}

type FeedConfig struct {
	URL      string        `koanf:"url" validate:"required,url"`
	MinHits  int           `koanf:"min_hits" validate:"gte=0"`
	ProxyURL string        `koanf:"proxy_url" validate:"omitempty,url"`
	Timeout  time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxBytes int64         `koanf:"max_bytes" validate:"gt=0"`
}

type RefreshConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Interval  time.Duration `koanf:"interval" validate:"gte=1m"`
	OnStartup bool          `koanf:"on_startup"`
}

type AuthConfig struct {
	JWTSecret  string        `koanf:"jwt_secret" validate:"required,min=32"`
	TokenTTL   time.Duration `koanf:"token_ttl" validate:"gt=0"`
	AdminToken string        `koanf:"admin_token" validate:"required,min=8"`
}

type GeoLiteConfig struct {
	CountryDB string `koanf:"country_db" validate:"omitempty,file"`
}

// DefaultConfig holds every setting's fallback value.
var DefaultConfig = Config{
	Port:      3000,
	LogLevel:  "info",
	LogFormat: "text",
	Database: DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		Name:            "ipsentry",
		Username:        "admin",
		Password:        "admin",
		SSLMode:         "disable",
		MaxOpenConns:    32,
		MaxIdleConns:    32,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	},
	Dataset: DatasetConfig{
		LiveTable:    "ips",
		StagingTable: "ips_staging",
		Sequence:     "ips_id_seq",
	},
	Redis: RedisConfig{
		URL: "redis://localhost:6379/0",
	},
	Cache: CacheConfig{
		URL:       "redis://localhost:6379/1",
		TTL:       7200 * time.Second,
		KeyPrefix: "blocked:",
	},
	Feed: FeedConfig{
		URL:      "https://raw.githubusercontent.com/stamparm/ipsum/master/ipsum.txt",
		Timeout:  60 * time.Second,
		MaxBytes: 32 << 20,
	},
	Refresh: RefreshConfig{
		Enabled:  true,
		Interval: 24 * time.Hour,
	},
	Auth: AuthConfig{
		TokenTTL: 180 * 24 * time.Hour,
	},
}

// defaultLoader and envLoader are variables so tests can replace them.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DefaultConfig, "koanf"), nil)
}

// fileLoader loads path with a parser chosen by extension.
var fileLoader = func(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
	return k.Load(file.Provider(path), parser)
}

// envLoader maps IPSENTRY_CACHE__TTL to cache.ttl.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			key = strings.ReplaceAll(key, "__", ".")
			return key, strings.TrimSpace(value)
		},
	}), nil)
}

// Load reads defaults, the optional config file and the environment, then
// validates the result.
// Top-level sections named in skip (e.g. "Auth") are not validated, which
// lets tools that do not serve HTTP run without API secrets.
func Load(skip ...string) (*Config, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := fileLoader(k, path); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", path, err)
		}
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	var err error
	if len(skip) > 0 {
		err = validate.StructExcept(&cfg, skip...)
	} else {
		err = validate.Struct(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

// PostgresDSN returns the configured DSN, or builds one from its parts.
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}

	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	parts := []string{
		"host=" + d.Host,
		fmt.Sprintf("port=%d", d.Port),
		"dbname=" + d.Name,
		"sslmode=" + sslMode,
	}
	if d.Username != "" {
		parts = append(parts, "user="+d.Username)
	}
	if d.Password != "" {
		parts = append(parts, "password="+d.Password)
	}
	return strings.Join(parts, " ")
}
