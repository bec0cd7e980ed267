package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Operation classes that carry their own rate limiter.
const (
	ClassConvert  = "convert"
	ClassCompress = "compress"
	ClassMulti    = "multi"
)

// Session backend identifiers, in the order they may appear in session.backend_preference.
const (
	BackendRedis      = "redis"
	BackendPersistent = "persistent"
	BackendMemory     = "memory"
)

// Config holds all configuration for the bot core
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Session   SessionConfig   `mapstructure:"session"`
	GC        GCConfig        `mapstructure:"gc"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Transform TransformConfig `mapstructure:"transform"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains the health/metrics HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LimitConfig configures one sliding-window limiter.
type LimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

func (l LimitConfig) validate(class string) error {
	if l.MaxRequests <= 0 {
		return fmt.Errorf("limits.%s.max_requests must be > 0", class)
	}
	if l.Window < time.Second {
		return fmt.Errorf("limits.%s.window must be at least 1s", class)
	}
	return nil
}

// LimitsConfig groups the per-operation-class limiters.
type LimitsConfig struct {
	Convert  LimitConfig `mapstructure:"convert"`
	Compress LimitConfig `mapstructure:"compress"`
	Multi    LimitConfig `mapstructure:"multi"`
}

// ByClass returns the limiter configuration for each operation class.
func (l LimitsConfig) ByClass() map[string]LimitConfig {
	return map[string]LimitConfig{
		ClassConvert:  l.Convert,
		ClassCompress: l.Compress,
		ClassMulti:    l.Multi,
	}
}

func (l LimitsConfig) Validate() error {
	for class, lc := range l.ByClass() {
		if err := lc.validate(class); err != nil {
			return err
		}
	}
	return nil
}

// SessionConfig controls collection session lifetime and backend selection.
type SessionConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	MaxAge            time.Duration `mapstructure:"max_age"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	BackendPreference []string      `mapstructure:"backend_preference"`
}

// Normalize lowercases the preference list, drops unknown or duplicate names
// and makes sure memory is always the final fallback.
func (s SessionConfig) Normalize() SessionConfig {
	seen := make(map[string]struct{}, len(s.BackendPreference))
	var out []string
	for _, b := range s.BackendPreference {
		b = strings.ToLower(strings.TrimSpace(b))
		switch b {
		case BackendRedis, BackendPersistent, BackendMemory:
		default:
			continue
		}
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	if _, ok := seen[BackendMemory]; !ok {
		out = append(out, BackendMemory)
	}
	s.BackendPreference = out
	if s.CallTimeout <= 0 {
		s.CallTimeout = 5 * time.Second
	}
	return s
}

func (s SessionConfig) Validate() error {
	if s.TTL <= 0 {
		return fmt.Errorf("session.ttl must be > 0")
	}
	if s.CacheTTL <= 0 {
		return fmt.Errorf("session.cache_ttl must be > 0")
	}
	if s.MaxAge < 0 {
		return fmt.Errorf("session.max_age cannot be negative")
	}
	if s.MaxAge > 0 && s.MaxAge < s.TTL {
		return fmt.Errorf("session.max_age (%s) must not be shorter than session.ttl (%s)", s.MaxAge, s.TTL)
	}
	return nil
}

// GCConfig controls the periodic garbage collector.
type GCConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	Schedule   string        `mapstructure:"schedule"`
	TempDir    string        `mapstructure:"temp_dir"`
	MinFileAge time.Duration `mapstructure:"min_file_age"`
	Patterns   []string      `mapstructure:"patterns"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
}

func (g GCConfig) Validate() error {
	if strings.TrimSpace(g.Schedule) == "" && g.Interval <= 0 {
		return fmt.Errorf("gc.interval must be > 0 when gc.schedule is empty")
	}
	if strings.TrimSpace(g.TempDir) == "" {
		return fmt.Errorf("gc.temp_dir required")
	}
	for _, p := range g.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("gc.patterns: invalid pattern %q: %w", p, err)
		}
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Blob     BlobConfig     `mapstructure:"blob"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Configured reports whether a Redis host was provided at all.
func (r RedisConfig) Configured() bool {
	return strings.TrimSpace(r.Host) != ""
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

func (r RedisConfig) Validate() error {
	if !r.Configured() {
		return nil
	}
	if r.DB < 0 {
		return fmt.Errorf("storage.redis.db cannot be negative")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Configured reports whether the persistent backend has connection details.
func (p PostgresConfig) Configured() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

// DSN constructs a connection string from the configuration.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres configuration incomplete: host/dbname required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

func (p PostgresConfig) Validate() error {
	if !p.Configured() || strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// BlobConfig selects the object storage used by the persistent backend.
type BlobConfig struct {
	Driver string `mapstructure:"driver"` // local or gcs
	Dir    string `mapstructure:"dir"`
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

func (b BlobConfig) Validate() error {
	switch strings.ToLower(b.Driver) {
	case "", "local":
		if strings.TrimSpace(b.Dir) == "" {
			return fmt.Errorf("storage.blob.dir required for local driver")
		}
	case "gcs":
		if strings.TrimSpace(b.Bucket) == "" {
			return fmt.Errorf("storage.blob.bucket required for gcs driver")
		}
	default:
		return fmt.Errorf("storage.blob.driver %q not supported", b.Driver)
	}
	return nil
}

// TransformConfig points at the external image/PDF tooling. Each command is an
// argv template; {input}, {inputs}, {output}, {level} and {page_mode} are substituted.
// StructuralCommand is an optional lossless pass run before CompressCommand.
type TransformConfig struct {
	ConvertCommand    []string      `mapstructure:"convert_command"`
	StructuralCommand []string      `mapstructure:"structural_command"`
	CompressCommand   []string      `mapstructure:"compress_command"`
	MergeCommand      []string      `mapstructure:"merge_command"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":8080")

	v.SetDefault("limits.convert.max_requests", 10)
	v.SetDefault("limits.convert.window", time.Minute)
	v.SetDefault("limits.compress.max_requests", 5)
	v.SetDefault("limits.compress.window", time.Minute)
	v.SetDefault("limits.multi.max_requests", 5)
	v.SetDefault("limits.multi.window", 2*time.Minute)

	v.SetDefault("session.ttl", 30*time.Minute)
	v.SetDefault("session.cache_ttl", time.Hour)
	v.SetDefault("session.max_age", 0)
	v.SetDefault("session.call_timeout", 5*time.Second)
	v.SetDefault("session.backend_preference", []string{BackendRedis, BackendPersistent, BackendMemory})

	v.SetDefault("gc.interval", 30*time.Minute)
	v.SetDefault("gc.temp_dir", "downloads")
	v.SetDefault("gc.min_file_age", 10*time.Minute)
	v.SetDefault("gc.lock_ttl", 5*time.Minute)
	v.SetDefault("gc.patterns", []string{
		"temp_*", "optimized_*", "padded_*", "compressed_*",
		"*_structural.tmp", "*_compressed.tmp", "MULTIPDF_*.pdf",
	})

	// keys without a real default are still registered so PDFBOT_* env vars reach them
	for _, k := range []string{
		"storage.redis.host", "storage.redis.port", "storage.redis.password",
		"storage.postgres.url", "storage.postgres.host", "storage.postgres.user",
		"storage.postgres.password", "storage.postgres.dbname", "storage.blob.bucket",
		"gc.schedule",
	} {
		v.SetDefault(k, "")
	}
	v.SetDefault("storage.redis.timeout", 5*time.Second)
	v.SetDefault("storage.postgres.timeout", 5*time.Second)
	v.SetDefault("storage.blob.driver", "local")
	v.SetDefault("storage.blob.dir", "downloads/blobs")

	v.SetDefault("transform.timeout", 5*time.Minute)
}

// LoadConfig loads config from file and PDFBOT_* environment variables.
// An empty path searches the usual locations; a missing file there is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, ".."))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("PDFBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Session = cfg.Session.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs every section validator.
func (c *Config) Validate() error {
	for _, fn := range []func() error{
		c.Limits.Validate,
		c.Session.Validate,
		c.GC.Validate,
		c.Storage.Redis.Validate,
		c.Storage.Postgres.Validate,
		c.Storage.Blob.Validate,
	} {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
