// Package config loads service configuration from an optional file and
// AUDIOGRAB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/bnema/audiograb/internal/domain"
	"github.com/bnema/audiograb/internal/port"
)

const (
	ProviderAPI   = "api"
	ProviderLocal = "local"

	GuardSQLite = "sqlite"
	GuardRedis  = "redis"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	BehindProxy     bool          `mapstructure:"behind_proxy"`
	AdminTokenHash  string        `mapstructure:"admin_token_hash"`
	SubmitPerMinute float64       `mapstructure:"submit_per_minute"`
	SubmitBurst     int           `mapstructure:"submit_burst"`
	SSEKeepAlive    time.Duration `mapstructure:"sse_keepalive"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
	// Database and DownloadsDir default to locations under DataDir.
	Database     string `mapstructure:"database"`
	DownloadsDir string `mapstructure:"downloads_dir"`
	PoolSize     int    `mapstructure:"pool_size"`
}

type JobsConfig struct {
	Validity       time.Duration `mapstructure:"validity"`
	DefaultQuality string        `mapstructure:"default_quality"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	Lease          time.Duration `mapstructure:"lease"`
	BusyRetryDelay time.Duration `mapstructure:"busy_retry_delay"`
	MaxBusyRetries int           `mapstructure:"max_busy_retries"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	PurgeAfter     time.Duration `mapstructure:"purge_after"`
	// RequeueAfter is how long a pending job may sit untouched before the
	// sweep hands it back to the workers.
	RequeueAfter time.Duration `mapstructure:"requeue_after"`
}

type CacheConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	EvictFraction float64       `mapstructure:"evict_fraction"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MetadataTTL   time.Duration `mapstructure:"metadata_ttl"`
	ArtifactTTL   time.Duration `mapstructure:"artifact_ttl"`
}

type ProvidersConfig struct {
	// Order lists provider names in the order their credentials are tried.
	Order          []string      `mapstructure:"order"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	API            APIConfig     `mapstructure:"api"`
	Local          LocalConfig   `mapstructure:"local"`
}

type APIConfig struct {
	Endpoints         []string      `mapstructure:"endpoints"`
	Keys              []string      `mapstructure:"keys"`
	Qualities         []string      `mapstructure:"qualities"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Download          bool          `mapstructure:"download"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type LocalConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	CookieFiles []string `mapstructure:"cookie_files"`
	YtDLP       string   `mapstructure:"ytdlp"`
	FFmpeg      string   `mapstructure:"ffmpeg"`
	FFprobe     string   `mapstructure:"ffprobe"`
}

type GuardConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from defaults, the file at path (if any) and the
// environment, e.g. AUDIOGRAB_JOBS_VALIDITY=12h.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDIOGRAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.behind_proxy", false)
	v.SetDefault("server.admin_token_hash", "")
	v.SetDefault("server.submit_per_minute", 30)
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("server.sse_keepalive", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("storage.data_dir", "/data")
	v.SetDefault("storage.database", "")
	v.SetDefault("storage.downloads_dir", "")
	v.SetDefault("storage.pool_size", 4)

	v.SetDefault("jobs.validity", "24h")
	v.SetDefault("jobs.default_quality", domain.DefaultQuality)
	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.queue_size", 1024)
	v.SetDefault("jobs.lease", "10m")
	v.SetDefault("jobs.busy_retry_delay", "5s")
	v.SetDefault("jobs.max_busy_retries", 5)
	v.SetDefault("jobs.sweep_interval", "1m")
	v.SetDefault("jobs.purge_after", "168h")
	v.SetDefault("jobs.requeue_after", "2m")

	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("cache.evict_fraction", 0.1)
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("cache.metadata_ttl", "6h")
	v.SetDefault("cache.artifact_ttl", "1h")

	v.SetDefault("providers.order", []string{ProviderAPI, ProviderLocal})
	v.SetDefault("providers.max_retries", 2)
	v.SetDefault("providers.base_delay", "500ms")
	v.SetDefault("providers.max_delay", "10s")
	v.SetDefault("providers.attempt_timeout", "2m")
	v.SetDefault("providers.api.endpoints", []string{})
	v.SetDefault("providers.api.keys", []string{})
	v.SetDefault("providers.api.qualities", []string{domain.DefaultQuality})
	v.SetDefault("providers.api.requests_per_second", 1)
	v.SetDefault("providers.api.burst", 1)
	v.SetDefault("providers.api.download", false)
	v.SetDefault("providers.api.timeout", "30s")
	v.SetDefault("providers.local.enabled", true)
	v.SetDefault("providers.local.cookie_files", []string{})
	v.SetDefault("providers.local.ytdlp", "yt-dlp")
	v.SetDefault("providers.local.ffmpeg", "ffmpeg")
	v.SetDefault("providers.local.ffprobe", "ffprobe")

	v.SetDefault("guard.backend", GuardSQLite)
	v.SetDefault("guard.redis_addr", "")
	v.SetDefault("guard.redis_password", "")
	v.SetDefault("guard.redis_db", 0)
	v.SetDefault("guard.redis_prefix", "audiograb:lock:")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

func (c *Config) applyDerived() {
	if c.Storage.Database == "" {
		c.Storage.Database = filepath.Join(c.Storage.DataDir, "audiograb.db")
	}
	if c.Storage.DownloadsDir == "" {
		c.Storage.DownloadsDir = filepath.Join(c.Storage.DataDir, "downloads")
	}
	c.Providers.API.Endpoints = compact(c.Providers.API.Endpoints)
	c.Providers.API.Keys = compact(c.Providers.API.Keys)
	c.Providers.Local.CookieFiles = compact(c.Providers.Local.CookieFiles)
}

// Validate enforces required values and reasonable limits.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must be set")
	}
	if c.Server.AdminTokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.Server.AdminTokenHash)); err != nil {
			return fmt.Errorf("server.admin_token_hash must be a bcrypt hash: %w", err)
		}
	}
	if c.Storage.PoolSize <= 0 {
		return errors.New("storage.pool_size must be > 0")
	}
	if c.Jobs.Validity <= 0 {
		return errors.New("jobs.validity must be > 0")
	}
	if c.Jobs.Workers <= 0 {
		return errors.New("jobs.workers must be > 0")
	}
	if c.Jobs.Lease <= 0 {
		return errors.New("jobs.lease must be > 0")
	}
	if _, err := domain.NormalizeQuality(c.Jobs.DefaultQuality, ""); err != nil {
		return fmt.Errorf("jobs.default_quality: %w", err)
	}
	if c.Cache.MetadataTTL <= 0 || c.Cache.ArtifactTTL <= 0 {
		return errors.New("cache ttls must be > 0")
	}
	for _, name := range c.Providers.Order {
		if name != ProviderAPI && name != ProviderLocal {
			return fmt.Errorf("providers.order: unknown provider %q", name)
		}
	}
	if len(c.Providers.API.Keys) > 0 && len(c.Providers.API.Endpoints) == 0 {
		return errors.New("providers.api.endpoints must be set when api keys are configured")
	}
	if len(c.APICredentials())+len(c.LocalCredentials()) == 0 {
		return errors.New("no provider credentials configured")
	}
	switch c.Guard.Backend {
	case GuardSQLite:
	case GuardRedis:
		if c.Guard.RedisAddr == "" {
			return errors.New("guard.redis_addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("guard.backend must be %q or %q", GuardSQLite, GuardRedis)
	}
	return nil
}

// APICredentials binds each key to an endpoint, round-robin. Credential
// names are positional so secrets never reach logs.
func (c *Config) APICredentials() []port.Credential {
	if !slices.Contains(c.Providers.Order, ProviderAPI) || len(c.Providers.API.Endpoints) == 0 {
		return nil
	}
	creds := make([]port.Credential, 0, len(c.Providers.API.Keys))
	for i, key := range c.Providers.API.Keys {
		creds = append(creds, port.Credential{
			Name:     fmt.Sprintf("key%d", i+1),
			Secret:   key,
			Endpoint: c.Providers.API.Endpoints[i%len(c.Providers.API.Endpoints)],
		})
	}
	return creds
}

// LocalCredentials returns one credential per cookie file, or a single
// anonymous one when none are configured.
func (c *Config) LocalCredentials() []port.Credential {
	if !c.Providers.Local.Enabled || !slices.Contains(c.Providers.Order, ProviderLocal) {
		return nil
	}
	if len(c.Providers.Local.CookieFiles) == 0 {
		return []port.Credential{{Name: "anonymous"}}
	}
	creds := make([]port.Credential, 0, len(c.Providers.Local.CookieFiles))
	for i, file := range c.Providers.Local.CookieFiles {
		creds = append(creds, port.Credential{Name: fmt.Sprintf("cookies%d", i+1), Secret: file})
	}
	return creds
}

func compact(items []string) []string {
	out := items[:0]
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
