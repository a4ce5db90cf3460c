// Package config loads settings from defaults, an optional YAML file and
// CARDSTATS_* environment variables.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const EnvPrefix = "CARDSTATS"

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Storage   StorageConfig   `mapstructure:"storage"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Estimator EstimatorConfig `mapstructure:"estimator"`
	Source    SourceConfig    `mapstructure:"source"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`

	// Interval separates periodic refresh passes. Zero disables them.
	Interval time.Duration `mapstructure:"interval"`
}

type CacheConfig struct {
	Key            string        `mapstructure:"key"`
	Shards         int           `mapstructure:"shards"`
	ChunkSize      int           `mapstructure:"chunksize"`
	SaveDelay      time.Duration `mapstructure:"savedelay"`
	WriteThrough   bool          `mapstructure:"writethrough"`
	ManualCooldown time.Duration `mapstructure:"manualcooldown"`
	MaxEntries     int           `mapstructure:"maxentries"`
}

type StorageConfig struct {
	Backend       string      `mapstructure:"backend"`
	Dir           string      `mapstructure:"dir"`
	MaxValueBytes int         `mapstructure:"maxvaluebytes"`
	Redis         RedisConfig `mapstructure:"redis"`
	SQLitePath    string      `mapstructure:"sqlitepath"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type RateLimitConfig struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

type RetryConfig struct {
	MaxAttempts          int           `mapstructure:"maxattempts"`
	BaseDelay            time.Duration `mapstructure:"basedelay"`
	MaxDelay             time.Duration `mapstructure:"maxdelay"`
	ThrottledMaxAttempts int           `mapstructure:"throttledmaxattempts"`
	ThrottledDelay       time.Duration `mapstructure:"throttleddelay"`
}

type SchedulerConfig struct {
	BatchSize       int           `mapstructure:"batchsize"`
	BatchPause      time.Duration `mapstructure:"batchpause"`
	FailureCooldown time.Duration `mapstructure:"failurecooldown"`
}

type ListingConfig struct {
	PerPage          int `mapstructure:"perpage"`
	ExactThreshold   int `mapstructure:"exactthreshold"`
	LastPageEstimate int `mapstructure:"lastpageestimate"`
}

type EstimatorConfig struct {
	Owners ListingConfig `mapstructure:"owners"`
	Wants  ListingConfig `mapstructure:"wants"`
}

type SourceConfig struct {
	BaseURL   string        `mapstructure:"baseurl"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"useragent"`
	Cookie    string        `mapstructure:"cookie"`
}

type DiscoveryConfig struct {
	File string   `mapstructure:"file"`
	IDs  []string `mapstructure:"ids"`
}

// SetDefaults registers every key with its default, so environment overrides
// are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.interval", 10*time.Minute)

	v.SetDefault("cache.key", "mbuf_cache_v3")
	v.SetDefault("cache.shards", 16)
	v.SetDefault("cache.chunksize", 10000)
	v.SetDefault("cache.savedelay", 2*time.Second)
	v.SetDefault("cache.writethrough", false)
	v.SetDefault("cache.manualcooldown", time.Hour)
	v.SetDefault("cache.maxentries", 500000)

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.dir", "./data")
	v.SetDefault("storage.maxvaluebytes", 5*1024*1024)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "cardstats:")
	v.SetDefault("storage.sqlitepath", "./data/cardstats.db")

	v.SetDefault("ratelimit.max", 70)
	v.SetDefault("ratelimit.window", time.Minute)

	v.SetDefault("retry.maxattempts", 3)
	v.SetDefault("retry.basedelay", time.Second)
	v.SetDefault("retry.maxdelay", 10*time.Second)
	v.SetDefault("retry.throttledmaxattempts", 3)
	v.SetDefault("retry.throttleddelay", 15*time.Second)

	v.SetDefault("scheduler.batchsize", 4)
	v.SetDefault("scheduler.batchpause", 5*time.Second)
	v.SetDefault("scheduler.failurecooldown", 5*time.Minute)

	v.SetDefault("estimator.owners.perpage", 36)
	v.SetDefault("estimator.owners.exactthreshold", 11)
	v.SetDefault("estimator.owners.lastpageestimate", 18)
	v.SetDefault("estimator.wants.perpage", 60)
	v.SetDefault("estimator.wants.exactthreshold", 5)
	v.SetDefault("estimator.wants.lastpageestimate", 30)

	v.SetDefault("source.baseurl", "https://mangabuff.ru")
	v.SetDefault("source.timeout", 10*time.Second)
	v.SetDefault("source.useragent", "cardstats/1.0")
	v.SetDefault("source.cookie", "")

	v.SetDefault("discovery.file", "")
	v.SetDefault("discovery.ids", []string{})
}

/*
Load reads file (if non-empty) over the defaults, then applies CARDSTATS_*
environment variables. Nested keys use underscores: CARDSTATS_RATELIMIT_MAX.
*/
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", file)
		}
		log.Debugf("Loaded config from %s", v.ConfigFileUsed())
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.RateLimit.Max <= 0:
		return errors.New("ratelimit.max must be positive")
	case c.RateLimit.Window <= 0:
		return errors.New("ratelimit.window must be positive")
	case c.Scheduler.BatchSize <= 0:
		return errors.New("scheduler.batchsize must be positive")
	case c.Estimator.Owners.PerPage <= 0 || c.Estimator.Wants.PerPage <= 0:
		return errors.New("estimator perpage must be positive")
	case c.Cache.ChunkSize <= 0:
		return errors.New("cache.chunksize must be positive")
	case c.Server.Interval < 0:
		return errors.New("server.interval must not be negative")
	}
	return nil
}

// InitLogging applies the level and format to the standard logrus logger.
func InitLogging(lc LogConfig) error {
	level, err := log.ParseLevel(lc.Level)
	if err != nil {
		return errors.Wrapf(err, "log level %q", lc.Level)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)

	switch strings.ToLower(lc.Format) {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q", lc.Format)
	}
	return nil
}
