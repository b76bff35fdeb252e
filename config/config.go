package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Security   SecurityConfig   `mapstructure:"security"`
	Quests     QuestsConfig     `mapstructure:"quests"`
	Shared     SharedConfig     `mapstructure:"shared"`
	Provenance ProvenanceConfig `mapstructure:"provenance"`
	Persist    PersistConfig    `mapstructure:"persist"`
	Shop       ShopConfig       `mapstructure:"shop"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Debug    bool   `mapstructure:"debug"`
	AdminKey string `mapstructure:"admin_key"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"` // empty disables the rotating file sink
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DatabaseConfig struct {
	Mode         string        `mapstructure:"mode"` // sqlite | sqlite_memory | mysql
	SQLitePath   string        `mapstructure:"sqlite_path"`
	MySQLDSN     string        `mapstructure:"mysql_dsn"`
	MySQLMaxOpen int           `mapstructure:"mysql_max_open"`
	MySQLMaxIdle int           `mapstructure:"mysql_max_idle"`
	MySQLMaxLife time.Duration `mapstructure:"mysql_max_life"`
	SlowQuery    time.Duration `mapstructure:"slow_query"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	AdminIPs       []string      `mapstructure:"admin_ips"` // addresses or CIDR ranges; empty allows all
}

// QuestsConfig covers the personal (daily and weekly) tiers.
type QuestsConfig struct {
	TemplatesPath      string        `mapstructure:"templates_path"`
	DailyMin           int           `mapstructure:"daily_min"`
	DailyMax           int           `mapstructure:"daily_max"`
	WeeklyCount        int           `mapstructure:"weekly_count"`
	DailyRerolls       int           `mapstructure:"daily_rerolls"`
	WeeklyRerolls      int           `mapstructure:"weekly_rerolls"`
	WeekStart          string        `mapstructure:"week_start"`
	MaxSignalAmount    int64         `mapstructure:"max_signal_amount"`
	EvictionDelay      time.Duration `mapstructure:"eviction_delay"`
	ResetCheckInterval time.Duration `mapstructure:"reset_check_interval"`
	PlaytimeInterval   time.Duration `mapstructure:"playtime_interval"`
	DailyPoints        int64         `mapstructure:"daily_points"`
	WeeklyPoints       int64         `mapstructure:"weekly_points"`
}

// WeekStartDay parses WeekStart, falling back to Monday.
func (q QuestsConfig) WeekStartDay() time.Weekday {
	name := strings.ToLower(strings.TrimSpace(q.WeekStart))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == name {
			return d
		}
	}
	return time.Monday
}

type SharedConfig struct {
	PoolSize         int           `mapstructure:"pool_size"`
	RefillCooldown   time.Duration `mapstructure:"refill_cooldown"`
	AnnounceInterval time.Duration `mapstructure:"announce_interval"`
	MaintainInterval time.Duration `mapstructure:"maintain_interval"`
	MaxSignalAmount  int64         `mapstructure:"max_signal_amount"`
	Points           int64         `mapstructure:"points"`
}

type ProvenanceConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Retention     time.Duration `mapstructure:"retention"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

type PersistConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

type ShopConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	CatalogPath string `mapstructure:"catalog_path"`
}

// Load reads config from the given YAML file path. Environment variables
// prefixed with QUESTFORGE_ override file values (server.port -> QUESTFORGE_SERVER_PORT).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("questforge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration produced by an empty config file.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

// SetDefaults registers every key's default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/quests.db")
	v.SetDefault("database.mysql_max_open", 50)
	v.SetDefault("database.mysql_max_idle", 10)
	v.SetDefault("database.mysql_max_life", "1h")
	v.SetDefault("database.slow_query", "200ms")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("quests.templates_path", "./data/quests.yml")
	v.SetDefault("quests.daily_min", 3)
	v.SetDefault("quests.daily_max", 5)
	v.SetDefault("quests.weekly_count", 3)
	v.SetDefault("quests.daily_rerolls", 1)
	v.SetDefault("quests.weekly_rerolls", 1)
	v.SetDefault("quests.week_start", "monday")
	v.SetDefault("quests.max_signal_amount", 10000)
	v.SetDefault("quests.eviction_delay", "1m")
	v.SetDefault("quests.reset_check_interval", "1m")
	v.SetDefault("quests.playtime_interval", "20s")
	v.SetDefault("quests.daily_points", 1)
	v.SetDefault("quests.weekly_points", 5)
	v.SetDefault("shared.pool_size", 3)
	v.SetDefault("shared.refill_cooldown", "30m")
	v.SetDefault("shared.announce_interval", "30m")
	v.SetDefault("shared.maintain_interval", "1m")
	v.SetDefault("shared.max_signal_amount", 1000000)
	v.SetDefault("shared.points", 10)
	v.SetDefault("provenance.enabled", true)
	v.SetDefault("provenance.retention", "168h")
	v.SetDefault("provenance.purge_interval", "1h")
	v.SetDefault("persist.workers", 4)
	v.SetDefault("persist.queue_size", 1024)
	v.SetDefault("shop.enabled", true)
	v.SetDefault("shop.catalog_path", "./data/shop.yml")
}
