package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Leader   LeaderConfig   `mapstructure:"leader"`
	Instance InstanceConfig `mapstructure:"instance"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Bidding  BiddingConfig  `mapstructure:"bidding"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type LeaderConfig struct {
	Key           string        `mapstructure:"key"`
	TTL           time.Duration `mapstructure:"ttl"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type InstanceConfig struct {
	ID string `mapstructure:"id"`
}

// EngineConfig tunes the bidding engine's locking, persistence retries and fan-out.
type EngineConfig struct {
	LockTimeout            time.Duration `mapstructure:"lock_timeout"`
	PersistTimeout         time.Duration `mapstructure:"persist_timeout"`
	PersistMaxRetries      int           `mapstructure:"persist_max_retries"`
	PersistInitialBackoff  time.Duration `mapstructure:"persist_initial_backoff"`
	SubscriberBuffer       int           `mapstructure:"subscriber_buffer"`
	OverflowPolicy         string        `mapstructure:"overflow_policy"`
	SchedulerRetryInterval time.Duration `mapstructure:"scheduler_retry_interval"`
	ReconcileSchedule      string        `mapstructure:"reconcile_schedule"`
}

type IncrementTier struct {
	// Below is the exclusive price ceiling of the tier; 0 means unbounded.
	Below     float64 `mapstructure:"below"`
	Increment float64 `mapstructure:"increment"`
}

type BiddingConfig struct {
	IncrementTiers []IncrementTier `mapstructure:"increment_tiers"`
}

type RelayConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Channel   string `mapstructure:"channel"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.ping_interval", 30*time.Second)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("mysql.dsn", "auction_user:auction_pass@tcp(localhost:3306)/auction_db?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 25)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("leader.key", "auction_engine_leader")
	v.SetDefault("leader.ttl", 30*time.Second)
	v.SetDefault("leader.retry_interval", 5*time.Second)
	v.SetDefault("instance.id", "auction-engine-1")
	v.SetDefault("engine.lock_timeout", 2*time.Second)
	v.SetDefault("engine.persist_timeout", 2*time.Second)
	v.SetDefault("engine.persist_max_retries", 3)
	v.SetDefault("engine.persist_initial_backoff", 50*time.Millisecond)
	v.SetDefault("engine.subscriber_buffer", 64)
	v.SetDefault("engine.overflow_policy", "drop_oldest")
	v.SetDefault("engine.scheduler_retry_interval", time.Second)
	v.SetDefault("engine.reconcile_schedule", "@every 30s")
	v.SetDefault("bidding.increment_tiers", []map[string]interface{}{
		{"below": 100.0, "increment": 5.0},
		{"below": 500.0, "increment": 10.0},
		{"below": 0.0, "increment": 25.0},
	})
	v.SetDefault("relay.enabled", true)
	v.SetDefault("relay.channel", "auction_events")
	v.SetDefault("relay.key_prefix", "auction")
	v.SetDefault("log.level", "info")
}

var envBindings = map[string]string{
	"server.port":                     "SERVER_PORT",
	"server.host":                     "SERVER_HOST",
	"redis.address":                   "REDIS_ADDRESS",
	"redis.password":                  "REDIS_PASSWORD",
	"redis.db":                        "REDIS_DB",
	"mysql.dsn":                       "MYSQL_DSN",
	"mysql.max_open_conns":            "MYSQL_MAX_OPEN_CONNS",
	"mysql.max_idle_conns":            "MYSQL_MAX_IDLE_CONNS",
	"mysql.conn_max_lifetime":         "MYSQL_CONN_MAX_LIFETIME",
	"leader.ttl":                      "LEADER_TTL",
	"instance.id":                     "INSTANCE_ID",
	"engine.lock_timeout":             "ENGINE_LOCK_TIMEOUT",
	"engine.persist_timeout":          "ENGINE_PERSIST_TIMEOUT",
	"engine.persist_max_retries":      "ENGINE_PERSIST_MAX_RETRIES",
	"engine.subscriber_buffer":        "ENGINE_SUBSCRIBER_BUFFER",
	"engine.overflow_policy":          "ENGINE_OVERFLOW_POLICY",
	"engine.scheduler_retry_interval": "ENGINE_SCHEDULER_RETRY_INTERVAL",
	"engine.reconcile_schedule":       "ENGINE_RECONCILE_SCHEDULE",
	"relay.enabled":                   "RELAY_ENABLED",
	"log.level":                       "LOG_LEVEL",
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	return v
}

// Load reads config.yaml from the usual locations if present, then applies
// environment overrides on top of the defaults.
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/auction-engine/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return decode(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Engine.LockTimeout <= 0 {
		return fmt.Errorf("engine.lock_timeout must be positive")
	}
	if c.Engine.SubscriberBuffer <= 0 {
		return fmt.Errorf("engine.subscriber_buffer must be positive")
	}
	switch c.Engine.OverflowPolicy {
	case "drop_oldest", "disconnect":
	default:
		return fmt.Errorf("engine.overflow_policy %q: want drop_oldest or disconnect", c.Engine.OverflowPolicy)
	}
	if c.Engine.PersistMaxRetries < 0 {
		return fmt.Errorf("engine.persist_max_retries must not be negative")
	}
	return nil
}

// GetConfigString returns a formatted string representation of the config
func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Server: %s:%d, Redis: %s, Instance: %s, LockTimeout: %s, Overflow: %s",
		c.Server.Host,
		c.Server.Port,
		c.Redis.Address,
		c.Instance.ID,
		c.Engine.LockTimeout,
		c.Engine.OverflowPolicy,
	)
}
