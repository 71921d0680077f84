package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	Secret         string        `mapstructure:"secret"`
	LogLevel       string        `mapstructure:"log_level"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`

	Auth       AuthConfig      `mapstructure:"auth"`
	Call       CallConfig      `mapstructure:"call"`
	Chat       ChatConfig      `mapstructure:"chat"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Store      StoreConfig     `mapstructure:"store"`
	IceServers []ICEServer     `mapstructure:"ice_servers"`
	Backpress  BackpressConfig `mapstructure:"backpressure"`
}

type AuthConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Issuer  string        `mapstructure:"issuer"`
}

type CallConfig struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
}

type ChatConfig struct {
	MaxMessageLen    int `mapstructure:"max_message_len"`
	ReadReceiptCache int `mapstructure:"read_receipt_cache"`
}

type RateLimitConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver"` // none | sqlite | redis
	SQLitePath string `mapstructure:"sqlite_path"`
	RedisURL   string `mapstructure:"redis_url"`
	Workers    int    `mapstructure:"workers"`
	QueueSize  int    `mapstructure:"queue_size"`
}

// BackpressConfig: zero MaxDrops kicks a connection on its first dropped frame.
type BackpressConfig struct {
	MaxDrops int `mapstructure:"max_drops"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("auth.timeout", "10s")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("call.ring_timeout", "30s")
	v.SetDefault("chat.max_message_len", 4096)
	v.SetDefault("chat.read_receipt_cache", 10000)
	v.SetDefault("rate_limit.limit", 20)
	v.SetDefault("rate_limit.interval", "1s")
	v.SetDefault("store.driver", "none")
	v.SetDefault("store.sqlite_path", "./data/hub.db")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.workers", 4)
	v.SetDefault("store.queue_size", 1024)
	v.SetDefault("backpressure.max_drops", 0)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. A missing file
// is not an error.
func Load() (*Config, error) {
	cfg, _, err := load()
	return cfg, err
}

func load() (*Config, *viper.Viper, error) {
	v := newViper()

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("config ready")
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("config: secret is required")
	}
	switch c.Store.Driver {
	case "none", "sqlite", "redis":
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.PongWait <= c.PingPeriod {
		return fmt.Errorf("config: pong_wait (%s) must exceed ping_period (%s)", c.PongWait, c.PingPeriod)
	}
	return nil
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// LoadAndWatch is Load plus a file watch that re-applies log_level on every
// change. Other keys need a restart.
func LoadAndWatch() (*Config, error) {
	cfg, v, err := load()
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(cfg.Level())
	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload rejected")
			return
		}
		zerolog.SetGlobalLevel(next.Level())
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Str("log_level", next.Level().String()).Msg("config reloaded")
	})
	if v.ConfigFileUsed() != "" {
		if _, statErr := os.Stat(v.ConfigFileUsed()); statErr == nil {
			v.WatchConfig()
		}
	}
	return cfg, nil
}
