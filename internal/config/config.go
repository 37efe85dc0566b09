package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Store       StoreConfig       `mapstructure:"store"`
	Queue       QueueConfig       `mapstructure:"queue"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Development DevelopmentConfig `mapstructure:"development"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver"` // sqlite or mongo
	SQLitePath    string `mapstructure:"sqlite_path"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

type QueueConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type WebSocketConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	GuestPrefix       string        `mapstructure:"guest_prefix"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	SendBuffer        int           `mapstructure:"send_buffer"`
}

type RateLimitConfig struct {
	Window  time.Duration `mapstructure:"window"`
	Connect int           `mapstructure:"connect"`
	Default int           `mapstructure:"default"`
	// Keyed by lower-cased message type.
	Messages map[string]int `mapstructure:"messages"`
}

// MessageLimit returns the per-window limit for a message type.
func (r RateLimitConfig) MessageLimit(msgType string) int {
	if n, ok := r.Messages[strings.ToLower(msgType)]; ok {
		return n
	}
	return r.Default
}

type AuthConfig struct {
	// Empty disables token checks on connect.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DevelopmentConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "chesslive.db")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo_database", "chesslive")
	v.SetDefault("queue.interval", time.Second)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("websocket.heartbeat_interval", 30*time.Second)
	v.SetDefault("websocket.guest_prefix", "guest_")
	v.SetDefault("websocket.max_message_size", 64*1024)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("ratelimit.connect", 10)
	v.SetDefault("ratelimit.default", 100)
	v.SetDefault("ratelimit.messages", map[string]int{
		"make_move":       10,
		"get_valid_moves": 30,
		"get_game_state":  20,
		"chat_message":    50,
		"create_game":     5,
		"join_game":       10,
	})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("development.debug", false)
	v.SetDefault("development.log_level", "info")
}

// Load reads configuration from file, or from config.yaml in . or ./config
// when file is empty. A missing config file is not an error. Environment
// variables prefixed CHESSD_ override both, e.g. CHESSD_SERVER_PORT.
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("CHESSD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
