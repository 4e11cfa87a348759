package config

import (
	"time"

	"github.com/spf13/viper"

	pkgconfig "github.com/weiawesome/wes-io-live/messenger-client/pkg/config"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/log"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/storage"
)

type Config struct {
	Server      ServerConfig
	API         APIConfig
	WebSocket   WebSocketConfig
	Composer    ComposerConfig
	Credentials CredentialsConfig
	Attachments AttachmentsConfig
	Directory   DirectoryConfig
	Log         log.Config
}

// ServerConfig is the local UI-facing HTTP surface.
type ServerConfig struct {
	Host string
	Port int
}

type APIConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	WSURL    string        `mapstructure:"ws_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	PageSize int           `mapstructure:"page_size"`
}

type WebSocketConfig struct {
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	EventBuffer      int           `mapstructure:"event_buffer"`
}

type ComposerConfig struct {
	MaxMessageChars int   `mapstructure:"max_message_chars"`
	MaxFileBytes    int64 `mapstructure:"max_file_bytes"`
}

type CredentialsConfig struct {
	Driver string // "memory" or "redis"
	Token  string
	Redis  RedisConfig
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	Channel  string
}

type AttachmentsConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Driver  string // "local" or "s3"
	Local   storage.LocalConfig
	S3      storage.S3Config
}

// DirectoryConfig selects where conversation lists are cached.
type DirectoryConfig struct {
	Driver string        // "memory" or "redis"
	TTL    time.Duration `mapstructure:"ttl"`
	Prefix string
	Redis  RedisConfig
}

func DefaultDirectory() DirectoryConfig {
	return DirectoryConfig{
		Driver: "memory",
		TTL:    30 * time.Second,
		Prefix: "messenger:conversations",
	}
}

// DefaultWebSocket returns the connection defaults: reconnect delay
// min(30s, 1s*2^retry).
func DefaultWebSocket() WebSocketConfig {
	return WebSocketConfig{
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         0,
		WriteWait:        10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		MaxMessageSize:   1 << 20,
		EventBuffer:      256,
	}
}

// DefaultComposer returns the draft limits: 4000 characters, 10 MiB per file.
func DefaultComposer() ComposerConfig {
	return ComposerConfig{
		MaxMessageChars: 4000,
		MaxFileBytes:    10 * 1024 * 1024,
	}
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}
	return fromViper(v)
}

// LoadFile loads an explicit config file.
func LoadFile(path string) (*Config, error) {
	v, err := pkgconfig.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	ws := DefaultWebSocket()
	comp := DefaultComposer()
	dir := DefaultDirectory()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8095)
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.ws_url", "")
	v.SetDefault("api.timeout", "15s")
	v.SetDefault("api.page_size", 50)
	v.SetDefault("websocket.base_delay", ws.BaseDelay.String())
	v.SetDefault("websocket.max_delay", ws.MaxDelay.String())
	v.SetDefault("websocket.ping_interval", ws.PingInterval.String())
	v.SetDefault("websocket.pong_wait", ws.PongWait.String())
	v.SetDefault("websocket.write_wait", ws.WriteWait.String())
	v.SetDefault("websocket.handshake_timeout", ws.HandshakeTimeout.String())
	v.SetDefault("websocket.max_message_size", ws.MaxMessageSize)
	v.SetDefault("websocket.event_buffer", ws.EventBuffer)
	v.SetDefault("composer.max_message_chars", comp.MaxMessageChars)
	v.SetDefault("composer.max_file_bytes", comp.MaxFileBytes)
	v.SetDefault("credentials.driver", "memory")
	v.SetDefault("credentials.redis.address", "localhost:6379")
	v.SetDefault("credentials.redis.db", 0)
	v.SetDefault("credentials.redis.key", "messenger:credentials:token")
	v.SetDefault("credentials.redis.channel", "messenger:credentials:changed")
	v.SetDefault("attachments.driver", "local")
	v.SetDefault("attachments.local.base_path", "./downloads")
	v.SetDefault("directory.driver", dir.Driver)
	v.SetDefault("directory.ttl", dir.TTL.String())
	v.SetDefault("directory.prefix", dir.Prefix)
	v.SetDefault("directory.redis.address", "localhost:6379")
	v.SetDefault("directory.redis.db", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.service_name", "messenger-client")

	// Override from environment
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("api.base_url", "API_BASE_URL")
	_ = v.BindEnv("api.ws_url", "WS_URL")
	_ = v.BindEnv("credentials.token", "ACCESS_TOKEN")
	_ = v.BindEnv("credentials.redis.address", "REDIS_ADDRESS")
	_ = v.BindEnv("credentials.redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("directory.redis.address", "REDIS_ADDRESS")
	_ = v.BindEnv("directory.redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.API.Timeout = parseDuration(v, "api.timeout", 15*time.Second)
	cfg.WebSocket.BaseDelay = parseDuration(v, "websocket.base_delay", ws.BaseDelay)
	cfg.WebSocket.MaxDelay = parseDuration(v, "websocket.max_delay", ws.MaxDelay)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", ws.PingInterval)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", ws.PongWait)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", ws.WriteWait)
	cfg.WebSocket.HandshakeTimeout = parseDuration(v, "websocket.handshake_timeout", ws.HandshakeTimeout)
	cfg.Directory.TTL = parseDuration(v, "directory.ttl", dir.TTL)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}
