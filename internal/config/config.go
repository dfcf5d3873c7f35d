package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the relay server.
type Config struct {
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Uploads   UploadConfig
	Chat      ChatConfig
	Relay     RelayConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host      string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port      string `envconfig:"SERVER_PORT" default:"8080"`
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	DSN             string        `envconfig:"DATABASE_DSN" required:"true"`
	MaxConns        int32         `envconfig:"DATABASE_MAX_CONNS" default:"10"`
	MinConns        int32         `envconfig:"DATABASE_MIN_CONNS" default:"1"`
	MaxConnLifetime time.Duration `envconfig:"DATABASE_MAX_CONN_LIFETIME" default:"1h"`
}

// RedisConfig holds Redis configuration. An empty URI runs the relay in
// single-instance mode with in-memory presence and call state.
type RedisConfig struct {
	URI string `envconfig:"REDIS_URI"`
}

// UploadConfig holds media upload storage configuration.
type UploadConfig struct {
	Dir     string `envconfig:"UPLOAD_DIR" default:"./uploads"`
	MaxSize int64  `envconfig:"UPLOAD_MAX_BYTES" default:"52428800"`
}

// ChatConfig holds conversation rules enforced by the server.
type ChatConfig struct {
	PageSize     int           `envconfig:"CHAT_PAGE_SIZE" default:"20"`
	RecallWindow time.Duration `envconfig:"CHAT_RECALL_WINDOW" default:"2m"`
	CallTTL      time.Duration `envconfig:"CHAT_CALL_TTL" default:"2h"`
}

// RelayConfig tunes websocket connections served by the relay hub.
type RelayConfig struct {
	WriteTimeout  time.Duration `envconfig:"RELAY_WRITE_TIMEOUT" default:"10s"`
	PongWait      time.Duration `envconfig:"RELAY_PONG_WAIT" default:"60s"`
	SendBuffer    int           `envconfig:"RELAY_SEND_BUFFER" default:"64"`
	MaxFrameBytes int64         `envconfig:"RELAY_MAX_FRAME_BYTES" default:"65536"`
	OpTimeout     time.Duration `envconfig:"RELAY_OP_TIMEOUT" default:"5s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration for logical errors beyond required fields.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Chat.PageSize <= 0 || c.Chat.PageSize > 100 {
		return fmt.Errorf("CHAT_PAGE_SIZE must be between 1 and 100, got %d", c.Chat.PageSize)
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("DATABASE_MIN_CONNS (%d) exceeds DATABASE_MAX_CONNS (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Uploads.MaxSize <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive")
	}
	if c.Relay.SendBuffer <= 0 {
		return fmt.Errorf("RELAY_SEND_BUFFER must be positive, got %d", c.Relay.SendBuffer)
	}
	if c.Chat.CallTTL <= 0 {
		return fmt.Errorf("CHAT_CALL_TTL must be positive")
	}
	return nil
}

// ClientConfig holds configuration for the terminal chat client.
type ClientConfig struct {
	LogFormat      string `envconfig:"LOG_FORMAT" default:"text"`
	ServerURL      string `envconfig:"CHAT_SERVER_URL" default:"http://localhost:8080"`
	Token          string `envconfig:"CHAT_TOKEN" required:"true"`
	UserID         string `envconfig:"CHAT_USER_ID" required:"true"`
	Role           string `envconfig:"CHAT_ROLE" default:"user"`
	ConversationID string `envconfig:"CHAT_CONVERSATION_ID" required:"true"`
	PeerID         string `envconfig:"CHAT_PEER_ID" required:"true"`
	Delivery       DeliveryConfig
	Call           CallConfig
}

// DeliveryConfig tunes retry behaviour of durable writes and uploads.
type DeliveryConfig struct {
	MaxAttempts    int           `envconfig:"CHAT_SEND_ATTEMPTS" default:"3"`
	BaseDelay      time.Duration `envconfig:"CHAT_SEND_BASE_DELAY" default:"1s"`
	UploadRetries  int           `envconfig:"CHAT_UPLOAD_RETRIES" default:"3"`
	UploadTimeout  time.Duration `envconfig:"CHAT_UPLOAD_TIMEOUT" default:"60s"`
	RequestTimeout time.Duration `envconfig:"CHAT_REQUEST_TIMEOUT" default:"15s"`
}

// CallConfig tunes the call state machine.
type CallConfig struct {
	RingTimeout     time.Duration `envconfig:"CHAT_RING_TIMEOUT" default:"30s"`
	DisconnectGrace time.Duration `envconfig:"CHAT_DISCONNECT_GRACE" default:"10s"`
	STUNServers     []string      `envconfig:"CHAT_STUN_SERVERS" default:"stun:stun.l.google.com:19302"`
}

// LoadClient reads client configuration from environment variables.
func LoadClient() (*ClientConfig, error) {
	var cfg ClientConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.Role != "user" && cfg.Role != "agent" {
		return nil, fmt.Errorf("CHAT_ROLE must be user or agent, got %q", cfg.Role)
	}
	if cfg.Delivery.MaxAttempts < 1 {
		return nil, fmt.Errorf("CHAT_SEND_ATTEMPTS must be at least 1")
	}
	return &cfg, nil
}
