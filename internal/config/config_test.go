package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DATABASE_DSN", "postgres://localhost/chat")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 20, cfg.Chat.PageSize)
	assert.Equal(t, 2*time.Minute, cfg.Chat.RecallWindow)
	assert.Equal(t, 64, cfg.Relay.SendBuffer)
	assert.Equal(t, int32(10), cfg.Database.MaxConns)
	assert.Empty(t, cfg.Redis.URI)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("DATABASE_DSN", "postgres://localhost/chat")
	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Uploads: UploadConfig{MaxSize: 1024},
			Chat:    ChatConfig{PageSize: 20, CallTTL: time.Hour},
			Relay:   RelayConfig{SendBuffer: 8},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"page size zero", func(c *Config) { c.Chat.PageSize = 0 }},
		{"page size too large", func(c *Config) { c.Chat.PageSize = 101 }},
		{"upload size", func(c *Config) { c.Uploads.MaxSize = 0 }},
		{"send buffer", func(c *Config) { c.Relay.SendBuffer = 0 }},
		{"call ttl", func(c *Config) { c.Chat.CallTTL = 0 }},
		{"pool bounds", func(c *Config) { c.Database.MinConns = 5; c.Database.MaxConns = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoadClient(t *testing.T) {
	t.Setenv("CHAT_TOKEN", "tok")
	t.Setenv("CHAT_USER_ID", "u1")
	t.Setenv("CHAT_CONVERSATION_ID", "c1")
	t.Setenv("CHAT_PEER_ID", "a1")

	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "user", cfg.Role)
	assert.Equal(t, 3, cfg.Delivery.MaxAttempts)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Call.STUNServers)

	t.Setenv("CHAT_ROLE", "admin")
	_, err = LoadClient()
	assert.Error(t, err)

	t.Setenv("CHAT_ROLE", "agent")
	t.Setenv("CHAT_SEND_ATTEMPTS", "0")
	_, err = LoadClient()
	assert.Error(t, err)
}
