package config

import (
	"errors"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is read once at startup and immutable afterward.
type Config struct {
	// BotToken authenticates outbound Telegram calls. Required.
	BotToken string `koanf:"bot_token"`

	// DefaultChatID receives deliveries whose key carries no binding.
	// Required unless every configured key binds its own chat.
	DefaultChatID string `koanf:"default_chat_id"`

	// APIKeys is a comma-separated list of "key" or "key:chat_id" entries.
	// Empty means open mode: every request is authorized.
	APIKeys string `koanf:"api_keys"`

	// DefaultThreadID is the fallback forum topic when payloads omit one.
	DefaultThreadID int `koanf:"default_thread_id"`

	// DisableLinkPreview suppresses Telegram link previews. Defaults to true.
	DisableLinkPreview bool `koanf:"disable_link_preview"`

	ServerPort int `koanf:"server_port"`
}

// Load reads configuration from an optional YAML file layered under
// TELEHOOK_-prefixed environment variables; env always wins. A .env file,
// if any, is expected to have been loaded into the environment already
// (godotenv in main), which never overwrites externally-set values.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider("TELEHOOK_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "TELEHOOK_"))
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("disable_link_preview") {
		k.Set("disable_link_preview", true)
	}
	if !k.Exists("server_port") {
		k.Set("server_port", 8080)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values the process cannot run without. The
// destination invariant (default chat or at least one bound key) is
// enforced against the parsed tenant registry at boot.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BotToken) == "" {
		return errors.New("TELEHOOK_BOT_TOKEN is required")
	}
	return nil
}
