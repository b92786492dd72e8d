// Package config provides YAML-based configuration loading for Valery.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Valery configuration, loaded from valery.yaml.
type Config struct {
	Platform  string          `yaml:"platform"` // "discord" or "slack"
	Debug     bool            `yaml:"debug"`    // verbose error reporting to chat
	Discord   DiscordConfig   `yaml:"discord"`
	Slack     SlackConfig     `yaml:"slack"`
	Database  DatabaseConfig  `yaml:"database"`
	Assistant AssistantConfig `yaml:"assistant"`
	Tokenizer TokenizerConfig `yaml:"tokenizer"`
	ChatModes []ChatMode      `yaml:"chat_modes"`
	Menu      MenuConfig      `yaml:"menu"`
	Digest    DigestConfig    `yaml:"digest"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Pricing   PricingConfig   `yaml:"pricing"`
}

// DiscordConfig holds Discord bot credentials and channel routing.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"` // default channel for operator posts
}

// SlackConfig holds Slack socket-mode credentials and channel routing.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"` // default channel for operator posts
}

// DatabaseConfig selects the GORM backend. Driver "sqlite" uses Path;
// driver "mysql" uses Host/Port/Name.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Name   string `yaml:"name"`
}

// AssistantConfig holds the model backend settings and the streaming knobs.
type AssistantConfig struct {
	APIKey        string  `yaml:"api_key"`
	BaseURL       string  `yaml:"base_url"`
	Model         string  `yaml:"model"`
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
	ContextTokens int     `yaml:"context_tokens"` // token budget for prompt + history + message
	Streaming     bool    `yaml:"streaming"`
	// StreamUpdateChars is the accumulated-growth threshold (in characters)
	// that triggers an outbound edit while streaming.
	StreamUpdateChars int `yaml:"stream_update_chars"`
	// StreamEditDelayMs is the fixed pause between consecutive edits.
	StreamEditDelayMs int `yaml:"stream_edit_delay_ms"`
	// TypingIntervalSec is the keepalive typing-indicator period.
	TypingIntervalSec int `yaml:"typing_interval_sec"`
}

// TokenizerConfig describes the external token-count oracle subprocess.
type TokenizerConfig struct {
	Command []string `yaml:"command"` // e.g. ["node", "tokenizer/main.mjs"]
}

// ChatMode is one selectable assistant persona.
type ChatMode struct {
	Key       string `yaml:"key"`
	Name      string `yaml:"name"`
	Welcome   string `yaml:"welcome_message"`
	Prompt    string `yaml:"prompt_start"`
	ParseMode string `yaml:"parse_mode"` // "plain" or "markdown"
	// NoStream exempts the mode from streaming delivery. Code-oriented
	// modes set this so fenced blocks are never chopped across edits.
	NoStream bool `yaml:"no_stream"`
}

// MenuConfig controls the chat-mode selection menu.
type MenuConfig struct {
	ModesPerPage int `yaml:"modes_per_page"`
}

// DigestConfig controls the cron-scheduled usage digest.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"` // 5-field cron expression
}

// DashboardConfig controls the operator HTTP dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// PricingConfig holds billing rates in micro-dollars.
type PricingConfig struct {
	// TokenPriceMicros is the price of one completion token.
	TokenPriceMicros int64 `yaml:"token_price_micros"`
	// TranscriptionMinutePriceMicros is the price of one transcribed minute.
	TranscriptionMinutePriceMicros int64 `yaml:"transcription_minute_price_micros"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Platform == "" {
		c.Platform = "discord"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "valery.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Name == "" {
		c.Database.Name = "valery"
	}
	if c.Assistant.Model == "" {
		c.Assistant.Model = "gpt-4o-mini"
	}
	if c.Assistant.Temperature == 0 {
		c.Assistant.Temperature = 0.7
	}
	if c.Assistant.MaxTokens == 0 {
		c.Assistant.MaxTokens = 1000
	}
	if c.Assistant.ContextTokens == 0 {
		c.Assistant.ContextTokens = 4096
	}
	if c.Assistant.StreamUpdateChars == 0 {
		c.Assistant.StreamUpdateChars = 80
	}
	if c.Assistant.StreamEditDelayMs == 0 {
		c.Assistant.StreamEditDelayMs = 10
	}
	if c.Assistant.TypingIntervalSec == 0 {
		c.Assistant.TypingIntervalSec = 5
	}
	if c.Menu.ModesPerPage == 0 {
		c.Menu.ModesPerPage = 5
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	for i := range c.ChatModes {
		if c.ChatModes[i].ParseMode == "" {
			c.ChatModes[i].ParseMode = "plain"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case "discord":
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required")
		}
	case "slack":
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("platform %q is not supported (discord, slack)", c.Platform))
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "mysql" {
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.Assistant.APIKey == "" {
		errs = append(errs, "assistant.api_key is required")
	}
	if len(c.Tokenizer.Command) == 0 {
		errs = append(errs, "tokenizer.command is required")
	}
	if len(c.ChatModes) == 0 {
		errs = append(errs, "at least one chat mode is required")
	}
	seen := make(map[string]bool)
	for i, m := range c.ChatModes {
		if m.Key == "" {
			errs = append(errs, fmt.Sprintf("chat_modes[%d].key is required", i))
		}
		if m.Name == "" {
			errs = append(errs, fmt.Sprintf("chat_modes[%d].name is required", i))
		}
		if m.Prompt == "" {
			errs = append(errs, fmt.Sprintf("chat_modes[%d].prompt_start is required", i))
		}
		if m.ParseMode != "plain" && m.ParseMode != "markdown" {
			errs = append(errs, fmt.Sprintf("chat_modes[%d].parse_mode %q is not supported (plain, markdown)", i, m.ParseMode))
		}
		if seen[m.Key] {
			errs = append(errs, fmt.Sprintf("chat_modes[%d].key %q is duplicated", i, m.Key))
		}
		seen[m.Key] = true
	}
	if c.Menu.ModesPerPage < 0 {
		errs = append(errs, fmt.Sprintf("menu.modes_per_page must be positive, got %d", c.Menu.ModesPerPage))
	}
	if c.Digest.Enabled && c.Digest.Cron == "" {
		errs = append(errs, "digest.cron is required when digest is enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Mode returns the chat mode with the given key, or nil if absent.
func (c *Config) Mode(key string) *ChatMode {
	for i := range c.ChatModes {
		if c.ChatModes[i].Key == key {
			return &c.ChatModes[i]
		}
	}
	return nil
}

// DefaultModeKey returns the key of the first configured chat mode.
func (c *Config) DefaultModeKey() string {
	if len(c.ChatModes) == 0 {
		return ""
	}
	return c.ChatModes[0].Key
}
