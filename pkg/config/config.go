// Package config loads the bridge configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

type Config struct {
	Max      MaxConfig      `envPrefix:"MAX_"`
	Relay    RelayConfig    `envPrefix:"RELAY_"`
	Telegram TelegramConfig `envPrefix:"TELEGRAM_"`
	Discord  DiscordConfig  `envPrefix:"DISCORD_"`
	Slack    SlackConfig    `envPrefix:"SLACK_"`
	Log      LogConfig      `envPrefix:"LOG_"`
}

// MaxConfig describes the upstream MAX session.
type MaxConfig struct {
	Token            string        `env:"TOKEN,required,notEmpty"`
	URI              string        `env:"WS_URI" envDefault:"wss://ws-api.oneme.ru/websocket"`
	Origin           string        `env:"WS_ORIGIN" envDefault:"https://web.max.ru"`
	UserAgent        string        `env:"USER_AGENT" envDefault:"Mozilla/5.0"`
	DeviceID         string        `env:"DEVICE_ID"`
	DeviceName       string        `env:"DEVICE_NAME" envDefault:"Firefox"`
	AppVersion       string        `env:"APP_VERSION" envDefault:"25.7.11"`
	Locale           string        `env:"LOCALE" envDefault:"ru"`
	Timezone         string        `env:"TIMEZONE" envDefault:"Europe/Moscow"`
	ChatsCount       int           `env:"CHATS_COUNT" envDefault:"40"`
	AllowedChatIDs   []string      `env:"ALLOWED_CHAT_IDS" envSeparator:","`
	ReconnectDelay   time.Duration `env:"RECONNECT_DELAY" envDefault:"5s"`
	RequestTimeout   time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	PingInterval     time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
}

type RelayConfig struct {
	MaxFileSize     int64         `env:"MAX_FILE_SIZE" envDefault:"52428800"`
	AlbumLimit      int           `env:"ALBUM_LIMIT" envDefault:"10"`
	DownloadTimeout time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"2m"`
}

type TelegramConfig struct {
	Token  string `env:"BOT_TOKEN"`
	ChatID string `env:"CHAT_ID"`
}

func (c TelegramConfig) Enabled() bool { return c.Token != "" || c.ChatID != "" }

type DiscordConfig struct {
	Token     string `env:"BOT_TOKEN"`
	ChannelID string `env:"CHANNEL_ID"`
}

func (c DiscordConfig) Enabled() bool { return c.Token != "" || c.ChannelID != "" }

type SlackConfig struct {
	Token     string `env:"BOT_TOKEN"`
	ChannelID string `env:"CHANNEL_ID"`
}

func (c SlackConfig) Enabled() bool { return c.Token != "" || c.ChannelID != "" }

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"text"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom reads configuration from the given variables instead of the process
// environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	ids := c.Max.AllowedChatIDs[:0]
	for _, id := range c.Max.AllowedChatIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	c.Max.AllowedChatIDs = ids

	if c.Max.DeviceID == "" {
		c.Max.DeviceID = uuid.NewString()
	}
}

// Validate checks that the upstream session and at least one sink are usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Max.ChatsCount <= 0 {
		errs = append(errs, errors.New("MAX_CHATS_COUNT must be > 0"))
	}
	if c.Max.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("MAX_RECONNECT_DELAY must be > 0"))
	}
	if c.Max.RequestTimeout <= 0 {
		errs = append(errs, errors.New("MAX_REQUEST_TIMEOUT must be > 0"))
	}
	if c.Max.PingInterval < 0 {
		errs = append(errs, errors.New("MAX_PING_INTERVAL cannot be negative"))
	}
	if c.Relay.MaxFileSize <= 0 {
		errs = append(errs, errors.New("RELAY_MAX_FILE_SIZE must be > 0"))
	}
	if c.Relay.AlbumLimit < 2 {
		errs = append(errs, errors.New("RELAY_ALBUM_LIMIT must be >= 2"))
	}

	if c.Telegram.Enabled() && (c.Telegram.Token == "" || c.Telegram.ChatID == "") {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}
	if c.Discord.Enabled() && (c.Discord.Token == "" || c.Discord.ChannelID == "") {
		errs = append(errs, errors.New("DISCORD_BOT_TOKEN and DISCORD_CHANNEL_ID must be set together"))
	}
	if c.Slack.Enabled() && (c.Slack.Token == "" || c.Slack.ChannelID == "") {
		errs = append(errs, errors.New("SLACK_BOT_TOKEN and SLACK_CHANNEL_ID must be set together"))
	}
	if !c.Telegram.Enabled() && !c.Discord.Enabled() && !c.Slack.Enabled() {
		errs = append(errs, errors.New("no sink configured: set TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID"))
	}

	return errors.Join(errs...)
}

// AllowedChats returns the group allow-set. An empty set allows every group.
func (c *Config) AllowedChats() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Max.AllowedChatIDs))
	for _, id := range c.Max.AllowedChatIDs {
		set[id] = struct{}{}
	}
	return set
}
