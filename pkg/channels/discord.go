package channels

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/maxbridge/pkg/bus"
	"github.com/sipeed/maxbridge/pkg/config"
	"github.com/sipeed/maxbridge/pkg/logger"
	"github.com/sipeed/maxbridge/pkg/utils"
)

const (
	discordMessageLimit = 2000
	discordLabelLimit   = 80
)

// DiscordChannel posts notifications to one Discord channel through the REST
// API. The gateway is never opened.
type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig
}

func NewDiscordChannel(cfg config.DiscordConfig) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", cfg.ChannelID),
		session:     session,
		config:      cfg,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord sink")

	botUser, err := c.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}

	c.setRunning(true)
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username":   botUser.Username,
		"user_id":    botUser.ID,
		"channel_id": c.Target(),
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord sink")
	c.setRunning(false)

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func (c *DiscordChannel) SendText(ctx context.Context, scope bus.Scope, text string, label bus.Label) error {
	msg := &discordgo.MessageSend{
		Content:    utils.Truncate(text, discordMessageLimit),
		Components: discordLabel(label),
	}
	return c.post(ctx, "message", msg)
}

func (c *DiscordChannel) SendMedia(ctx context.Context, file bus.MediaFile, caption string, label bus.Label) error {
	// video notes and voice messages arrive as regular file uploads
	msg := &discordgo.MessageSend{
		Content:    utils.Truncate(caption, discordMessageLimit),
		Components: discordLabel(label),
		Files:      []*discordgo.File{discordFile(file)},
	}
	return c.post(ctx, string(file.Kind), msg)
}

func (c *DiscordChannel) SendMediaGroup(ctx context.Context, files []bus.MediaFile, label bus.Label) error {
	msg := &discordgo.MessageSend{Components: discordLabel(label)}
	for _, f := range files {
		msg.Files = append(msg.Files, discordFile(f))
	}
	return c.post(ctx, "media group", msg)
}

func (c *DiscordChannel) post(ctx context.Context, what string, msg *discordgo.MessageSend) error {
	return c.send(ctx, what, func(ctx context.Context) error {
		_, err := c.session.ChannelMessageSendComplex(c.Target(), msg, discordgo.WithContext(ctx))
		return err
	})
}

func discordFile(f bus.MediaFile) *discordgo.File {
	return &discordgo.File{
		Name:   f.Name,
		Reader: bytes.NewReader(f.Data),
	}
}

// discordLabel renders the label as a disabled button.
func discordLabel(label bus.Label) []discordgo.MessageComponent {
	text := label.String()
	if text == "" {
		return nil
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    utils.Truncate(text, discordLabelLimit),
					Style:    discordgo.SecondaryButton,
					Disabled: true,
					CustomID: "label",
				},
			},
		},
	}
}
