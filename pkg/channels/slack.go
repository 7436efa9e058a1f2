package channels

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/sipeed/maxbridge/pkg/bus"
	"github.com/sipeed/maxbridge/pkg/config"
	"github.com/sipeed/maxbridge/pkg/logger"
	"github.com/sipeed/maxbridge/pkg/utils"
)

const slackSectionLimit = 3000

type SlackChannel struct {
	*BaseChannel
	api    *slack.Client
	config config.SlackConfig
}

func NewSlackChannel(cfg config.SlackConfig) (*SlackChannel, error) {
	if cfg.Token == "" {
		return nil, errors.New("slack bot token is empty")
	}
	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", cfg.ChannelID),
		api:         slack.New(cfg.Token),
		config:      cfg,
	}, nil
}

func (c *SlackChannel) Start(ctx context.Context) error {
	logger.InfoC("slack", "Starting Slack sink")

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to authenticate slack bot: %w", err)
	}

	c.setRunning(true)
	logger.InfoCF("slack", "Slack bot connected", map[string]any{
		"team":       auth.Team,
		"user":       auth.User,
		"channel_id": c.Target(),
	})
	return nil
}

func (c *SlackChannel) Stop(ctx context.Context) error {
	logger.InfoC("slack", "Stopping Slack sink")
	c.setRunning(false)
	return nil
}

func (c *SlackChannel) SendText(ctx context.Context, scope bus.Scope, text string, label bus.Label) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if blocks := slackBlocks(text, label); len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}
	return c.send(ctx, "message", func(ctx context.Context) error {
		_, _, err := c.api.PostMessageContext(ctx, c.Target(), opts...)
		return err
	})
}

func (c *SlackChannel) SendMedia(ctx context.Context, file bus.MediaFile, caption string, label bus.Label) error {
	comment := caption
	if l := label.String(); l != "" {
		if comment != "" {
			comment += "\n"
		}
		comment += l
	}

	return c.send(ctx, string(file.Kind), func(ctx context.Context) error {
		_, err := c.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Channel:        c.Target(),
			Filename:       file.Name,
			FileSize:       len(file.Data),
			Reader:         bytes.NewReader(file.Data),
			InitialComment: comment,
		})
		return err
	})
}

// SendMediaGroup uploads the files one by one; only the first carries the
// label.
func (c *SlackChannel) SendMediaGroup(ctx context.Context, files []bus.MediaFile, label bus.Label) error {
	var errs []error
	for i, f := range files {
		l := bus.Label{}
		if i == 0 {
			l = label
		}
		if err := c.SendMedia(ctx, f, "", l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// slackBlocks renders text as a section with the label as a context line
// below it.
func slackBlocks(text string, label bus.Label) []slack.Block {
	l := label.String()
	if l == "" {
		return nil
	}
	return []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.PlainTextType, utils.Truncate(text, slackSectionLimit), true, false), nil, nil),
		slack.NewContextBlock("", slack.NewTextBlockObject(slack.PlainTextType, l, true, false)),
	}
}
