package channels

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/sipeed/maxbridge/pkg/bus"
	"github.com/sipeed/maxbridge/pkg/config"
	"github.com/sipeed/maxbridge/pkg/logger"
	"github.com/sipeed/maxbridge/pkg/utils"
)

const (
	telegramMessageLimit = 4096
	telegramCaptionLimit = 1024
)

type TelegramChannel struct {
	*BaseChannel
	bot    *telego.Bot
	chatID telego.ChatID
	config config.TelegramConfig
}

func NewTelegramChannel(cfg config.TelegramConfig) (*TelegramChannel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", cfg.ChatID),
		bot:         bot,
		chatID:      parseChatID(cfg.ChatID),
		config:      cfg,
	}, nil
}

// parseChatID accepts a numeric chat id or a public @username.
func parseChatID(raw string) telego.ChatID {
	raw = strings.TrimSpace(raw)
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return tu.ID(id)
	}
	if !strings.HasPrefix(raw, "@") {
		raw = "@" + raw
	}
	return tu.Username(raw)
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoC("telegram", "Starting Telegram sink")

	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bot info: %w", err)
	}

	c.setRunning(true)
	logger.InfoCF("telegram", "Telegram bot connected", map[string]any{
		"username": me.Username,
		"chat_id":  c.Target(),
	})
	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram sink")
	c.setRunning(false)
	return nil
}

func (c *TelegramChannel) SendText(ctx context.Context, scope bus.Scope, text string, label bus.Label) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	params := tu.Message(c.chatID, utils.Truncate(text, telegramMessageLimit))
	if kb := labelKeyboard(label); kb != nil {
		params = params.WithReplyMarkup(kb)
	}
	return c.send(ctx, "message", func(ctx context.Context) error {
		_, err := c.bot.SendMessage(ctx, params)
		return err
	})
}

func (c *TelegramChannel) SendMedia(ctx context.Context, file bus.MediaFile, caption string, label bus.Label) error {
	input := inputFile(file)
	caption = utils.Truncate(caption, telegramCaptionLimit)
	kb := labelKeyboard(label)

	var send func(ctx context.Context) error
	switch file.Kind {
	case bus.MediaPhoto:
		params := tu.Photo(c.chatID, input).WithCaption(caption)
		if kb != nil {
			params = params.WithReplyMarkup(kb)
		}
		send = func(ctx context.Context) error {
			_, err := c.bot.SendPhoto(ctx, params)
			return err
		}
	case bus.MediaVideo:
		params := tu.Video(c.chatID, input).WithCaption(caption)
		if kb != nil {
			params = params.WithReplyMarkup(kb)
		}
		send = func(ctx context.Context) error {
			_, err := c.bot.SendVideo(ctx, params)
			return err
		}
	case bus.MediaVoice:
		params := tu.Voice(c.chatID, input).WithCaption(caption)
		if kb != nil {
			params = params.WithReplyMarkup(kb)
		}
		send = func(ctx context.Context) error {
			_, err := c.bot.SendVoice(ctx, params)
			return err
		}
	case bus.MediaAudio:
		params := tu.Audio(c.chatID, input).WithCaption(caption)
		if kb != nil {
			params = params.WithReplyMarkup(kb)
		}
		send = func(ctx context.Context) error {
			_, err := c.bot.SendAudio(ctx, params)
			return err
		}
	case bus.MediaVideoNote:
		params := tu.VideoNote(c.chatID, input)
		if kb != nil {
			params = params.WithReplyMarkup(kb)
		}
		send = func(ctx context.Context) error {
			_, err := c.bot.SendVideoNote(ctx, params)
			return err
		}
	case bus.MediaDocument:
		params := tu.Document(c.chatID, input).WithCaption(caption)
		if kb != nil {
			params = params.WithReplyMarkup(kb)
		}
		send = func(ctx context.Context) error {
			_, err := c.bot.SendDocument(ctx, params)
			return err
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, file.Kind)
	}

	return c.send(ctx, string(file.Kind), send)
}

// SendMediaGroup sends photos and videos as one album. Telegram albums carry
// no reply markup, so the label is left to the caption message that follows.
func (c *TelegramChannel) SendMediaGroup(ctx context.Context, files []bus.MediaFile, label bus.Label) error {
	media := make([]telego.InputMedia, 0, len(files))
	for _, f := range files {
		switch f.Kind {
		case bus.MediaPhoto:
			media = append(media, tu.MediaPhoto(inputFile(f)))
		case bus.MediaVideo:
			media = append(media, tu.MediaVideo(inputFile(f)))
		default:
			return fmt.Errorf("%w in media group: %s", ErrUnsupported, f.Kind)
		}
	}

	params := tu.MediaGroup(c.chatID, media...)
	return c.send(ctx, "media group", func(ctx context.Context) error {
		_, err := c.bot.SendMediaGroup(ctx, params)
		return err
	})
}

func inputFile(f bus.MediaFile) telego.InputFile {
	return tu.File(tu.NameReader(bytes.NewReader(f.Data), f.Name))
}

// labelKeyboard renders the label as a single inert inline button.
func labelKeyboard(label bus.Label) *telego.InlineKeyboardMarkup {
	text := label.String()
	if text == "" {
		return nil
	}
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(text).WithCallbackData("noop"),
		),
	)
}
