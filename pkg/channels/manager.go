package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sipeed/maxbridge/pkg/bus"
	"github.com/sipeed/maxbridge/pkg/config"
	"github.com/sipeed/maxbridge/pkg/logger"
	"github.com/sipeed/maxbridge/pkg/relay"
)

var _ relay.Sink = (*Manager)(nil)

// Manager owns the configured channels and fans every notification out to
// the ones that are running.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	order    []string
}

func NewManager(cfg *config.Config) (*Manager, error) {
	m := newManager()

	if cfg.Telegram.Enabled() {
		logger.DebugC("channels", "Attempting to initialize Telegram channel")
		ch, err := NewTelegramChannel(cfg.Telegram)
		if err != nil {
			return nil, err
		}
		m.add(ch)
	}
	if cfg.Discord.Enabled() {
		logger.DebugC("channels", "Attempting to initialize Discord channel")
		ch, err := NewDiscordChannel(cfg.Discord)
		if err != nil {
			return nil, err
		}
		m.add(ch)
	}
	if cfg.Slack.Enabled() {
		logger.DebugC("channels", "Attempting to initialize Slack channel")
		ch, err := NewSlackChannel(cfg.Slack)
		if err != nil {
			return nil, err
		}
		m.add(ch)
	}

	if len(m.order) == 0 {
		return nil, errors.New("no channels configured")
	}
	logger.InfoCF("channels", "Channels initialized", map[string]any{
		"enabled": m.order,
	})
	return m, nil
}

func newManager(chs ...Channel) *Manager {
	m := &Manager{channels: make(map[string]Channel)}
	for _, ch := range chs {
		m.add(ch)
	}
	return m
}

func (m *Manager) add(ch Channel) {
	m.channels[ch.Name()] = ch
	m.order = append(m.order, ch.Name())
}

// StartAll starts every channel. A channel that fails to start is logged and
// left stopped; StartAll fails only when none could start.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	started := 0
	for _, name := range m.order {
		logger.InfoCF("channels", "Starting channel", map[string]any{"channel": name})
		if err := m.channels[name].Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		started++
	}

	if started == 0 {
		return fmt.Errorf("failed to start any channel: %w", errors.Join(errs...))
	}
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for _, name := range m.order {
		ch := m.channels[name]
		if !ch.IsRunning() {
			continue
		}
		if err := ch.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) SendText(ctx context.Context, scope bus.Scope, text string, label bus.Label) error {
	return m.fanOut(ctx, func(ctx context.Context, ch Channel) error {
		return ch.SendText(ctx, scope, text, label)
	})
}

func (m *Manager) SendMedia(ctx context.Context, file bus.MediaFile, caption string, label bus.Label) error {
	return m.fanOut(ctx, func(ctx context.Context, ch Channel) error {
		return ch.SendMedia(ctx, file, caption, label)
	})
}

func (m *Manager) SendMediaGroup(ctx context.Context, files []bus.MediaFile, label bus.Label) error {
	return m.fanOut(ctx, func(ctx context.Context, ch Channel) error {
		return ch.SendMediaGroup(ctx, files, label)
	})
}

// fanOut calls fn on every running channel concurrently and joins the errors.
func (m *Manager) fanOut(ctx context.Context, fn func(context.Context, Channel) error) error {
	m.mu.RLock()
	targets := make([]Channel, 0, len(m.order))
	for _, name := range m.order {
		if ch := m.channels[name]; ch.IsRunning() {
			targets = append(targets, ch)
		}
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNotRunning
	}

	errs := make([]error, len(targets))
	var g errgroup.Group
	for i, ch := range targets {
		g.Go(func() error {
			errs[i] = fn(ctx, ch)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
