// Package channels delivers relayed notifications to chat platforms.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sipeed/maxbridge/pkg/bus"
)

const sendTimeout = 30 * time.Second

var (
	ErrNotRunning  = errors.New("channel not running")
	ErrUnsupported = errors.New("media kind not supported by channel")
)

// Channel is one notification target.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool

	SendText(ctx context.Context, scope bus.Scope, text string, label bus.Label) error
	SendMedia(ctx context.Context, file bus.MediaFile, caption string, label bus.Label) error
	SendMediaGroup(ctx context.Context, files []bus.MediaFile, label bus.Label) error
}

type BaseChannel struct {
	name    string
	target  string
	running atomic.Bool
}

func NewBaseChannel(name, target string) *BaseChannel {
	return &BaseChannel{name: name, target: target}
}

func (c *BaseChannel) Name() string { return c.name }

// Target is the platform chat or channel id notifications are posted to.
func (c *BaseChannel) Target() string { return c.target }

func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

func (c *BaseChannel) setRunning(running bool) { c.running.Store(running) }

// send runs fn with a deadline. Platform clients that take no context are
// abandoned on timeout; their result is discarded.
func (c *BaseChannel) send(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	if !c.IsRunning() {
		return fmt.Errorf("%s: %w", c.name, ErrNotRunning)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(sendCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send %s %s: %w", c.name, what, err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send %s %s timeout: %w", c.name, what, sendCtx.Err())
	}
}
