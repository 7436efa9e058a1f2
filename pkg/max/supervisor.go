package max

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/maxbridge/pkg/logger"
)

const (
	defaultReconnectDelay   = 5 * time.Second
	defaultRequestTimeout   = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultChatsCount       = 40
)

// Options configure a Supervisor.
type Options struct {
	URL       string
	Origin    string
	UserAgent UserAgent
	DeviceID  string
	Token     string

	ChatsCount       int
	ReconnectDelay   time.Duration
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration // 0 disables keepalive pings
}

func (o *Options) setDefaults() {
	if o.ChatsCount <= 0 {
		o.ChatsCount = defaultChatsCount
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.UserAgent.HeaderUserAgent == "" {
		o.UserAgent.HeaderUserAgent = "Mozilla/5.0"
	}
	if o.UserAgent.DeviceType == "" {
		o.UserAgent.DeviceType = "WEB"
	}
}

// Supervisor keeps exactly one session alive: it dials, handshakes, runs the
// receive loop, and after any failure waits ReconnectDelay and starts over.
type Supervisor struct {
	opts    Options
	handler Handler
	dialer  *websocket.Dialer

	sessions atomic.Int64

	mu      sync.RWMutex
	current *Session
}

func NewSupervisor(opts Options, handler Handler) *Supervisor {
	opts.setDefaults()
	return &Supervisor{
		opts:    opts,
		handler: handler,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
}

// Current returns the live session, or nil between sessions.
func (s *Supervisor) Current() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Supervisor) setCurrent(sess *Session) {
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
}

// Run connects and reconnects until ctx is canceled. It never gives up on
// transport errors.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			logger.InfoC("max", "Supervisor stopped")
			return ctx.Err()
		}

		logger.WarnCF("max", "Connection lost, reconnecting", map[string]any{
			"error": errString(err),
			"delay": s.opts.ReconnectDelay.String(),
		})

		timer := time.NewTimer(s.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.InfoC("max", "Supervisor stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Supervisor) runSession(ctx context.Context) error {
	sess, err := s.connect(ctx)
	if err != nil {
		return err
	}

	s.setCurrent(sess)
	defer s.setCurrent(nil)

	stop := context.AfterFunc(ctx, func() { sess.close(ctx.Err()) })
	defer stop()

	if s.opts.PingInterval > 0 {
		go s.keepalive(sess)
	}

	err = sess.receive(ctx, s.handler)
	sess.close(err)
	return err
}

func (s *Supervisor) connect(ctx context.Context) (*Session, error) {
	header := http.Header{}
	if s.opts.Origin != "" {
		header.Set("Origin", s.opts.Origin)
	}
	header.Set("User-Agent", s.opts.UserAgent.HeaderUserAgent)

	conn, resp, err := s.dialer.DialContext(ctx, s.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", s.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", s.opts.URL, err)
	}

	sess := newSession(s.sessions.Add(1), conn, s.opts.RequestTimeout, s.opts.WriteTimeout)
	if err := sess.handshake(s.opts); err != nil {
		sess.close(err)
		return nil, err
	}

	logger.InfoCF("max", "Connected", map[string]any{
		"url":     s.opts.URL,
		"session": sess.Number(),
	})
	return sess, nil
}

func (s *Supervisor) keepalive(sess *Session) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				logger.WarnCF("max", "Keepalive failed, closing connection", map[string]any{
					"error":   err.Error(),
					"session": sess.Number(),
				})
				sess.close(err)
				return
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
