package max

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/maxbridge/pkg/logger"
)

type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateSynced
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateSynced:
		return "synced"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var ErrSessionClosed = errors.New("max: session closed")

// Handler receives every frame read from a session, in arrival order, on the
// receive goroutine. Implementations must not block on network I/O.
type Handler interface {
	HandleFrame(ctx context.Context, s *Session, f Frame) error
}

type HandlerFunc func(ctx context.Context, s *Session, f Frame) error

func (fn HandlerFunc) HandleFrame(ctx context.Context, s *Session, f Frame) error {
	return fn(ctx, s, f)
}

// Session is one live connection. It owns the sequence counter, the pending
// request registry, and the group directory; all of them die with it.
type Session struct {
	number       int64
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	corr    *Correlator
	groups  *GroupDirectory
	state   atomic.Int32

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(number int64, conn *websocket.Conn, requestTimeout, writeTimeout time.Duration) *Session {
	s := &Session{
		number:       number,
		conn:         conn,
		writeTimeout: writeTimeout,
		groups:       NewGroupDirectory(),
		done:         make(chan struct{}),
	}
	s.corr = NewCorrelator(s.write, requestTimeout)
	s.state.Store(int32(StateConnecting))
	return s
}

// Number identifies the session among all sessions of one supervisor.
func (s *Session) Number() int64 { return s.number }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) Groups() *GroupDirectory { return s.groups }

func (s *Session) Correlator() *Correlator { return s.corr }

// Done is closed once the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Request sends a correlated request and waits for its reply.
func (s *Session) Request(ctx context.Context, op Opcode, payload any) (Frame, error) {
	return s.corr.Request(ctx, op, payload)
}

// Resolve offers a frame to the pending request registry.
func (s *Session) Resolve(f Frame) bool {
	return s.corr.Resolve(f)
}

func (s *Session) write(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// handshake sends the client hello, discards its single reply, then sends
// auth+sync. The sync reply is handled by the receive loop like any frame.
func (s *Session) handshake(opts Options) error {
	s.setState(StateHandshaking)

	hello := HelloPayload{UserAgent: opts.UserAgent, DeviceID: opts.DeviceID}
	if _, err := s.corr.Post(OpHello, hello); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	if opts.HandshakeTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(opts.HandshakeTimeout))
	}
	if _, _, err := s.conn.ReadMessage(); err != nil {
		return fmt.Errorf("failed to read hello reply: %w", err)
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	auth := AuthSyncPayload{
		Interactive: false,
		Token:       opts.Token,
		ChatsCount:  opts.ChatsCount,
	}
	if _, err := s.corr.Post(OpSync, auth); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	s.setState(StateSynced)
	return nil
}

// receive reads frames until the transport fails. Malformed frames and
// handler failures are logged and skipped.
func (s *Session) receive(ctx context.Context, h Handler) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}

		f, err := ParseFrame(data)
		if err != nil {
			logger.WarnCF("max", "Dropping malformed frame", map[string]any{
				"error":   err.Error(),
				"session": s.number,
				"bytes":   len(data),
			})
			continue
		}

		if err := s.dispatch(ctx, h, f); err != nil {
			logger.WarnCF("max", "Frame handling failed", map[string]any{
				"error":   err.Error(),
				"opcode":  f.Opcode.String(),
				"seq":     f.Seq,
				"session": s.number,
			})
		}
	}
}

func (s *Session) dispatch(ctx context.Context, h Handler, f Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h.HandleFrame(ctx, s, f)
}

func (s *Session) ping() error {
	_, err := s.corr.Post(OpPing, PingPayload{Interactive: false})
	return err
}

// close tears the session down. Every pending request fails at once with
// ErrConnectionLost.
func (s *Session) close(cause error) {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)

		lost := ErrConnectionLost
		if cause != nil {
			lost = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
		}

		fields := map[string]any{
			"session": s.number,
			"pending": s.corr.Pending(),
		}
		if oldest, ok := s.corr.Oldest(); ok {
			fields["oldest_pending"] = time.Since(oldest).Round(time.Millisecond).String()
		}
		s.corr.FailAll(lost)
		_ = s.conn.Close()

		logger.DebugCF("max", "Session closed", fields)
	})
}
