package max

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrTimeout        = errors.New("max: request timed out")
	ErrConnectionLost = errors.New("max: connection lost")
)

// ServerError is returned for requests the server answered with cmd=3.
type ServerError struct {
	Opcode  Opcode
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("max: %s request failed: %s", e.Opcode, e.Code)
	}
	return fmt.Sprintf("max: %s request failed: %s: %s", e.Opcode, e.Code, e.Message)
}

// IsServerError checks whether err is a *ServerError with the given code.
func IsServerError(err error, code string) bool {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Code == code
	}
	return false
}

type result struct {
	frame Frame
	err   error
}

type pendingRequest struct {
	opcode Opcode
	issued time.Time
	done   chan result // capacity 1, written exactly once
}

// Correlator matches replies to outstanding requests by sequence number.
// One Correlator lives exactly as long as one connection.
type Correlator struct {
	send    func([]byte) error
	timeout time.Duration

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]*pendingRequest
	closed  error
}

// NewCorrelator returns a correlator that writes encoded frames with send and
// gives up on replies after timeout.
func NewCorrelator(send func([]byte) error, timeout time.Duration) *Correlator {
	return &Correlator{
		send:    send,
		timeout: timeout,
		pending: make(map[uint64]*pendingRequest),
	}
}

// Next returns a sequence number greater than every one issued before.
func (c *Correlator) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Post writes a frame that expects no reply.
func (c *Correlator) Post(op Opcode, payload any) (uint64, error) {
	if err := c.Err(); err != nil {
		return 0, err
	}
	seq := c.Next()
	data, err := EncodeFrame(seq, op, payload)
	if err != nil {
		return 0, err
	}
	if err := c.send(data); err != nil {
		return 0, fmt.Errorf("failed to send %s frame: %w", op, err)
	}
	return seq, nil
}

// Request sends a frame and waits for the reply carrying the same sequence.
// It fails with ErrTimeout when no reply arrives in time and with
// ErrConnectionLost when the connection goes away first.
func (c *Correlator) Request(ctx context.Context, op Opcode, payload any) (Frame, error) {
	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return Frame{}, err
	}
	c.seq++
	seq := c.seq
	req := &pendingRequest{opcode: op, issued: time.Now(), done: make(chan result, 1)}
	c.pending[seq] = req
	c.mu.Unlock()

	defer c.remove(seq)

	data, err := EncodeFrame(seq, op, payload)
	if err != nil {
		return Frame{}, err
	}
	if err := c.send(data); err != nil {
		return Frame{}, fmt.Errorf("failed to send %s request: %w", op, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-req.done:
		return res.frame, res.err
	case <-timer.C:
		return Frame{}, fmt.Errorf("%w: %s seq=%d after %v", ErrTimeout, op, seq, c.timeout)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Resolve hands a reply to the request waiting on its sequence. It reports
// whether the frame was consumed; unconsumed frames are events.
func (c *Correlator) Resolve(f Frame) bool {
	if !f.IsReply() || f.Seq == 0 {
		return false
	}

	c.mu.Lock()
	req, ok := c.pending[f.Seq]
	if ok {
		delete(c.pending, f.Seq)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	res := result{frame: f}
	if f.Cmd == CmdError {
		res.err = serverError(req.opcode, f)
	}
	req.done <- res
	return true
}

// FailAll fails every outstanding request with err and makes later requests
// fail immediately.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	c.mu.Unlock()

	for _, req := range pending {
		req.done <- result{err: err}
	}
}

// Err returns the teardown error, or nil while the correlator is live.
func (c *Correlator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Oldest returns the issue time of the longest outstanding request.
func (c *Correlator) Oldest() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var oldest time.Time
	for _, req := range c.pending {
		if oldest.IsZero() || req.issued.Before(oldest) {
			oldest = req.issued
		}
	}
	return oldest, !oldest.IsZero()
}

func (c *Correlator) remove(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func serverError(op Opcode, f Frame) error {
	var p ErrorPayload
	if len(f.Payload) > 0 {
		_ = json.Unmarshal(f.Payload, &p)
	}
	if p.Error == "" {
		p.Error = "unknown"
	}
	msg := p.LocalizedMessage
	if msg == "" {
		msg = p.Message
	}
	return &ServerError{Opcode: op, Code: p.Error, Message: msg}
}
