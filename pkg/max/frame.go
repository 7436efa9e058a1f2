// Package max implements a client session for the MAX messenger websocket
// protocol: frame codec, sequence-correlated requests, the group directory, and
// a supervisor that keeps one session alive with reconnects.
//
// Every frame is a JSON object:
//
//	{"ver": 11, "cmd": 0, "seq": 7, "opcode": 32, "payload": {...}}
//
// cmd is 0 for requests and server pushes, 1 for replies and 3 for error
// replies. Replies echo the seq of the request they answer.
package max

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const ProtocolVersion = 11

type Opcode int

const (
	OpPing          Opcode = 1
	OpHello         Opcode = 6
	OpSync          Opcode = 19
	OpContacts      Opcode = 32
	OpDirectMessage Opcode = 64
	OpVideoURL      Opcode = 83
	OpFileURL       Opcode = 88
	OpGroupMessage  Opcode = 128
)

var opcodeNames = map[Opcode]string{
	OpPing:          "ping",
	OpHello:         "hello",
	OpSync:          "sync",
	OpContacts:      "contacts",
	OpDirectMessage: "direct_message",
	OpVideoURL:      "video_url",
	OpFileURL:       "file_url",
	OpGroupMessage:  "group_message",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", int(o))
}

const (
	CmdRequest  = 0
	CmdResponse = 1
	CmdError    = 3
)

var ErrMalformedFrame = errors.New("max: malformed frame")

// Frame is one unit exchanged over the connection. Seq is 0 when the frame
// carries no sequence; issued sequences start at 1.
type Frame struct {
	Ver     int             `json:"ver"`
	Cmd     int             `json:"cmd"`
	Seq     uint64          `json:"seq"`
	Opcode  Opcode          `json:"opcode"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsReply reports whether the frame answers a client request.
func (f Frame) IsReply() bool {
	return f.Cmd == CmdResponse || f.Cmd == CmdError
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s frame has no payload", ErrMalformedFrame, f.Opcode)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Opcode, err)
	}
	return nil
}

// ParseFrame decodes one inbound frame. The opcode is mandatory and the
// payload, when present, must be a JSON object.
func ParseFrame(data []byte) (Frame, error) {
	var raw struct {
		Ver     int             `json:"ver"`
		Cmd     int             `json:"cmd"`
		Seq     *uint64         `json:"seq"`
		Opcode  *Opcode         `json:"opcode"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if raw.Opcode == nil {
		return Frame{}, fmt.Errorf("%w: missing opcode", ErrMalformedFrame)
	}

	f := Frame{Ver: raw.Ver, Cmd: raw.Cmd, Opcode: *raw.Opcode}
	if raw.Seq != nil {
		f.Seq = *raw.Seq
	}

	payload := bytes.TrimSpace(raw.Payload)
	switch {
	case len(payload) == 0 || bytes.Equal(payload, []byte("null")):
	case payload[0] == '{':
		f.Payload = payload
	default:
		return Frame{}, fmt.Errorf("%w: payload is not an object", ErrMalformedFrame)
	}
	return f, nil
}

// EncodeFrame builds an outbound request frame.
func EncodeFrame(seq uint64, op Opcode, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", op, err)
	}
	return json.Marshal(Frame{
		Ver:     ProtocolVersion,
		Cmd:     CmdRequest,
		Seq:     seq,
		Opcode:  op,
		Payload: body,
	})
}
