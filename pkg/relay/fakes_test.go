package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sipeed/maxbridge/pkg/bus"
	"github.com/sipeed/maxbridge/pkg/max"
	"github.com/sipeed/maxbridge/pkg/utils"
)

type sinkCall struct {
	method  string
	scope   bus.Scope
	text    string
	caption string
	label   bus.Label
	files   []bus.MediaFile
}

// recordingSink records every call. rejectKinds makes SendMedia fail for the
// listed media kinds.
type recordingSink struct {
	mu          sync.Mutex
	calls       []sinkCall
	rejectKinds map[bus.MediaKind]bool
	failText    bool
}

func (s *recordingSink) SendText(_ context.Context, scope bus.Scope, text string, label bus.Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{method: "text", scope: scope, text: text, label: label})
	if s.failText {
		return errors.New("text rejected")
	}
	return nil
}

func (s *recordingSink) SendMedia(_ context.Context, file bus.MediaFile, caption string, label bus.Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{method: "media", caption: caption, label: label, files: []bus.MediaFile{file}})
	if s.rejectKinds[file.Kind] {
		return fmt.Errorf("%s rejected", file.Kind)
	}
	return nil
}

func (s *recordingSink) SendMediaGroup(_ context.Context, files []bus.MediaFile, label bus.Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{method: "group", label: label, files: files})
	return nil
}

func (s *recordingSink) snapshot() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

func (s *recordingSink) count(method string) int {
	n := 0
	for _, c := range s.snapshot() {
		if c.method == method {
			n++
		}
	}
	return n
}

type sentRequest struct {
	op      max.Opcode
	payload []byte
}

// fakeSession answers correlated requests from per-opcode handlers.
type fakeSession struct {
	mu       sync.Mutex
	requests []sentRequest
	replies  map[max.Opcode]func(payload []byte) (any, error)
	groups   *max.GroupDirectory
	resolved map[uint64]bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		replies:  make(map[max.Opcode]func([]byte) (any, error)),
		groups:   max.NewGroupDirectory(),
		resolved: make(map[uint64]bool),
	}
}

func (s *fakeSession) on(op max.Opcode, fn func(payload []byte) (any, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[op] = fn
}

func (s *fakeSession) Request(_ context.Context, op max.Opcode, payload any) (max.Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return max.Frame{}, err
	}

	s.mu.Lock()
	s.requests = append(s.requests, sentRequest{op: op, payload: data})
	fn := s.replies[op]
	s.mu.Unlock()

	if fn == nil {
		return max.Frame{}, max.ErrTimeout
	}
	reply, err := fn(data)
	if err != nil {
		return max.Frame{}, err
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return max.Frame{}, err
	}
	return max.Frame{Ver: max.ProtocolVersion, Cmd: max.CmdResponse, Opcode: op, Payload: body}, nil
}

func (s *fakeSession) Resolve(f max.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return f.IsReply() && s.resolved[f.Seq]
}

func (s *fakeSession) Groups() *max.GroupDirectory { return s.groups }

func (s *fakeSession) sent(op max.Opcode) []sentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentRequest
	for _, r := range s.requests {
		if r.op == op {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeSession) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func contactsReply(id, name string) func([]byte) (any, error) {
	return func([]byte) (any, error) {
		return map[string]any{
			"contacts": []any{
				map[string]any{"id": json.Number(id), "names": []any{map[string]any{"name": name}}},
			},
		}, nil
	}
}

// mediaServer serves size bytes on every path except /broken.
type mediaServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits int
}

func newMediaServer(t *testing.T, size int) *mediaServer {
	t.Helper()
	ms := &mediaServer{}
	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.mu.Lock()
		ms.hits++
		ms.mu.Unlock()
		if r.URL.Path == "/broken" {
			http.Error(w, "gone", http.StatusGone)
			return
		}
		w.Write(make([]byte, size))
	}))
	t.Cleanup(ms.Close)
	return ms
}

func (ms *mediaServer) hitCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.hits
}

func newTestForwarder(sink Sink, maxBytes int64) *Forwarder {
	dl := utils.NewDownloader(utils.DownloadOptions{MaxBytes: maxBytes, Timeout: 5 * time.Second})
	return NewForwarder(sink, dl, 10)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
