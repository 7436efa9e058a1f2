package max

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type handshake struct {
	origin string
	hello  Frame
	auth   Frame
}

// newMaxServer plays the MAX side of the handshake on every connection, then
// hands the connection to script with its 1-based index.
func newMaxServer(t *testing.T, script func(n int, conn *websocket.Conn)) (string, <-chan handshake) {
	t.Helper()

	handshakes := make(chan handshake, 8)
	var count atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		hello, err := readServerFrame(conn)
		if err != nil {
			t.Errorf("read hello: %v", err)
			return
		}
		writeServerFrame(conn, CmdResponse, hello.Seq, OpHello, `{"location":"RU"}`)

		auth, err := readServerFrame(conn)
		if err != nil {
			t.Errorf("read auth: %v", err)
			return
		}
		handshakes <- handshake{origin: r.Header.Get("Origin"), hello: hello, auth: auth}

		script(int(count.Add(1)), conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), handshakes
}

func readServerFrame(conn *websocket.Conn) (Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	return ParseFrame(data)
}

func writeServerFrame(conn *websocket.Conn, cmd int, seq uint64, op Opcode, payload string) {
	data, _ := json.Marshal(Frame{Ver: ProtocolVersion, Cmd: cmd, Seq: seq, Opcode: op, Payload: json.RawMessage(payload)})
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// collectingHandler resolves replies and forwards every other frame.
func collectingHandler() (Handler, <-chan Frame) {
	events := make(chan Frame, 32)
	return HandlerFunc(func(_ context.Context, s *Session, f Frame) error {
		if s.Resolve(f) {
			return nil
		}
		events <- f
		return nil
	}), events
}

func waitSession(t *testing.T, s *Supervisor, number int64) *Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sess := s.Current(); sess != nil && sess.Number() == number {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %d never came up", number)
	return nil
}

func nextHandshake(t *testing.T, ch <-chan handshake) handshake {
	t.Helper()
	select {
	case hs := <-ch:
		return hs
	case <-time.After(3 * time.Second):
		t.Fatal("no handshake observed")
		return handshake{}
	}
}

func runSupervisor(t *testing.T, s *Supervisor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run returned %v, want context.Canceled", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Run did not stop after cancel")
		}
	})
	return cancel
}

func TestSupervisorHandshakeAndRouting(t *testing.T) {
	url, handshakes := newMaxServer(t, func(_ int, conn *websocket.Conn) {
		writeServerFrame(conn, CmdRequest, 0, OpSync, `{"chats":[{"id":-1,"type":"CHAT","title":"Team"}]}`)
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not a frame"))
		writeServerFrame(conn, CmdRequest, 0, Opcode(999), `{}`)

		for {
			f, err := readServerFrame(conn)
			if err != nil {
				return
			}
			if f.Opcode == OpContacts {
				writeServerFrame(conn, CmdResponse, f.Seq, OpContacts, `{"contacts":[{"id":5,"names":[{"name":"Alice"}]}]}`)
			}
		}
	})

	handler, events := collectingHandler()
	sup := NewSupervisor(Options{
		URL:            url,
		Origin:         "https://web.max.ru",
		Token:          "secret-token",
		DeviceID:       "device-1",
		ChatsCount:     40,
		ReconnectDelay: 50 * time.Millisecond,
		RequestTimeout: 2 * time.Second,
	}, handler)
	runSupervisor(t, sup)

	hs := nextHandshake(t, handshakes)
	if hs.origin != "https://web.max.ru" {
		t.Errorf("origin header: got %q", hs.origin)
	}
	if hs.hello.Opcode != OpHello {
		t.Errorf("first frame opcode: got %v, want hello", hs.hello.Opcode)
	}
	var hello HelloPayload
	if err := hs.hello.Decode(&hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.DeviceID != "device-1" || hello.UserAgent.DeviceType != "WEB" {
		t.Errorf("hello payload: got %+v", hello)
	}

	if hs.auth.Opcode != OpSync {
		t.Errorf("second frame opcode: got %v, want sync", hs.auth.Opcode)
	}
	if hs.auth.Seq <= hs.hello.Seq {
		t.Errorf("auth seq %d not greater than hello seq %d", hs.auth.Seq, hs.hello.Seq)
	}
	var auth AuthSyncPayload
	if err := hs.auth.Decode(&auth); err != nil {
		t.Fatalf("decode auth: %v", err)
	}
	if auth.Token != "secret-token" || auth.ChatsCount != 40 || auth.ChatsSync != 0 || auth.Interactive {
		t.Errorf("auth payload: got %+v", auth)
	}

	sess := waitSession(t, sup, 1)
	if sess.State() != StateSynced {
		t.Errorf("state: got %v, want synced", sess.State())
	}

	// malformed frame in between must not stop the loop
	for _, want := range []Opcode{OpSync, Opcode(999)} {
		select {
		case f := <-events:
			if f.Opcode != want {
				t.Errorf("event opcode: got %v, want %v", f.Opcode, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %v event", want)
		}
	}

	reply, err := sess.Request(context.Background(), OpContacts, ContactsRequest{ContactIDs: []ID{"5"}})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply.Opcode != OpContacts || !strings.Contains(string(reply.Payload), "Alice") {
		t.Errorf("reply: got %+v", reply)
	}
	if reply.Seq <= hs.auth.Seq {
		t.Errorf("request seq %d not greater than auth seq %d", reply.Seq, hs.auth.Seq)
	}
}

func TestSupervisorReconnectsAndFailsPending(t *testing.T) {
	url, handshakes := newMaxServer(t, func(n int, conn *websocket.Conn) {
		for {
			f, err := readServerFrame(conn)
			if err != nil {
				return
			}
			// first connection drops as soon as a request arrives
			if n == 1 && f.Opcode == OpContacts {
				return
			}
		}
	})

	handler, _ := collectingHandler()
	sup := NewSupervisor(Options{
		URL:            url,
		Token:          "secret-token",
		ReconnectDelay: 100 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
	}, handler)
	runSupervisor(t, sup)

	nextHandshake(t, handshakes)
	first := waitSession(t, sup, 1)

	start := time.Now()
	_, err := first.Request(context.Background(), OpContacts, ContactsRequest{ContactIDs: []ID{"5"}})
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("pending request waited %v, should fail at teardown", elapsed)
	}

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("first session not closed")
	}
	if first.State() != StateClosed {
		t.Errorf("first session state: got %v, want closed", first.State())
	}
	if _, err := first.Request(context.Background(), OpContacts, ContactsRequest{}); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("request on dead session: got %v", err)
	}

	hs := nextHandshake(t, handshakes)
	if hs.hello.Opcode != OpHello || hs.auth.Opcode != OpSync {
		t.Errorf("second handshake: got %v then %v", hs.hello.Opcode, hs.auth.Opcode)
	}

	second := waitSession(t, sup, 2)
	if second.Groups() == first.Groups() {
		t.Error("group directory must be rebuilt per session")
	}
}

func TestSupervisorRetriesFailedDial(t *testing.T) {
	handler, _ := collectingHandler()
	sup := NewSupervisor(Options{
		URL:            "ws://127.0.0.1:1/websocket",
		ReconnectDelay: 20 * time.Millisecond,
	}, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := sup.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run: got %v, want deadline exceeded", err)
	}
	if sup.Current() != nil {
		t.Error("no session should be current after failed dials")
	}
}

func TestSupervisorSendsKeepalivePings(t *testing.T) {
	pings := make(chan Frame, 4)
	url, handshakes := newMaxServer(t, func(_ int, conn *websocket.Conn) {
		for {
			f, err := readServerFrame(conn)
			if err != nil {
				return
			}
			if f.Opcode == OpPing {
				select {
				case pings <- f:
				default:
				}
			}
		}
	})

	handler, _ := collectingHandler()
	sup := NewSupervisor(Options{
		URL:          url,
		Token:        "tok",
		PingInterval: 20 * time.Millisecond,
	}, handler)
	runSupervisor(t, sup)
	nextHandshake(t, handshakes)

	select {
	case f := <-pings:
		var p PingPayload
		if err := f.Decode(&p); err != nil {
			t.Fatalf("decode ping: %v", err)
		}
		if p.Interactive {
			t.Error("ping should not be interactive")
		}
		if f.Seq == 0 {
			t.Error("ping carries no sequence")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive ping observed")
	}
}
