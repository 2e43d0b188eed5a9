package voice

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/satriahrh/eon-voice/domain"
)

// fakeRealtime is a scripted realtime provider. It answers the handshake,
// runs script, then records every client message until the client leaves.
type fakeRealtime struct {
	t      *testing.T
	server *httptest.Server

	// firstMessage replaces session.created when set
	firstMessage string
	// script runs after the handshake on the handler goroutine
	script func(conn *websocket.Conn)

	mu          sync.Mutex
	requests    []*http.Request
	received    []map[string]any
	receivedRaw chan map[string]any
}

func newFakeRealtime(t *testing.T, script func(conn *websocket.Conn)) *fakeRealtime {
	f := &fakeRealtime{
		t:           t,
		script:      script,
		receivedRaw: make(chan map[string]any, 64),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRealtime) endpoint() string {
	return f.server.URL
}

func (f *fakeRealtime) handle(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.requests = append(f.requests, r)
	f.mu.Unlock()

	first := f.firstMessage
	if first == "" {
		first = `{"type":"session.created","session":{"id":"sess_1"}}`
	}
	conn.WriteMessage(websocket.TextMessage, []byte(first))

	if _, ok := f.read(conn); !ok {
		return
	}
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.updated","session":{"voice":"alloy"}}`))

	if _, ok := f.read(conn); !ok {
		return
	}
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"conversation.item.created"}`))

	if _, ok := f.read(conn); !ok {
		return
	}

	if f.script != nil {
		f.script(conn)
	}

	for {
		if _, ok := f.read(conn); !ok {
			return
		}
	}
}

func (f *fakeRealtime) read(conn *websocket.Conn) (map[string]any, bool) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		f.t.Errorf("client sent invalid JSON: %s", data)
		return nil, false
	}

	f.mu.Lock()
	f.received = append(f.received, msg)
	f.mu.Unlock()

	select {
	case f.receivedRaw <- msg:
	default:
	}
	return msg, true
}

func (f *fakeRealtime) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.received...)
}

func (f *fakeRealtime) request(i int) *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func (f *fakeRealtime) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// waitForMessage returns the next client message of the given type
func (f *fakeRealtime) waitForMessage(t *testing.T, msgType string) map[string]any {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-f.receivedRaw:
			if msg["type"] == msgType {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", msgType)
			return nil
		}
	}
}

func sendRaw(conn *websocket.Conn, messages ...string) {
	for _, msg := range messages {
		conn.WriteMessage(websocket.TextMessage, []byte(msg))
	}
}

// collectEvents reads n events or fails after a timeout
func collectEvents(t *testing.T, events <-chan domain.Event, n int) []domain.Event {
	t.Helper()
	var got []domain.Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed after %d of %d events: %+v", len(got), n, got)
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events: %+v", len(got), n, got)
		}
	}
	return got
}

// waitClosed drains events until the channel is closed
func waitClosed(t *testing.T, events <-chan domain.Event) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("event channel was not closed")
		}
	}
}
