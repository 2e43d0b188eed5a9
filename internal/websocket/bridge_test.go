package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/eon-voice/adapters/voice"
	"github.com/satriahrh/eon-voice/domain"
	"github.com/satriahrh/eon-voice/domain/entities"
	"github.com/satriahrh/eon-voice/domain/repositories"
)

// fakeAdapter records what the bridge sends and emits scripted events
type fakeAdapter struct {
	connectErr error
	events     chan domain.Event
	closeOnce  sync.Once

	audio   chan string
	texts   chan string
	results chan domain.FunctionResultCommand

	mu          sync.Mutex
	disconnects int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		events:  make(chan domain.Event, 16),
		audio:   make(chan string, 16),
		texts:   make(chan string, 16),
		results: make(chan domain.FunctionResultCommand, 16),
	}
}

func (f *fakeAdapter) Name() string                  { return "fake" }
func (f *fakeAdapter) Connect(context.Context) error { return f.connectErr }
func (f *fakeAdapter) Events() <-chan domain.Event   { return f.events }

func (f *fakeAdapter) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.closeEvents()
	return nil
}

func (f *fakeAdapter) closeEvents() {
	f.closeOnce.Do(func() { close(f.events) })
}

func (f *fakeAdapter) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeAdapter) SendAudio(data string) error {
	f.audio <- data
	return nil
}

func (f *fakeAdapter) SendText(text string) error {
	f.texts <- text
	return nil
}

func (f *fakeAdapter) SendFunctionResult(callID string, result json.RawMessage) error {
	f.results <- domain.FunctionResultCommand{CallID: callID, Result: result}
	return nil
}

// fakeFactory hands out one adapter and keeps the session config it was given
type fakeFactory struct {
	adapter *fakeAdapter

	mu      sync.Mutex
	configs []entities.SessionConfig
}

func (f *fakeFactory) New(name string, config entities.SessionConfig, opts voice.Options, logger *zap.Logger) (repositories.VoiceAdapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, config)
	return f.adapter, nil
}

func (f *fakeFactory) calls() []entities.SessionConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entities.SessionConfig(nil), f.configs...)
}

// fakeLedger keeps copies of the records it is handed
type fakeLedger struct {
	mu      sync.Mutex
	created []entities.SessionRecord
	ended   []entities.SessionRecord
}

func (l *fakeLedger) Create(ctx context.Context, record *entities.SessionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, *record)
	return nil
}

func (l *fakeLedger) GetByID(ctx context.Context, id string) (*entities.SessionRecord, error) {
	return nil, domain.ErrSessionNotFound
}

func (l *fakeLedger) End(ctx context.Context, record *entities.SessionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = append(l.ended, *record)
	return nil
}

func (l *fakeLedger) ExpireStale(ctx context.Context, ttl time.Duration) (int64, error) {
	return 0, nil
}

func (l *fakeLedger) endedRecords() []entities.SessionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]entities.SessionRecord(nil), l.ended...)
}

func testBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Adapter:             "fake",
		Endpoint:            "https://voice.example.com",
		Credential:          "secret",
		Model:               "realtime-test",
		Voice:               "alloy",
		DefaultInstructions: "You are Eon.",
	}
}

// startServer serves the hub on /ws and returns its WebSocket URL
func startServer(t *testing.T, hub *Hub) string {
	t.Helper()
	e := echo.New()
	e.GET("/ws", hub.HandleWebSocket)

	server := httptest.NewServer(e)
	t.Cleanup(func() {
		hub.Shutdown(context.Background())
		server.Close()
	})
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readCommand(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read command: %v", err)
	}
	return msg
}

func expectClosed(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("Expected the server to close the connection")
			}
			return
		}
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for adapter call")
		var zero T
		return zero
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBridge_Session(t *testing.T) {
	adapter := newFakeAdapter()
	factory := &fakeFactory{adapter: adapter}
	ledger := &fakeLedger{}
	logger := zaptest.NewLogger(t)

	hub := NewHub(NewBridge(testBridgeConfig(), factory, ledger, logger), logger)
	ws := dial(t, startServer(t, hub)+"?user_id=u-42")

	ws.WriteJSON(map[string]any{
		"type":         "configure",
		"greeting_cue": "standup",
		"tools": []map[string]any{
			{"type": "function", "name": "add_memory", "parameters": map[string]any{"type": "object"}},
		},
	})

	if msg := readCommand(t, ws); msg["type"] != "connected" {
		t.Fatalf("Expected connected, got %v", msg)
	}

	configs := factory.calls()
	if len(configs) != 1 {
		t.Fatalf("Expected one adapter, got %d", len(configs))
	}
	cfg := configs[0]
	if cfg.UserID != "u-42" || cfg.GreetingCue != "standup" || cfg.Instructions != "You are Eon." {
		t.Errorf("Unexpected session config %+v", cfg)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != "add_memory" {
		t.Errorf("Expected tools to be forwarded, got %+v", cfg.Tools)
	}
	if hub.ActiveSessions() != 1 {
		t.Errorf("Expected one active session, got %d", hub.ActiveSessions())
	}

	t.Run("events become commands", func(t *testing.T) {
		adapter.events <- domain.StatusChanged(domain.StatusReady)
		adapter.events <- domain.AudioDelta("AQID")
		adapter.events <- domain.FunctionCallRequested("add_memory", "c1", map[string]any{"user_id": "u-42"})

		if msg := readCommand(t, ws); msg["type"] != "status" || msg["state"] != "ready" {
			t.Errorf("Expected status ready, got %v", msg)
		}
		if msg := readCommand(t, ws); msg["type"] != "audio" || msg["data"] != "AQID" {
			t.Errorf("Expected audio, got %v", msg)
		}
		msg := readCommand(t, ws)
		args, _ := msg["arguments"].(map[string]any)
		if msg["type"] != "function_call" || msg["call_id"] != "c1" || args["user_id"] != "u-42" {
			t.Errorf("Expected function_call, got %v", msg)
		}
	})

	t.Run("text reports processing first", func(t *testing.T) {
		ws.WriteJSON(map[string]any{"type": "text", "text": "hello"})
		if msg := readCommand(t, ws); msg["type"] != "status" || msg["state"] != "processing" {
			t.Errorf("Expected status processing, got %v", msg)
		}
		if got := receive(t, adapter.texts); got != "hello" {
			t.Errorf("Expected text hello, got %q", got)
		}
	})

	t.Run("audio and function results reach the adapter", func(t *testing.T) {
		ws.WriteJSON(map[string]any{"type": "mute"})
		ws.WriteJSON(map[string]any{"type": "unknown"})
		ws.WriteJSON(map[string]any{"type": "audio", "data": "AAAA"})
		ws.WriteJSON(map[string]any{"type": "function_result", "call_id": "c1", "result": map[string]any{"ok": true}})

		if got := receive(t, adapter.audio); got != "AAAA" {
			t.Errorf("Expected audio AAAA, got %q", got)
		}
		result := receive(t, adapter.results)
		if result.CallID != "c1" || string(result.Result) != `{"ok":true}` {
			t.Errorf("Unexpected function result %+v", result)
		}
	})

	t.Run("provider errors do not end the session", func(t *testing.T) {
		adapter.events <- domain.ErrorOccurred("rate limited")
		adapter.events <- domain.TranscriptDelta("still here")

		if msg := readCommand(t, ws); msg["type"] != "error" || msg["message"] != "rate limited" {
			t.Errorf("Expected error, got %v", msg)
		}
		if msg := readCommand(t, ws); msg["type"] != "transcript" || msg["text"] != "still here" {
			t.Errorf("Expected transcript, got %v", msg)
		}
	})

	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	eventually(t, func() bool { return len(ledger.endedRecords()) == 1 }, "session was not ended")
	if n := adapter.disconnectCount(); n != 1 {
		t.Errorf("Expected exactly one Disconnect, got %d", n)
	}

	record := ledger.endedRecords()[0]
	if record.EndReason != entities.EndReasonClientClosed || record.UserID != "u-42" {
		t.Errorf("Unexpected ledger record %+v", record)
	}
	if record.FunctionCalls != 1 || record.Errors != 1 {
		t.Errorf("Expected 1 call and 1 error, got %d and %d", record.FunctionCalls, record.Errors)
	}
	eventually(t, func() bool { return hub.ActiveSessions() == 0 }, "session was not unregistered")
}

func TestBridge_RejectsSessions(t *testing.T) {
	tests := []struct {
		name    string
		config  func(*BridgeConfig)
		first   string
		wantMsg string
	}{
		{
			name:    "first message is not configure",
			first:   `{"type":"text","text":"hi"}`,
			wantMsg: "Expected 'configure' message with instructions and tools",
		},
		{
			name:    "first message is not JSON",
			first:   `configure`,
			wantMsg: "Expected 'configure' message with instructions and tools",
		},
		{
			name:    "missing endpoint",
			config:  func(c *BridgeConfig) { c.Endpoint = "" },
			first:   `{"type":"configure"}`,
			wantMsg: "Voice service not configured. Set VOICE_ENDPOINT and VOICE_API_KEY.",
		},
		{
			name:    "missing credential",
			config:  func(c *BridgeConfig) { c.Credential = "" },
			first:   `{"type":"configure"}`,
			wantMsg: "Voice service not configured. Set VOICE_ENDPOINT and VOICE_API_KEY.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testBridgeConfig()
			if tt.config != nil {
				tt.config(&config)
			}
			factory := &fakeFactory{adapter: newFakeAdapter()}
			logger := zaptest.NewLogger(t)

			hub := NewHub(NewBridge(config, factory, nil, logger), logger)
			ws := dial(t, startServer(t, hub))

			ws.WriteMessage(websocket.TextMessage, []byte(tt.first))

			msg := readCommand(t, ws)
			if msg["type"] != "error" || msg["message"] != tt.wantMsg {
				t.Errorf("Expected error %q, got %v", tt.wantMsg, msg)
			}
			expectClosed(t, ws)

			if len(factory.calls()) != 0 {
				t.Error("Expected no adapter to be created")
			}
		})
	}
}

func TestBridge_UnknownAdapter(t *testing.T) {
	config := testBridgeConfig()
	config.Adapter = "carrier_pigeon"
	logger := zaptest.NewLogger(t)

	hub := NewHub(NewBridge(config, voice.NewRegistry(), nil, logger), logger)
	ws := dial(t, startServer(t, hub))

	ws.WriteJSON(map[string]any{"type": "configure"})

	msg := readCommand(t, ws)
	text, _ := msg["message"].(string)
	if msg["type"] != "error" || !strings.Contains(text, "carrier_pigeon") {
		t.Errorf("Expected unknown adapter error, got %v", msg)
	}
	expectClosed(t, ws)
}

func TestBridge_ConnectFailure(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.connectErr = &domain.ConnectionError{URL: "wss://voice.example.com", StatusCode: http.StatusUnauthorized, Reason: "bad key"}
	ledger := &fakeLedger{}
	logger := zaptest.NewLogger(t)

	hub := NewHub(NewBridge(testBridgeConfig(), &fakeFactory{adapter: adapter}, ledger, logger), logger)
	ws := dial(t, startServer(t, hub))

	ws.WriteJSON(map[string]any{"type": "configure"})

	msg := readCommand(t, ws)
	text, _ := msg["message"].(string)
	if msg["type"] != "error" || !strings.Contains(text, "401") {
		t.Errorf("Expected connection error, got %v", msg)
	}
	expectClosed(t, ws)

	eventually(t, func() bool { return len(ledger.endedRecords()) == 1 }, "session was not ended")
	if n := adapter.disconnectCount(); n != 1 {
		t.Errorf("Expected exactly one Disconnect, got %d", n)
	}
	if reason := ledger.endedRecords()[0].EndReason; reason != entities.EndReasonConnection {
		t.Errorf("Expected connection_error, got %s", reason)
	}
}

func TestBridge_ProviderClosed(t *testing.T) {
	adapter := newFakeAdapter()
	ledger := &fakeLedger{}
	logger := zaptest.NewLogger(t)

	hub := NewHub(NewBridge(testBridgeConfig(), &fakeFactory{adapter: adapter}, ledger, logger), logger)
	ws := dial(t, startServer(t, hub))

	ws.WriteJSON(map[string]any{"type": "configure"})
	if msg := readCommand(t, ws); msg["type"] != "connected" {
		t.Fatalf("Expected connected, got %v", msg)
	}

	adapter.events <- domain.TranscriptDelta("bye")
	adapter.closeEvents()

	if msg := readCommand(t, ws); msg["type"] != "transcript" {
		t.Errorf("Expected buffered transcript to be delivered, got %v", msg)
	}
	if msg := readCommand(t, ws); msg["type"] != "error" {
		t.Errorf("Expected error, got %v", msg)
	}
	expectClosed(t, ws)

	eventually(t, func() bool { return len(ledger.endedRecords()) == 1 }, "session was not ended")
	if reason := ledger.endedRecords()[0].EndReason; reason != entities.EndReasonRuntime {
		t.Errorf("Expected runtime_error, got %s", reason)
	}
	if n := adapter.disconnectCount(); n != 1 {
		t.Errorf("Expected exactly one Disconnect, got %d", n)
	}
}

func TestBridge_MalformedClientMessage(t *testing.T) {
	adapter := newFakeAdapter()
	logger := zaptest.NewLogger(t)

	hub := NewHub(NewBridge(testBridgeConfig(), &fakeFactory{adapter: adapter}, nil, logger), logger)
	ws := dial(t, startServer(t, hub))

	ws.WriteJSON(map[string]any{"type": "configure"})
	if msg := readCommand(t, ws); msg["type"] != "connected" {
		t.Fatalf("Expected connected, got %v", msg)
	}

	ws.WriteMessage(websocket.TextMessage, []byte("{not json"))

	if msg := readCommand(t, ws); msg["type"] != "error" {
		t.Errorf("Expected error, got %v", msg)
	}
	expectClosed(t, ws)
	eventually(t, func() bool { return adapter.disconnectCount() == 1 }, "adapter was not disconnected")
}
