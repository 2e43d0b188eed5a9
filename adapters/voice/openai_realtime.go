package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/eon-voice/domain"
	"github.com/satriahrh/eon-voice/domain/entities"
	"github.com/satriahrh/eon-voice/domain/repositories"
)

// OpenAIRealtimeName is the registry name of the Azure OpenAI realtime adapter
const OpenAIRealtimeName = "openai_realtime"

const (
	defaultRealtimeAPIVersion = "2024-10-01-preview"
	writeWait                 = 10 * time.Second
	maxReasonLength           = 512
)

var errAdapterClosed = errors.New("adapter already disconnected")

// OpenAIRealtime talks to the Azure OpenAI realtime API over a WebSocket.
// The provider does speech recognition, the LLM turn and speech synthesis.
type OpenAIRealtime struct {
	config entities.SessionConfig
	opts   Options
	scope  UserScope
	dialer *websocket.Dialer
	logger *zap.Logger

	// lifecycle serializes Connect and Disconnect
	lifecycle    sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
	disconnected bool

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// writeMu keeps provider writes from interleaving
	writeMu sync.Mutex

	events *eventQueue
}

// Ensure OpenAIRealtime implements the VoiceAdapter interface
var _ repositories.VoiceAdapter = (*OpenAIRealtime)(nil)

// NewOpenAIRealtime creates an adapter for one session. Nothing is dialed
// until Connect.
func NewOpenAIRealtime(config entities.SessionConfig, opts Options, logger *zap.Logger) *OpenAIRealtime {
	opts = opts.withDefaults(logger)
	if opts.APIVersion == "" {
		opts.APIVersion = defaultRealtimeAPIVersion
	}
	return &OpenAIRealtime{
		config: config,
		opts:   opts,
		scope:  opts.UserScope.Resolve(config.Tools),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		logger: logger,
		events: newEventQueue(),
	}
}

func (a *OpenAIRealtime) Name() string {
	return OpenAIRealtimeName
}

func (a *OpenAIRealtime) Events() <-chan domain.Event {
	return a.events.ch
}

// RealtimeURL builds the realtime endpoint for an Azure resource endpoint
func RealtimeURL(endpoint, apiVersion, deployment string) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/openai/realtime"
	query := url.Values{}
	query.Set("api-version", apiVersion)
	query.Set("deployment", deployment)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// Connect dials the provider and runs the session handshake. ctx bounds the
// dial and handshake and the lifetime of the event loop.
func (a *OpenAIRealtime) Connect(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.disconnected {
		return errAdapterClosed
	}
	if a.done != nil {
		return nil
	}

	if err := a.config.Validate(); err != nil {
		return &domain.ConfigurationError{Field: "VOICE_ENDPOINT/VOICE_API_KEY", Message: err.Error()}
	}

	endpoint, err := RealtimeURL(a.config.Endpoint, a.opts.APIVersion, a.config.Model)
	if err != nil {
		return &domain.ConfigurationError{Field: "VOICE_ENDPOINT", Message: err.Error()}
	}

	conn, err := a.dial(ctx, endpoint)
	if err != nil {
		return err
	}

	if err := a.handshake(ctx, endpoint, conn); err != nil {
		conn.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	a.events.emit(loopCtx, domain.StatusChanged(domain.StatusReady))
	go a.run(loopCtx, conn)

	a.logger.Info("Voice session ready",
		zap.String("userID", a.config.UserID),
		zap.String("model", a.config.Model))
	return nil
}

func (a *OpenAIRealtime) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("api-key", a.config.Credential)

	a.logger.Info("Connecting to realtime API", zap.String("url", endpoint))
	conn, resp, err := a.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		connErr := &domain.ConnectionError{URL: endpoint, Err: err}
		if resp != nil {
			connErr.StatusCode = resp.StatusCode
			connErr.Reason = readReason(resp)
		}
		a.logger.Error("Failed to connect to realtime API", zap.Error(connErr))
		return nil, connErr
	}
	return conn, nil
}

func readReason(resp *http.Response) string {
	if resp.Body == nil {
		return http.StatusText(resp.StatusCode)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxReasonLength))
	if reason := strings.TrimSpace(string(body)); reason != "" {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}

// handshake runs session.created -> session.update -> session.updated ->
// greeting item -> item created -> response.create.
func (a *OpenAIRealtime) handshake(ctx context.Context, endpoint string, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	data, ok, err := a.expect(ctx, endpoint, conn, "session created", rtSessionCreated)
	if err != nil {
		return err
	}
	if ok {
		var created rtSessionEvent
		if err := json.Unmarshal(data, &created); err == nil {
			a.logger.Info("Realtime session created", zap.String("providerSessionID", created.Session.ID))
		}
	}

	update := a.sessionUpdate()
	if err := a.writeJSON(conn, update); err != nil {
		return err
	}
	a.logger.Info("Sent session update",
		zap.String("voice", update.Session.Voice),
		zap.Int("tools", len(update.Session.Tools)))

	data, ok, err = a.expect(ctx, endpoint, conn, "session update", rtSessionUpdated)
	if err != nil {
		return err
	}
	if ok {
		var updated rtSessionEvent
		if err := json.Unmarshal(data, &updated); err == nil {
			a.logger.Info("Session configured", zap.String("voice", updated.Session.Voice))
		}
	}

	greeting := GreetingInstruction(a.config.GreetingCue)
	if err := a.writeJSON(conn, newSystemTextItem(greeting)); err != nil {
		return err
	}

	if _, ok, err = a.expect(ctx, endpoint, conn, "greeting item", rtConversationItemCreated); err != nil {
		return err
	}
	if ok {
		a.logger.Info("Greeting instruction added to conversation")
	}

	trigger := rtResponseCreateMessage{
		Type:     rtResponseCreate,
		Response: &rtResponseSettings{Modalities: []string{"text", "audio"}},
	}
	if err := a.writeJSON(conn, trigger); err != nil {
		return err
	}
	a.logger.Info("Triggered opening greeting", zap.String("greetingCue", a.config.GreetingCue))

	conn.SetReadDeadline(time.Time{})
	return nil
}

func (a *OpenAIRealtime) sessionUpdate() rtSessionUpdateMessage {
	update := rtSessionUpdateMessage{
		Type: rtSessionUpdate,
		Session: rtSessionSettings{
			Voice:                   a.config.Voice,
			Instructions:            a.config.Instructions,
			InputAudioTranscription: rtTranscriptionModel{Model: a.opts.TranscriptionModel},
		},
	}

	for _, tool := range a.config.FunctionTools() {
		params := tool.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		update.Session.Tools = append(update.Session.Tools, rtTool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
		})
	}
	if len(update.Session.Tools) > 0 {
		update.Session.ToolChoice = "auto"
	}
	return update
}

// expect reads one handshake message. A mismatch is logged and reported as
// ok=false, or returned as a ProtocolError in strict mode.
func (a *OpenAIRealtime) expect(ctx context.Context, endpoint string, conn *websocket.Conn, step, want string) ([]byte, bool, error) {
	conn.SetReadDeadline(a.handshakeDeadline(ctx))

	_, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, false, &domain.ConnectionError{URL: endpoint, Err: fmt.Errorf("failed to read %s: %w", want, err)}
	}

	var env rtEnvelope
	_ = json.Unmarshal(data, &env)
	if env.Type == want {
		return data, true, nil
	}

	got := env.Type
	if env.Type == rtError {
		got = rtError + ": " + errorMessage(data)
	}
	protoErr := &domain.ProtocolError{Step: step, Expected: want, Got: got}
	a.logger.Warn("Unexpected handshake message", zap.Error(protoErr))
	if a.opts.StrictHandshake {
		return nil, false, protoErr
	}
	return data, false, nil
}

func (a *OpenAIRealtime) handshakeDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(a.opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// Disconnect stops the event loop and closes the provider connection
func (a *OpenAIRealtime) Disconnect() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.disconnected {
		return nil
	}
	a.disconnected = true

	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	if conn != nil {
		a.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		a.writeMu.Unlock()

		if err := conn.Close(); err != nil {
			a.logger.Debug("Provider connection already closed", zap.Error(err))
		}
	}

	if a.done != nil {
		<-a.done
	} else {
		a.events.close()
	}

	a.logger.Info("Disconnected from realtime API")
	return nil
}

func (a *OpenAIRealtime) SendAudio(data string) error {
	return a.write(rtAudioAppendMessage{Type: rtInputAudioAppend, Audio: data})
}

func (a *OpenAIRealtime) SendText(text string) error {
	return a.write(newUserTextItem(text), rtResponseCreateMessage{Type: rtResponseCreate})
}

func (a *OpenAIRealtime) SendFunctionResult(callID string, result json.RawMessage) error {
	output := "null"
	if len(result) > 0 {
		output = string(result)
	}

	if err := a.write(newFunctionOutputItem(callID, output), rtResponseCreateMessage{Type: rtResponseCreate}); err != nil {
		return err
	}
	a.logger.Info("Function output sent", zap.String("callID", callID))
	return nil
}

// write sends msgs back to back without letting another send in between
func (a *OpenAIRealtime) write(msgs ...any) error {
	a.mu.Lock()
	conn, closed := a.conn, a.closed
	a.mu.Unlock()

	if closed {
		return domain.ErrUpstreamClosed
	}
	if conn == nil {
		return domain.ErrNotConnected
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	for _, msg := range msgs {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("failed to write to realtime API: %w", err)
		}
	}
	return nil
}

func (a *OpenAIRealtime) writeJSON(conn *websocket.Conn, msg any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write to realtime API: %w", err)
	}
	return nil
}

// run is the event loop. It exits when ctx is cancelled or the provider
// connection fails, and closes the event channel on the way out.
func (a *OpenAIRealtime) run(ctx context.Context, conn *websocket.Conn) {
	defer close(a.done)
	defer a.events.close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			a.mu.Lock()
			a.closed = true
			a.mu.Unlock()

			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				a.logger.Info("Realtime API closed the connection",
					zap.Int("code", closeErr.Code),
					zap.String("reason", closeErr.Text))
				return
			}

			a.logger.Error("Event processing error", zap.Error(err))
			a.events.emit(ctx, domain.ErrorOccurred(err.Error()))
			return
		}

		a.handle(ctx, data)
	}
}

func (a *OpenAIRealtime) handle(ctx context.Context, data []byte) {
	var env rtEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.logger.Warn("Dropping malformed provider message", zap.Error(err))
		return
	}

	switch env.Type {
	case rtSpeechStarted:
		a.events.emit(ctx, domain.SpeechStarted())
		a.events.emit(ctx, domain.StatusChanged(domain.StatusListening))

	case rtSpeechStopped:
		a.events.emit(ctx, domain.SpeechStopped())
		a.events.emit(ctx, domain.StatusChanged(domain.StatusProcessing))

	case rtAudioDelta, rtOutputAudioDelta:
		var ev rtDeltaEvent
		if a.decode(data, env.Type, &ev) {
			a.events.emit(ctx, domain.AudioDelta(ev.Delta))
		}

	case rtAudioTranscriptDelta, rtOutputTranscriptDelta:
		var ev rtDeltaEvent
		if a.decode(data, env.Type, &ev) {
			a.events.emit(ctx, domain.TranscriptDelta(ev.Delta))
		}

	case rtInputTranscriptionDone:
		var ev rtTranscriptionEvent
		if a.decode(data, env.Type, &ev) {
			a.logger.Info("User said",
				zap.String("userID", a.config.UserID),
				zap.String("transcript", ev.Transcript))
		}

	case rtResponseDone:
		var ev rtResponseDoneEvent
		if a.decode(data, env.Type, &ev) {
			for _, item := range ev.Response.Output {
				if item.Type != "message" {
					continue
				}
				for _, content := range item.Content {
					if content.Type == "audio" && content.Transcript != "" {
						a.logger.Info("Assistant said",
							zap.String("userID", a.config.UserID),
							zap.String("transcript", content.Transcript))
					}
				}
			}
		}
		a.events.emit(ctx, domain.StatusChanged(domain.StatusReady))

	case rtFunctionCallArgumentsDone:
		var ev rtFunctionCallEvent
		if a.decode(data, env.Type, &ev) {
			a.events.emit(ctx, a.functionCall(ev.Name, ev.CallID, ev.Arguments))
		}

	case rtError:
		message := errorMessage(data)
		a.logger.Error("Realtime API error", zap.String("message", message))
		a.events.emit(ctx, domain.ErrorOccurred(message))

	default:
		a.logger.Debug("Ignoring realtime event", zap.String("eventType", env.Type))
	}
}

func (a *OpenAIRealtime) decode(data []byte, eventType string, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		a.logger.Warn("Dropping malformed provider event",
			zap.String("eventType", eventType),
			zap.Error(err))
		return false
	}
	return true
}

func (a *OpenAIRealtime) functionCall(name, callID, raw string) domain.Event {
	a.logger.Info("Function call",
		zap.String("userID", a.config.UserID),
		zap.String("name", name),
		zap.String("callID", callID),
		zap.String("arguments", raw))

	args, err := DecodeArguments(callID, raw)
	if err != nil {
		a.logger.Error("Failed to parse function arguments", zap.Error(err))
	}

	if a.scope.Apply(name, args, a.config.UserID) {
		a.logger.Info("Injected user id into function call",
			zap.String("userID", a.config.UserID),
			zap.String("name", name))
	}
	return domain.FunctionCallRequested(name, callID, args)
}

// DecodeArguments parses tool-call arguments. Anything that is not a JSON
// object yields an empty, non-nil map together with an ArgumentDecodeError.
func DecodeArguments(callID, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}, &domain.ArgumentDecodeError{CallID: callID, Raw: raw, Err: err}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func errorMessage(data []byte) string {
	var ev rtErrorEvent
	if err := json.Unmarshal(data, &ev); err == nil && ev.Error != nil && ev.Error.Message != "" {
		return ev.Error.Message
	}
	return string(data)
}
