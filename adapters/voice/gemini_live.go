package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/eon-voice/domain"
	"github.com/satriahrh/eon-voice/domain/entities"
	"github.com/satriahrh/eon-voice/domain/repositories"
)

// GeminiLiveName is the registry name of the Gemini Live adapter
const GeminiLiveName = "gemini_live"

const (
	defaultGeminiAPIVersion = "v1beta"
	geminiInputAudioMIME    = "audio/pcm;rate=16000"
	geminiErrorPrefix       = "received error in response: "
	geminiMalformedPrefix   = "invalid message format"
	// maxTrackedCalls bounds callNames, the oldest unanswered call is forgotten first
	maxTrackedCalls = 64
)

// GeminiLive talks to the Gemini Live API through the genai SDK. The SDK
// session runs the setup exchange; this adapter maps its messages onto the
// event vocabulary.
type GeminiLive struct {
	config entities.SessionConfig
	opts   Options
	scope  UserScope
	logger *zap.Logger

	lifecycle    sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
	disconnected bool

	mu      sync.Mutex
	session *genai.Session
	closed  bool
	// callNames remembers the function name of each call id, the Live API
	// wants it back in the tool response. callOrder holds the ids oldest first.
	callNames map[string]string
	callOrder []string

	// writeMu serializes writes, genai sessions are not safe for concurrent sends
	writeMu sync.Mutex

	events *eventQueue
}

// Ensure GeminiLive implements the VoiceAdapter interface
var _ repositories.VoiceAdapter = (*GeminiLive)(nil)

// NewGeminiLive creates an adapter for one session
func NewGeminiLive(config entities.SessionConfig, opts Options, logger *zap.Logger) *GeminiLive {
	opts = opts.withDefaults(logger)
	if opts.APIVersion == "" {
		opts.APIVersion = defaultGeminiAPIVersion
	}
	return &GeminiLive{
		config:    config,
		opts:      opts,
		scope:     opts.UserScope.Resolve(config.Tools),
		logger:    logger,
		callNames: make(map[string]string),
		events:    newEventQueue(),
	}
}

func (a *GeminiLive) Name() string {
	return GeminiLiveName
}

func (a *GeminiLive) Events() <-chan domain.Event {
	return a.events.ch
}

func (a *GeminiLive) Connect(ctx context.Context) error {
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

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  a.config.Credential,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    a.config.Endpoint,
			APIVersion: a.opts.APIVersion,
		},
	})
	if err != nil {
		return &domain.ConfigurationError{Field: "VOICE_ENDPOINT", Message: fmt.Sprintf("failed to create genai client: %v", err)}
	}

	a.logger.Info("Connecting to Gemini Live", zap.String("model", a.config.Model))
	session, err := client.Live.Connect(ctx, a.config.Model, a.liveConfig())
	if err != nil {
		connErr := &domain.ConnectionError{URL: a.config.Endpoint, Err: err}
		a.logger.Error("Failed to connect to Gemini Live", zap.Error(connErr))
		return connErr
	}

	if err := a.handshake(ctx, session); err != nil {
		session.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	a.events.emit(loopCtx, domain.StatusChanged(domain.StatusReady))
	go a.run(loopCtx, session)

	a.logger.Info("Voice session ready",
		zap.String("userID", a.config.UserID),
		zap.String("model", a.config.Model))
	return nil
}

func (a *GeminiLive) liveConfig() *genai.LiveConnectConfig {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if a.config.Instructions != "" {
		cfg.SystemInstruction = genai.NewContentFromText(a.config.Instructions, genai.RoleUser)
	}
	if a.config.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: a.config.Voice},
			},
		}
	}

	var decls []*genai.FunctionDeclaration
	for _, tool := range a.config.FunctionTools() {
		decl := &genai.FunctionDeclaration{Name: tool.Name, Description: tool.Description}
		if len(tool.Parameters) > 0 {
			var schema any
			if err := json.Unmarshal(tool.Parameters, &schema); err == nil {
				decl.ParametersJsonSchema = schema
			} else {
				a.logger.Warn("Skipping invalid tool schema", zap.String("name", tool.Name), zap.Error(err))
			}
		}
		decls = append(decls, decl)
	}
	if len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

// handshake waits for setupComplete, then sends the greeting instruction as a
// complete turn so the model opens the conversation.
func (a *GeminiLive) handshake(ctx context.Context, session *genai.Session) error {
	msg, err := a.receiveWithin(ctx, session, a.opts.HandshakeTimeout)
	if err != nil {
		return &domain.ConnectionError{URL: a.config.Endpoint, Err: fmt.Errorf("failed to read setup acknowledgement: %w", err)}
	}

	if msg.SetupComplete == nil {
		protoErr := &domain.ProtocolError{Step: "session setup", Expected: "setupComplete", Got: describeLiveMessage(msg)}
		a.logger.Warn("Unexpected handshake message", zap.Error(protoErr))
		if a.opts.StrictHandshake {
			return protoErr
		}
	} else {
		a.logger.Info("Gemini Live session set up", zap.Int("tools", len(a.config.FunctionTools())))
	}

	greeting := GreetingInstruction(a.config.GreetingCue)
	err = session.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(greeting, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
	if err != nil {
		return fmt.Errorf("failed to send greeting instruction: %w", err)
	}
	a.logger.Info("Triggered opening greeting", zap.String("greetingCue", a.config.GreetingCue))
	return nil
}

// receiveWithin bounds a Receive call, the SDK session exposes no deadlines.
// The session is closed when the bound is hit.
func (a *GeminiLive) receiveWithin(ctx context.Context, session *genai.Session, timeout time.Duration) (*genai.LiveServerMessage, error) {
	type result struct {
		msg *genai.LiveServerMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := session.Receive()
		ch <- result{msg, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-timer.C:
		session.Close()
		return nil, errors.New("timed out waiting for provider")
	case <-ctx.Done():
		session.Close()
		return nil, ctx.Err()
	}
}

func describeLiveMessage(msg *genai.LiveServerMessage) string {
	switch {
	case msg == nil:
		return "empty"
	case msg.ServerContent != nil:
		return "serverContent"
	case msg.ToolCall != nil:
		return "toolCall"
	case msg.GoAway != nil:
		return "goAway"
	default:
		return "unknown"
	}
}

func (a *GeminiLive) Disconnect() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.disconnected {
		return nil
	}
	a.disconnected = true

	a.mu.Lock()
	session := a.session
	a.session = nil
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	if session != nil {
		if err := session.Close(); err != nil {
			a.logger.Debug("Provider connection already closed", zap.Error(err))
		}
	}

	if a.done != nil {
		<-a.done
	} else {
		a.events.close()
	}

	a.logger.Info("Disconnected from Gemini Live")
	return nil
}

func (a *GeminiLive) SendAudio(data string) error {
	audio, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("failed to decode audio payload: %w", err)
	}
	return a.write(func(s *genai.Session) error {
		return s.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{Data: audio, MIMEType: geminiInputAudioMIME},
		})
	})
}

func (a *GeminiLive) SendText(text string) error {
	return a.write(func(s *genai.Session) error {
		return s.SendClientContent(genai.LiveClientContentInput{
			Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
			TurnComplete: genai.Ptr(true),
		})
	})
}

// SendFunctionResult answers a tool call. A result that is not a JSON object
// is wrapped as {"output": result}.
func (a *GeminiLive) SendFunctionResult(callID string, result json.RawMessage) error {
	a.mu.Lock()
	name, known := a.forgetCall(callID)
	a.mu.Unlock()

	if !known {
		a.logger.Warn("Function result for unknown call", zap.String("callID", callID))
	}

	response := map[string]any{}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &response); err != nil || response == nil {
			var value any
			_ = json.Unmarshal(result, &value)
			response = map[string]any{"output": value}
		}
	}

	err := a.write(func(s *genai.Session) error {
		return s.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{{ID: callID, Name: name, Response: response}},
		})
	})
	if err != nil {
		return err
	}
	a.logger.Info("Function output sent", zap.String("callID", callID), zap.String("name", name))
	return nil
}

func (a *GeminiLive) write(send func(*genai.Session) error) error {
	a.mu.Lock()
	session, closed := a.session, a.closed
	a.mu.Unlock()

	if closed {
		return domain.ErrUpstreamClosed
	}
	if session == nil {
		return domain.ErrNotConnected
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	if err := send(session); err != nil {
		return fmt.Errorf("failed to write to Gemini Live: %w", err)
	}
	return nil
}

func (a *GeminiLive) run(ctx context.Context, session *genai.Session) {
	defer close(a.done)
	defer a.events.close()

	for {
		msg, err := session.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if message, ok := strings.CutPrefix(err.Error(), geminiErrorPrefix); ok {
				message = errorMessage([]byte(message))
				a.logger.Error("Gemini Live error", zap.String("message", message))
				a.events.emit(ctx, domain.ErrorOccurred(message))
				continue
			}

			if strings.HasPrefix(err.Error(), geminiMalformedPrefix) {
				a.logger.Warn("Dropping malformed provider message", zap.Error(err))
				continue
			}

			a.mu.Lock()
			a.closed = true
			a.mu.Unlock()

			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				a.logger.Info("Gemini Live closed the connection",
					zap.Int("code", closeErr.Code),
					zap.String("reason", closeErr.Text))
				return
			}

			a.logger.Error("Event processing error", zap.Error(err))
			a.events.emit(ctx, domain.ErrorOccurred(err.Error()))
			return
		}

		a.handle(ctx, msg)
	}
}

func (a *GeminiLive) handle(ctx context.Context, msg *genai.LiveServerMessage) {
	if content := msg.ServerContent; content != nil {
		if content.Interrupted {
			a.events.emit(ctx, domain.SpeechStarted())
			a.events.emit(ctx, domain.StatusChanged(domain.StatusListening))
		}
		if content.InputTranscription != nil && content.InputTranscription.Text != "" {
			a.logger.Info("User said",
				zap.String("userID", a.config.UserID),
				zap.String("transcript", content.InputTranscription.Text))
		}
		if content.ModelTurn != nil {
			for _, part := range content.ModelTurn.Parts {
				if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
					a.events.emit(ctx, domain.AudioDelta(base64.StdEncoding.EncodeToString(part.InlineData.Data)))
				}
			}
		}
		if content.OutputTranscription != nil && content.OutputTranscription.Text != "" {
			a.events.emit(ctx, domain.TranscriptDelta(content.OutputTranscription.Text))
		}
		if content.TurnComplete {
			a.events.emit(ctx, domain.StatusChanged(domain.StatusReady))
		}
	}

	if msg.ToolCall != nil {
		for _, call := range msg.ToolCall.FunctionCalls {
			if call == nil {
				continue
			}
			a.events.emit(ctx, a.functionCall(call))
		}
	}

	if msg.GoAway != nil {
		a.logger.Warn("Gemini Live is about to close the connection")
	}
}

func (a *GeminiLive) functionCall(call *genai.FunctionCall) domain.Event {
	a.mu.Lock()
	a.trackCall(call.ID, call.Name)
	a.mu.Unlock()

	args := make(map[string]any, len(call.Args)+1)
	for k, v := range call.Args {
		args[k] = v
	}

	a.logger.Info("Function call",
		zap.String("userID", a.config.UserID),
		zap.String("name", call.Name),
		zap.String("callID", call.ID))

	if a.scope.Apply(call.Name, args, a.config.UserID) {
		a.logger.Info("Injected user id into function call",
			zap.String("userID", a.config.UserID),
			zap.String("name", call.Name))
	}
	return domain.FunctionCallRequested(call.Name, call.ID, args)
}

// trackCall records the name of a call. Callers hold a.mu.
func (a *GeminiLive) trackCall(callID, name string) {
	if _, ok := a.callNames[callID]; !ok {
		a.callOrder = append(a.callOrder, callID)
	}
	a.callNames[callID] = name

	for len(a.callOrder) > maxTrackedCalls {
		oldest := a.callOrder[0]
		a.callOrder = a.callOrder[1:]
		delete(a.callNames, oldest)
		a.logger.Warn("Forgetting unanswered function call", zap.String("callID", oldest))
	}
}

// forgetCall removes a call and returns its name. Callers hold a.mu.
func (a *GeminiLive) forgetCall(callID string) (string, bool) {
	name, ok := a.callNames[callID]
	if !ok {
		return "", false
	}
	delete(a.callNames, callID)
	for i, id := range a.callOrder {
		if id == callID {
			a.callOrder = append(a.callOrder[:i], a.callOrder[i+1:]...)
			break
		}
	}
	return name, true
}
