package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/eon-voice/domain"
	"github.com/satriahrh/eon-voice/domain/entities"
	ws "github.com/satriahrh/eon-voice/internal/websocket"
)

// logPreviewLength bounds how much user text ends up in the logs
const logPreviewLength = 50

var _ ws.SessionServer = (*Relay)(nil)

var (
	errClientClosed   = errors.New("client closed the connection")
	errUpstreamClosed = errors.New("voice service closed the connection")
)

// Config configures the relay hop in front of the voice service
type Config struct {
	// VoiceServiceURL is the voice service WebSocket endpoint
	VoiceServiceURL string
	// Instructions and Tools are injected as the configure command of
	// every relayed session
	Instructions string
	Tools        []entities.ToolDeclaration
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.VoiceServiceURL == "" {
		return &domain.ConfigurationError{Field: "VOICE_SERVICE_URL", Message: "voice service URL is required"}
	}
	u, err := url.Parse(c.VoiceServiceURL)
	if err != nil {
		return &domain.ConfigurationError{Field: "VOICE_SERVICE_URL", Message: fmt.Sprintf("invalid voice service URL: %v", err)}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return &domain.ConfigurationError{Field: "VOICE_SERVICE_URL", Message: "voice service URL must use ws or wss"}
	}
	return nil
}

// Relay forwards client sessions to the voice service. It routes messages by
// their type tag only and never decodes payloads.
type Relay struct {
	config Config
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewRelay creates a relay
func NewRelay(config Config, logger *zap.Logger) *Relay {
	return &Relay{
		config: config,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// Serve relays one client session. It owns client and closes it before
// returning.
func (r *Relay) Serve(ctx context.Context, client *ws.Conn, userID string) {
	logger := r.logger.With(zap.String("userID", userID))
	defer client.Close()

	target, err := r.upstreamURL(userID)
	if err != nil {
		logger.Error("Invalid voice service URL", zap.Error(err))
		r.sendError(client, logger, err.Error())
		return
	}

	logger.Info("Connecting to voice service", zap.String("url", target))
	conn, resp, err := r.dialer.DialContext(ctx, target, nil)
	if err != nil {
		message := err.Error()
		if resp != nil {
			message = fmt.Sprintf("Voice service connection failed: %d", resp.StatusCode)
		}
		logger.Error("Failed to connect to voice service", zap.Error(err))
		r.sendError(client, logger, message)
		return
	}

	upstream := ws.NewConn(conn, logger)
	defer upstream.Close()

	if err := upstream.Send(r.configureCommand()); err != nil {
		logger.Error("Failed to configure voice service", zap.Error(err))
		r.sendError(client, logger, err.Error())
		return
	}
	logger.Info("Sent configuration to voice service")

	if err := client.Send(domain.OutboundCommand{Type: domain.CommandConnected}); err != nil {
		logger.Info("Client left before the session started", zap.Error(err))
		return
	}

	err = r.forward(ctx, client, upstream, logger)
	switch {
	case errors.Is(err, errClientClosed):
		logger.Info("Client disconnected")
	case errors.Is(err, errUpstreamClosed):
		logger.Info("Voice service connection closed")
	case ctx.Err() != nil:
		logger.Info("Relay cancelled", zap.Error(ctx.Err()))
	default:
		logger.Error("Relay error", zap.Error(err))
	}
	logger.Info("Session ended")
}

// forward runs both directions until one of them stops, then waits for the
// other to unwind
func (r *Relay) forward(ctx context.Context, client, upstream *ws.Conn, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.clientToUpstream(gctx, client, upstream, logger)
	})

	g.Go(func() error {
		return r.upstreamToClient(gctx, upstream, client, logger)
	})

	g.Go(func() error {
		<-gctx.Done()
		client.InterruptRead()
		upstream.InterruptRead()
		return nil
	})

	return g.Wait()
}

func (r *Relay) clientToUpstream(ctx context.Context, client, upstream *ws.Conn, logger *zap.Logger) error {
	for {
		data, err := client.ReadMessage()
		if err != nil {
			return readError(ctx, err, errClientClosed, "client")
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("invalid client message: %w", err)
		}

		switch env.Type {
		case domain.CommandText:
			var cmd domain.TextCommand
			if err := json.Unmarshal(data, &cmd); err == nil {
				logger.Info("Forwarding text", zap.String("text", preview(cmd.Text)))
			}
		case domain.CommandFunctionResult:
			var cmd domain.FunctionResultCommand
			if err := json.Unmarshal(data, &cmd); err == nil {
				logger.Info("Forwarding function result", zap.String("callID", cmd.CallID))
			}
		case domain.CommandAudio, domain.CommandMute:
		default:
			logger.Debug("Unknown message type from client", zap.String("type", string(env.Type)))
			continue
		}

		if err := upstream.SendRaw(data); err != nil {
			return fmt.Errorf("failed to forward to voice service: %w", err)
		}
	}
}

func (r *Relay) upstreamToClient(ctx context.Context, upstream, client *ws.Conn, logger *zap.Logger) error {
	for {
		data, err := upstream.ReadMessage()
		if err != nil {
			return readError(ctx, err, errUpstreamClosed, "voice service")
		}

		var msg struct {
			Type    domain.CommandType `json:"type"`
			Text    string             `json:"text"`
			Name    string             `json:"name"`
			Message string             `json:"message"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("invalid voice service message: %w", err)
		}

		switch msg.Type {
		case domain.CommandAudio, domain.CommandStatus, domain.CommandSpeechStarted, domain.CommandSpeechStopped:
		case domain.CommandTranscript:
			logger.Info("Transcript", zap.String("text", preview(msg.Text)))
		case domain.CommandFunctionCall:
			logger.Info("Function call", zap.String("name", msg.Name))
		case domain.CommandError:
			logger.Error("Voice service error", zap.String("message", msg.Message))
		case domain.CommandConnected:
			logger.Info("Voice service ready")
			if err := client.Send(domain.StatusCommand(domain.StatusReady)); err != nil {
				return fmt.Errorf("failed to forward to client: %w", err)
			}
			continue
		default:
			logger.Debug("Unknown message type from voice service", zap.String("type", string(msg.Type)))
			continue
		}

		if err := client.SendRaw(data); err != nil {
			return fmt.Errorf("failed to forward to client: %w", err)
		}
	}
}

func (r *Relay) upstreamURL(userID string) (string, error) {
	u, err := url.Parse(r.config.VoiceServiceURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse voice service URL: %w", err)
	}
	query := u.Query()
	query.Set("user_id", userID)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (r *Relay) configureCommand() domain.ConfigureCommand {
	instructions := r.config.Instructions
	tools := r.config.Tools
	if tools == nil {
		tools = []entities.ToolDeclaration{}
	}
	return domain.ConfigureCommand{
		Type:         domain.CommandConfigure,
		Instructions: &instructions,
		Tools:        tools,
	}
}

func (r *Relay) sendError(client *ws.Conn, logger *zap.Logger, message string) {
	if err := client.Send(domain.ErrorCommand(message)); err != nil {
		logger.Debug("Could not report error to client", zap.Error(err))
	}
}

// readError maps a failed read to closed when the peer hung up cleanly
func readError(ctx context.Context, err, closed error, peer string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closed
	}
	return fmt.Errorf("failed to read from %s: %w", peer, err)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= logPreviewLength {
		return text
	}
	return string(runes[:logPreviewLength]) + "..."
}
