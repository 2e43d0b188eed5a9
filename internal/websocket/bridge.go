package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/eon-voice/adapters/voice"
	"github.com/satriahrh/eon-voice/domain"
	"github.com/satriahrh/eon-voice/domain/entities"
	"github.com/satriahrh/eon-voice/domain/repositories"
)

const ledgerTimeout = 5 * time.Second

var _ SessionServer = (*Bridge)(nil)

var (
	errClientClosed   = errors.New("client closed the connection")
	errProviderClosed = errors.New("voice provider closed the connection")
)

// AdapterFactory builds a provider adapter by name. *voice.Registry is the
// production implementation.
type AdapterFactory interface {
	New(name string, config entities.SessionConfig, opts voice.Options, logger *zap.Logger) (repositories.VoiceAdapter, error)
}

// BridgeConfig is the process-level provider configuration shared by all
// sessions. Missing endpoint or credential fails each session, not startup.
type BridgeConfig struct {
	Adapter             string
	Endpoint            string
	Credential          string
	Model               string
	Voice               string
	DefaultInstructions string
	Options             voice.Options
}

// Bridge runs Session Bridge sessions: one client connection wired to one
// provider adapter.
type Bridge struct {
	config   BridgeConfig
	adapters AdapterFactory
	ledger   repositories.SessionRepository
	logger   *zap.Logger
}

// NewBridge creates a bridge. ledger may be nil.
func NewBridge(config BridgeConfig, adapters AdapterFactory, ledger repositories.SessionRepository, logger *zap.Logger) *Bridge {
	return &Bridge{
		config:   config,
		adapters: adapters,
		ledger:   ledger,
		logger:   logger,
	}
}

// Serve runs one session to completion. It owns conn and closes it before
// returning. Cancelling ctx tears the session down.
func (b *Bridge) Serve(ctx context.Context, conn *Conn, userID string) {
	record := entities.NewSessionRecord(userID, b.config.Adapter, b.config.Model)
	logger := b.logger.With(zap.String("sessionID", record.ID), zap.String("userID", userID))
	defer conn.Close()

	stop := context.AfterFunc(ctx, conn.InterruptRead)
	defer stop()

	configure, err := b.readConfigure(conn)
	if err != nil {
		logger.Warn("Session rejected", zap.Error(err))
		b.sendError(conn, logger, err)
		return
	}

	if err := b.validate(); err != nil {
		logger.Error("Voice service not configured", zap.Error(err))
		b.sendError(conn, logger, err)
		return
	}

	sessionConfig := b.sessionConfig(userID, configure)
	adapter, err := b.adapters.New(b.config.Adapter, sessionConfig, b.config.Options, logger)
	if err != nil {
		logger.Error("Failed to create voice adapter", zap.Error(err))
		b.sendError(conn, logger, err)
		return
	}

	b.startRecord(logger, record)
	reason := entities.EndReasonClientClosed
	defer func() {
		b.endRecord(logger, record, reason)
	}()

	var disconnectOnce sync.Once
	disconnect := func() {
		disconnectOnce.Do(func() {
			if err := adapter.Disconnect(); err != nil {
				logger.Error("Failed to disconnect voice adapter", zap.Error(err))
			}
		})
	}
	defer disconnect()

	logger.Info("Starting voice session",
		zap.String("adapter", adapter.Name()),
		zap.Int("tools", len(sessionConfig.Tools)),
		zap.String("greetingCue", sessionConfig.GreetingCue))

	if err := adapter.Connect(ctx); err != nil {
		logger.Error("Failed to connect voice adapter", zap.Error(err))
		reason = entities.EndReasonConnection
		record.Errors++
		b.sendError(conn, logger, err)
		return
	}

	if err := conn.Send(domain.OutboundCommand{Type: domain.CommandConnected}); err != nil {
		logger.Info("Client left before the session started", zap.Error(err))
		return
	}

	err = b.run(ctx, conn, adapter, record, logger)
	switch {
	case errors.Is(err, errClientClosed):
		logger.Info("Client disconnected")
	case ctx.Err() != nil:
		reason = entities.EndReasonShutdown
		logger.Info("Session cancelled", zap.Error(ctx.Err()))
	default:
		reason = entities.EndReasonRuntime
		record.Errors++
		logger.Error("Voice session error", zap.Error(err))
		b.sendError(conn, logger, err)
	}

	// join the adapter loop before the client connection is released
	disconnect()
	logger.Info("Voice session ended", zap.Duration("duration", record.Duration()))
}

// run forwards both directions until either side stops. The returned error
// says which side stopped first.
func (b *Bridge) run(ctx context.Context, conn *Conn, adapter repositories.VoiceAdapter, record *entities.SessionRecord, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.pumpEvents(gctx, conn, adapter, record, logger)
	})

	g.Go(func() error {
		return b.receive(gctx, conn, adapter, logger)
	})

	g.Go(func() error {
		<-gctx.Done()
		conn.InterruptRead()
		return nil
	})

	return g.Wait()
}

// pumpEvents turns adapter events into client commands, in arrival order
func (b *Bridge) pumpEvents(ctx context.Context, conn *Conn, adapter repositories.VoiceAdapter, record *entities.SessionRecord, logger *zap.Logger) error {
	events := adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return errProviderClosed
			}

			switch ev.Type {
			case domain.EventTranscriptDelta:
				logger.Debug("Transcript", zap.String("text", ev.Text))
			case domain.EventFunctionCall:
				record.FunctionCalls++
				if ev.Call != nil {
					logger.Info("Forwarding function call",
						zap.String("name", ev.Call.Name),
						zap.String("callID", ev.Call.CallID))
				}
			case domain.EventError:
				record.Errors++
				logger.Warn("Voice provider error", zap.String("message", ev.Message))
			}

			cmd, err := domain.CommandFromEvent(ev)
			if err != nil {
				logger.Warn("Dropping event", zap.Error(err))
				continue
			}
			if err := conn.Send(cmd); err != nil {
				return fmt.Errorf("failed to send %s: %w", cmd.Type, err)
			}
		}
	}
}

// receive dispatches client commands to the adapter
func (b *Bridge) receive(ctx context.Context, conn *Conn, adapter repositories.VoiceAdapter, logger *zap.Logger) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isClientClose(err) {
				return errClientClosed
			}
			return fmt.Errorf("failed to read client message: %w", err)
		}

		if err := b.dispatch(conn, adapter, logger, data); err != nil {
			return err
		}
	}
}

func (b *Bridge) dispatch(conn *Conn, adapter repositories.VoiceAdapter, logger *zap.Logger, data []byte) error {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("invalid client message: %w", err)
	}

	switch env.Type {
	case domain.CommandAudio:
		var cmd domain.AudioCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return fmt.Errorf("invalid audio message: %w", err)
		}
		return adapter.SendAudio(cmd.Data)

	case domain.CommandText:
		var cmd domain.TextCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return fmt.Errorf("invalid text message: %w", err)
		}
		logger.Info("User text", zap.String("text", cmd.Text))
		if err := conn.Send(domain.StatusCommand(domain.StatusProcessing)); err != nil {
			return err
		}
		return adapter.SendText(cmd.Text)

	case domain.CommandFunctionResult:
		var cmd domain.FunctionResultCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return fmt.Errorf("invalid function_result message: %w", err)
		}
		logger.Info("Forwarding function result", zap.String("callID", cmd.CallID))
		return adapter.SendFunctionResult(cmd.CallID, cmd.Result)

	case domain.CommandMute:
		logger.Debug("Ignoring mute, audio is gated by the client")
		return nil

	default:
		logger.Warn("Unknown client message type", zap.String("type", string(env.Type)))
		return nil
	}
}

func (b *Bridge) readConfigure(conn *Conn) (domain.ConfigureCommand, error) {
	var cmd domain.ConfigureCommand

	data, err := conn.ReadMessage()
	if err != nil {
		return cmd, fmt.Errorf("failed to read configure message: %w", err)
	}

	if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type != domain.CommandConfigure {
		return cmd, &domain.ConfigurationError{Message: "Expected 'configure' message with instructions and tools"}
	}
	return cmd, nil
}

func (b *Bridge) validate() error {
	if b.config.Endpoint == "" || b.config.Credential == "" {
		return &domain.ConfigurationError{Message: "Voice service not configured. Set VOICE_ENDPOINT and VOICE_API_KEY."}
	}
	return nil
}

func (b *Bridge) sessionConfig(userID string, cmd domain.ConfigureCommand) entities.SessionConfig {
	instructions := b.config.DefaultInstructions
	if cmd.Instructions != nil {
		instructions = *cmd.Instructions
	}

	var cue string
	if cmd.GreetingCue != nil {
		cue = *cmd.GreetingCue
	}

	return entities.SessionConfig{
		Endpoint:     b.config.Endpoint,
		Credential:   b.config.Credential,
		Model:        b.config.Model,
		Voice:        b.config.Voice,
		Instructions: instructions,
		UserID:       userID,
		Tools:        cmd.Tools,
		GreetingCue:  cue,
	}
}

// sendError reports err to the client. The client may already be gone.
func (b *Bridge) sendError(conn *Conn, logger *zap.Logger, err error) {
	if sendErr := conn.Send(domain.ErrorCommand(err.Error())); sendErr != nil {
		logger.Debug("Could not report error to client", zap.Error(sendErr))
	}
}

func (b *Bridge) startRecord(logger *zap.Logger, record *entities.SessionRecord) {
	if b.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()

	if err := b.ledger.Create(ctx, record); err != nil {
		logger.Error("Failed to record session start", zap.Error(err))
	}
}

func (b *Bridge) endRecord(logger *zap.Logger, record *entities.SessionRecord, reason entities.EndReason) {
	record.End(reason)
	if b.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()

	if err := b.ledger.End(ctx, record); err != nil {
		logger.Error("Failed to record session end", zap.Error(err))
	}
}

func isClientClose(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
