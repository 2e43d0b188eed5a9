package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/eon-voice/adapters"
	"github.com/satriahrh/eon-voice/adapters/mongo"
	"github.com/satriahrh/eon-voice/adapters/voice"
	"github.com/satriahrh/eon-voice/domain/repositories"
	"github.com/satriahrh/eon-voice/internal/api"
	"github.com/satriahrh/eon-voice/internal/auth"
	"github.com/satriahrh/eon-voice/internal/config"
	"github.com/satriahrh/eon-voice/internal/gateway"
	"github.com/satriahrh/eon-voice/internal/websocket"
)

var (
	configFile string
	envFile    string
	debug      bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "eon-voice",
		Short: "Realtime voice provider bridge",
		Long: `eon-voice bridges browser and device clients to realtime speech-to-speech
providers. The voice service hosts the session bridge; the gateway relays
client sessions to it.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (default $"+config.ConfigFileEnv+")")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable development logging")

	root.AddCommand(newVoiceCmd(), newGatewayCmd(), newTokenCmd())
	return root
}

func newVoiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "voice",
		Short: "Run the voice service (session bridge)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(config.DefaultVoicePort)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runVoice(cmd.Context(), cfg, logger)
		},
	}
}

func newGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the relay gateway in front of the voice service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(config.DefaultGatewayPort)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runGateway(cmd.Context(), cfg, logger)
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a user token for the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(config.DefaultGatewayPort)
			if err != nil {
				return err
			}
			defer logger.Sync()

			tokens, err := auth.NewTokenManager(cfg.Gateway.JWTSecret, ttl)
			if err != nil {
				return fmt.Errorf("GATEWAY_JWT_SECRET: %w", err)
			}
			token, err := tokens.GenerateUserToken(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user the token is issued for")
	cmd.Flags().DurationVar(&ttl, "ttl", 7*24*time.Hour, "token lifetime")
	cmd.MarkFlagRequired("user-id")
	return cmd
}

func setup(defaultPort int) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(config.Options{
		ConfigFile:  configFile,
		EnvFile:     envFile,
		DefaultPort: defaultPort,
	})
	if err != nil {
		return nil, nil, err
	}

	var logger *zap.Logger
	if debug || cfg.Debug() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

func runVoice(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := voice.NewRegistry()
	if !registry.Has(cfg.Voice.Adapter) {
		return fmt.Errorf("unknown voice adapter %q, available: %v", cfg.Voice.Adapter, registry.Names())
	}
	if cfg.Voice.Endpoint == "" || cfg.Voice.APIKey == "" {
		logger.Warn("VOICE_ENDPOINT or VOICE_API_KEY is not set, sessions will be rejected")
	}

	ledger, closeLedger, err := newSessionRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	cleanup := websocket.NewSessionCleanupService(ledger, websocket.CleanupConfig{
		Interval:     cfg.Ledger.CleanupInterval,
		InitialDelay: time.Minute,
		StaleAfter:   cfg.Ledger.TTL,
	}, logger)
	cleanup.Start()
	defer cleanup.Stop()

	bridge := websocket.NewBridge(websocket.BridgeConfig{
		Adapter:             cfg.Voice.Adapter,
		Endpoint:            cfg.Voice.Endpoint,
		Credential:          cfg.Voice.APIKey,
		Model:               cfg.Voice.Model,
		Voice:               cfg.Voice.Voice,
		DefaultInstructions: cfg.Voice.DefaultInstructions,
		Options: voice.Options{
			APIVersion:         cfg.Voice.APIVersion,
			TranscriptionModel: cfg.Voice.TranscriptionModel,
			StrictHandshake:    cfg.Voice.StrictHandshake,
			HandshakeTimeout:   cfg.Voice.HandshakeTimeout,
			UserScope: voice.UserScopePolicy{
				Names:    cfg.Voice.UserScopedTools,
				Prefixes: cfg.Voice.UserScopedPrefixes,
			},
		},
	}, registry, ledger, logger)

	hub := websocket.NewHub(bridge, logger)

	e := newEcho()
	api.InitVoiceRoutes(e, hub, api.VoiceServiceInfo{Adapter: cfg.Voice.Adapter, Model: cfg.Voice.Model})

	logger.Info("Voice service starting",
		zap.Int("port", cfg.Port),
		zap.String("adapter", cfg.Voice.Adapter),
		zap.String("model", cfg.Voice.Model),
		zap.Bool("strictHandshake", cfg.Voice.StrictHandshake))

	return serve(ctx, e, hub, cfg, logger)
}

func runGateway(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	relayConfig := gateway.Config{
		VoiceServiceURL: cfg.Gateway.VoiceServiceURL,
		Instructions:    cfg.Gateway.Instructions,
		Tools:           cfg.Gateway.Tools,
	}
	if err := relayConfig.Validate(); err != nil {
		return err
	}

	var tokens *auth.TokenManager
	if cfg.Gateway.JWTSecret != "" {
		var err error
		tokens, err = auth.NewTokenManager(cfg.Gateway.JWTSecret, 0)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("GATEWAY_JWT_SECRET is not set, the relay trusts the user_id query parameter")
	}

	hub := websocket.NewHub(gateway.NewRelay(relayConfig, logger), logger)

	e := newEcho()
	api.InitGatewayRoutes(e, hub, tokens, logger)

	logger.Info("Gateway starting",
		zap.Int("port", cfg.Port),
		zap.String("voiceServiceURL", cfg.Gateway.VoiceServiceURL),
		zap.Int("tools", len(cfg.Gateway.Tools)))

	return serve(ctx, e, hub, cfg, logger)
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	return e
}

// serve runs e until ctx is cancelled, then drains the hub and the server
func serve(ctx context.Context, e *echo.Echo, hub *websocket.Hub, cfg *config.Config, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(":" + strconv.Itoa(cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error("Sessions did not finish in time", zap.Error(err))
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited")
	return nil
}

// newSessionRepository picks the MongoDB ledger when a URI is configured
func newSessionRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repositories.SessionRepository, func(), error) {
	if cfg.Mongo.URI == "" {
		logger.Info("MONGODB_URI is not set, keeping the session ledger in memory")
		return adapters.NewMemorySessionRepository(), func() {}, nil
	}

	client, err := mongo.NewClient(ctx, mongo.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database}, logger)
	if err != nil {
		return nil, nil, err
	}

	repo := mongo.NewSessionRepository(client.Database, logger)
	if err := repo.EnsureIndexes(ctx); err != nil {
		logger.Error("Failed to create session indexes", zap.Error(err))
	}

	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Close(ctx)
	}
	return repo, closeFn, nil
}
