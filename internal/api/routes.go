package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/eon-voice/internal/auth"
	"github.com/satriahrh/eon-voice/internal/websocket"
)

// VoiceServiceInfo describes the provider a voice service talks to
type VoiceServiceInfo struct {
	Adapter string
	Model   string
}

// InitVoiceRoutes initializes the voice service routes
func InitVoiceRoutes(e *echo.Echo, hub *websocket.Hub, info VoiceServiceInfo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, VoiceHealthResponse{
			Status:         "ok",
			Adapter:        info.Adapter,
			Model:          info.Model,
			ActiveSessions: hub.ActiveSessions(),
		})
	})

	e.GET("/ws/voice", hub.HandleWebSocket)
}

// InitGatewayRoutes initializes the gateway routes. A nil tokens leaves the
// relay open and takes the user from the user_id query parameter.
func InitGatewayRoutes(e *echo.Echo, hub *websocket.Hub, tokens *auth.TokenManager, logger *zap.Logger) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
	})

	if tokens == nil {
		e.GET("/ws/voice", hub.HandleWebSocket)
		return
	}

	e.GET("/ws/voice", func(c echo.Context) error {
		return websocketWithAuth(hub, tokens, c, logger)
	})
}

// websocketWithAuth handles WebSocket connections with JWT authentication
func websocketWithAuth(hub *websocket.Hub, tokens *auth.TokenManager, c echo.Context, logger *zap.Logger) error {
	token := auth.TokenFromRequest(c.Request())
	if token == "" {
		logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in the Authorization header or token parameter",
		})
	}

	claims, err := tokens.ValidateToken(token)
	if err != nil {
		logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	logger.Info("WebSocket connection authenticated", zap.String("userID", claims.UserID))
	return hub.HandleWebSocketWithAuth(c, claims.UserID)
}
