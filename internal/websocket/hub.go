package websocket

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// AnonymousUser is used when a client connects without a user_id
const AnonymousUser = "anonymous"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// SessionServer runs one client session to completion
type SessionServer interface {
	Serve(ctx context.Context, conn *Conn, userID string)
}

// Hub accepts client connections and tracks the sessions running on them.
type Hub struct {
	server SessionServer

	// Active sessions keyed by connection ID
	sessions map[string]string
	mu       sync.RWMutex
	wg       sync.WaitGroup

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown bool

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(server SessionServer, logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		server:   server,
		sessions: make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// HandleWebSocket upgrades the request and serves a session for the user
// named by the user_id query parameter.
func (h *Hub) HandleWebSocket(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		userID = AnonymousUser
	}
	return h.HandleWebSocketWithAuth(c, userID)
}

// HandleWebSocketWithAuth serves a session for a pre-authenticated user. The
// session outlives the handler; Shutdown waits for it.
func (h *Hub) HandleWebSocketWithAuth(c echo.Context, userID string) error {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server is shutting down")
	}
	h.wg.Add(1)
	h.mu.Unlock()

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.wg.Done()
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	connID := uuid.NewString()
	logger := h.logger.With(zap.String("connID", connID))
	conn := NewConn(ws, logger)

	h.register(connID, userID)
	logger.Info("Client connected", zap.String("userID", userID))

	go func() {
		defer h.wg.Done()
		defer h.unregister(connID)
		h.server.Serve(h.ctx, conn, userID)
	}()

	return nil
}

func (h *Hub) register(connID, userID string) {
	h.mu.Lock()
	h.sessions[connID] = userID
	h.mu.Unlock()
}

func (h *Hub) unregister(connID string) {
	h.mu.Lock()
	delete(h.sessions, connID)
	h.mu.Unlock()
	h.logger.Info("Client disconnected", zap.String("connID", connID))
}

// ActiveSessions returns the number of sessions in flight
func (h *Hub) ActiveSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown stops accepting sessions, cancels the running ones and waits for
// them to finish or for ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shutdown = true
	active := len(h.sessions)
	h.mu.Unlock()

	h.logger.Info("Shutting down hub", zap.Int("activeSessions", active))
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
