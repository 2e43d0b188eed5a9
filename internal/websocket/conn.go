package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/eon-voice/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Outbound messages queued before Send blocks.
	sendQueueSize = 256
)

// wsConn is the part of *websocket.Conn used by Conn, so tests can swap in a fake
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn wraps a client WebSocket. Every write goes through a single writer
// goroutine, so messages from different senders never interleave.
type Conn struct {
	conn   wsConn
	send   chan []byte
	logger *zap.Logger

	// closing is closed by Close, writerDone by the writer on exit
	closing    chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	// deadlineMu keeps the pong handler from extending an interrupted read
	deadlineMu  sync.Mutex
	interrupted bool
}

// NewConn starts the writer for conn. Callers must call Close.
func NewConn(conn wsConn, logger *zap.Logger) *Conn {
	c := &Conn{
		conn:       conn,
		send:       make(chan []byte, sendQueueSize),
		logger:     logger,
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.deadlineMu.Lock()
		defer c.deadlineMu.Unlock()
		if !c.interrupted {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	go c.writePump()
	return c
}

// Send queues v as a JSON text message. It blocks while the queue is full
// and fails once the connection is closing.
func (c *Conn) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.SendRaw(payload)
}

// SendRaw queues an already encoded JSON message
func (c *Conn) SendRaw(payload []byte) error {
	select {
	case <-c.closing:
		return domain.ErrConnectionClosed
	case <-c.writerDone:
		return domain.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.closing:
		return domain.ErrConnectionClosed
	case <-c.writerDone:
		return domain.ErrConnectionClosed
	}
}

// ReadMessage returns the next message from the peer. Only one goroutine may
// read at a time.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// InterruptRead makes a blocked ReadMessage return with a timeout error.
// Later pongs do not lift the interrupt.
func (c *Conn) InterruptRead() {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.interrupted = true
	c.conn.SetReadDeadline(time.Now())
}

// Close flushes queued messages, sends a close frame and closes the socket.
// It waits for the writer to exit and is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		<-c.writerDone
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closing:
			c.flush()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
