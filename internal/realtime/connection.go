package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// CloseAuthFailed tells the client its cached token was rejected and should not be retried.
	CloseAuthFailed = 4001
	// CloseShuttingDown is sent to every socket during graceful shutdown.
	CloseShuttingDown = websocket.CloseGoingAway

	closeReasonAuthFailed   = "Authentication failed"
	closeReasonShuttingDown = "Server shutting down"

	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

type outboundFrame struct {
	data        []byte
	closeCode   int
	closeReason string
}

type connection struct {
	id          int64
	socket      *websocket.Conn
	send        chan outboundFrame
	remoteAddr  string
	connectedAt time.Time
	logger      *zap.Logger

	mu     sync.RWMutex
	userID string

	alive     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id int64, socket *websocket.Conn, buffer int, remoteAddr string, connectedAt time.Time, logger *zap.Logger) *connection {
	conn := &connection{
		id:          id,
		socket:      socket,
		send:        make(chan outboundFrame, buffer),
		remoteAddr:  remoteAddr,
		connectedAt: connectedAt,
		logger:      logger,
		done:        make(chan struct{}),
	}
	conn.alive.Store(true)
	socket.SetReadLimit(maxMessageSize)
	socket.SetPongHandler(func(string) error {
		conn.alive.Store(true)
		return nil
	})
	return conn
}

// UserID is empty until the connection authenticates.
func (c *connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *connection) authenticated() bool {
	return c.UserID() != ""
}

func (c *connection) setUserID(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// enqueue hands a frame to the write pump without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *connection) enqueue(frame outboundFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *connection) sendFrame(frame any) bool {
	return c.enqueue(outboundFrame{data: encodeFrame(frame)})
}

// sendThenClose queues frame followed by a close frame carrying code.
func (c *connection) sendThenClose(frame any, code int, reason string) bool {
	return c.enqueue(outboundFrame{data: encodeFrame(frame), closeCode: code, closeReason: reason})
}

func (c *connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.terminate()
				return
			}
			if frame.closeCode != 0 {
				c.closeWith(frame.closeCode, frame.closeReason)
				return
			}
		}
	}
}

func (c *connection) ping() error {
	return c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// closeWith sends a close frame and releases the socket.
func (c *connection) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		_ = c.socket.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeWait),
		)
		close(c.done)
		_ = c.socket.Close()
	})
}

// terminate drops the socket without a close handshake.
func (c *connection) terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.socket.Close()
	})
}
