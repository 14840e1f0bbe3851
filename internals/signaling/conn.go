package signaling

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adityaadpandey/plaza-relay/internals/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Sender is anything that accepts outbound messages for one connection.
// Send never blocks; it reports false when the message was dropped.
type Sender interface {
	Send(msg Message) bool
}

type ConnOptions struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
	SendBuffer   int
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 * 1024
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = (o.PongTimeout * 9) / 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Conn is the relay side of one websocket client.
type Conn struct {
	ID         string
	RemoteAddr string

	ws   *websocket.Conn
	send chan Message
	opts ConnOptions

	mu        sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	logger  *zap.Logger
	metrics *metrics.Metrics

	// Callbacks
	OnMessage    func(*Conn, Message)
	OnDisconnect func(*Conn)
}

func NewConn(id string, ws *websocket.Conn, opts ConnOptions, logger *zap.Logger, m *metrics.Metrics) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		ID:      id,
		ws:      ws,
		send:    make(chan Message, opts.SendBuffer),
		opts:    opts,
		logger:  logger.With(zap.String("connID", id)),
		metrics: m,
	}
	if ws != nil {
		c.RemoteAddr = ws.RemoteAddr().String()
	}
	return c
}

// Send enqueues msg for the write pump. A full buffer drops the message
// instead of stalling the caller; presence state self-heals on the next event.
func (c *Conn) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		c.metrics.RecordDrop(metrics.ReasonClosed)
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.metrics.RecordDrop(metrics.ReasonBufferFull)
		c.logger.Warn("Send buffer full, dropping message",
			zap.String("type", string(msg.Type)),
		)
		return false
	}
}

func (c *Conn) SendError(code int, text string) {
	msg, err := NewMessage(EventError, ErrorPayload{Code: code, Message: text})
	if err != nil {
		c.logger.Error("Failed to encode error message", zap.Error(err))
		return
	}
	c.Send(msg)
}

// Close stops accepting messages and lets the write pump flush a close frame.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		close(c.send)
		c.mu.Unlock()
	})
}

// ReadPump reads client events until the socket fails. OnDisconnect runs
// exactly once when it returns.
func (c *Conn) ReadPump() {
	defer func() {
		if c.OnDisconnect != nil {
			c.OnDisconnect(c)
		}
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.opts.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var message Message
		if err := json.Unmarshal(raw, &message); err != nil {
			c.SendError(400, "Invalid message format")
			continue
		}

		message.From = c.ID
		message.Timestamp = time.Now()

		if c.OnMessage != nil {
			c.OnMessage(c, message)
		}
	}
}

func (c *Conn) WritePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.ws.WriteJSON(message); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
