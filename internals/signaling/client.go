package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrClientClosed = errors.New("signaling client closed")

const (
	clientWriteWait  = 10 * time.Second
	clientPongWait   = 60 * time.Second
	clientPingPeriod = (clientPongWait * 9) / 10
	clientReadLimit  = 64 * 1024
)

// Client is the endpoint side of the relay connection. Incoming messages are
// delivered in order on Incoming, which is closed when the connection ends.
type Client struct {
	conn     *websocket.Conn
	incoming chan Message
	outgoing chan Message
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

// Dial connects to the relay's websocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		conn:     conn,
		incoming: make(chan Message, 64),
		outgoing: make(chan Message, 64),
		done:     make(chan struct{}),
	}

	c.conn.SetReadLimit(clientReadLimit)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(clientPongWait))

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(clientPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues msg for the relay without blocking.
func (c *Client) Send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case c.outgoing <- msg:
		return nil
	default:
		return fmt.Errorf("signaling client outgoing queue full, dropped %s", msg.Type)
	}
}

// Emit encodes payload and sends it as an event of type t.
func (c *Client) Emit(t EventType, payload any) error {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

func (c *Client) Incoming() <-chan Message {
	return c.incoming
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}
