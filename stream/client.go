package stream

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// readIdleTimeout bounds a single frame read; the broker heartbeats
// often enough that a quiet connection this long is dead.
const readIdleTimeout = 20 * time.Second

// Client is a thin gorilla/websocket wrapper with serialized writes.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Dial connects and sends the approval handshake frame.
func Dial(url, approvalKey string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	c := &Client{conn: conn}
	approval := request{
		Header: requestHeader{
			ApprovalKey: approvalKey,
			CustType:    "P",
			TrType:      trTypeSubscribe,
			ContentType: "utf-8",
		},
	}
	if err := c.WriteJSON(approval); err != nil {
		conn.Close()
		return nil, fmt.Errorf("approval handshake failed: %w", err)
	}
	return c, nil
}

// WriteJSON sends one frame, thread-safely.
func (c *Client) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection is nil")
	}
	return c.conn.WriteJSON(v)
}

// Read returns the next raw frame, bounded by the idle timeout.
func (c *Client) Read() ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(readIdleTimeout)); err != nil {
		return nil, err
	}
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
