// Package realtime follows the messaging server's WebSocket event stream.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("realtime connection closed")

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
	maxBackoff   = 30 * time.Second
)

// Client keeps one WebSocket connection to the server.
type Client struct {
	url    string
	token  string
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	seq    int64
	closed bool
}

// New returns a client for the server at serverURL (http or https).
func New(serverURL, token string) *Client {
	wsURL := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	return &Client{
		url:    wsURL + "/api/v4/websocket",
		token:  token,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	return conn, nil
}

// Listen connects once and calls handle for every event until the connection
// drops, ctx is done or Close is called.
func (c *Client) Listen(ctx context.Context, handle func(Event)) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go c.keepAlive(ctx, conn, stop)

	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.isClosed() {
				return ErrClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("server closed connection: %w", err)
			}
			return fmt.Errorf("read event: %w", err)
		}
		if event.Event == "" {
			// replies to our own actions carry no event name
			continue
		}
		handle(event)
	}
}

// Run listens until ctx is done, reconnecting with backoff. onReconnect runs
// after every successful reconnect so the caller can catch up on missed
// events.
func (c *Client) Run(ctx context.Context, handle func(Event), onReconnect func(context.Context)) error {
	backoff := time.Second
	first := true
	for {
		started := time.Now()
		err := c.Listen(ctx, func(e Event) {
			if e.Event == EventHello && !first && onReconnect != nil {
				onReconnect(ctx)
			}
			first = false
			handle(e)
		})
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return err
		}
		if time.Since(started) > maxBackoff {
			backoff = time.Second
		}
		log.Printf("realtime: %v; reconnecting in %s", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send writes an action such as user_typing to the server.
func (c *Client) Send(action string, data map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return ErrClosed
	}
	c.seq++
	msg := map[string]any{"seq": c.seq, "action": action, "data": data}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops the client. A running Listen or Run returns ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	return c.conn.Close()
}
