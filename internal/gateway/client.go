package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	URL              string // ws://host:port/ws
	ClientID         string // empty lets the server assign one
	UserID           string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	BufferSize       int
}

// RejectedError is returned by Dial when the server refused the handshake.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %d %s", ErrRejected, e.StatusCode, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Client is a gateway client, used by the probe command and tests.
type Client struct {
	cfg    ClientConfig
	conn   *websocket.Conn
	logger *slog.Logger

	messages chan Outbound
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	readErr   error
}

// Dial connects to the gateway.
func Dial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	if cfg.ClientID != "" {
		q.Set("client_id", cfg.ClientID)
	}
	if cfg.UserID != "" {
		q.Set("user_id", cfg.UserID)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &RejectedError{StatusCode: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		cfg:      cfg,
		conn:     conn,
		logger:   logger,
		messages: make(chan Outbound, cfg.BufferSize),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send writes a message.
func (c *Client) Send(msg Inbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Next returns the next server message. It fails once the connection is
// closed and every buffered message has been read.
func (c *Client) Next(ctx context.Context) (Outbound, error) {
	select {
	case msg, ok := <-c.messages:
		if !ok {
			return Outbound{}, c.err()
		}
		return msg, nil
	case <-ctx.Done():
		return Outbound{}, ctx.Err()
	}
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) err() error {
	if c.readErr != nil {
		return c.readErr
	}
	return ErrClosed
}

// readLoop decodes server messages into the messages channel.
func (c *Client) readLoop() {
	defer close(c.messages)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.readErr = err
			}
			return
		}

		var msg Outbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("undecodable server message", "error", err)
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.done:
			return
		default:
			c.logger.Warn("message buffer full, dropping message", "type", msg.Type)
		}
	}
}
