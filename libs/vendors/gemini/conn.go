package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// MaxMessageSize bounds a single server frame (16MB).
	MaxMessageSize = 16 * 1024 * 1024

	dialTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// ErrMalformed is returned by Receive for a frame that is not a valid
// server message. The connection is still usable.
var ErrMalformed = errors.New("malformed gemini message")

// Client dials Live API sessions.
type Client struct {
	endpoint string
	apiKey   string
	dialer   *websocket.Dialer
}

// New constructs a client for the given websocket endpoint. The API key is
// sent both as the key query parameter and the x-goog-api-key header.
func New(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		},
	}
}

// Dial opens a new session. The caller still has to send the setup message.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse gemini url: %w", err)
	}
	header := http.Header{}
	if c.apiKey != "" {
		q := u.Query()
		q.Set("key", c.apiKey)
		u.RawQuery = q.Encode()
		header.Set("x-goog-api-key", c.apiKey)
	}

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gemini: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gemini: %w", err)
	}
	ws.SetReadLimit(MaxMessageSize)
	return &Conn{ws: ws}, nil
}

// Conn is one Live API session. Send may be called from several goroutines;
// Receive must be called from a single reader.
type Conn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *Conn) Send(msg ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("write gemini message: %w", err)
	}
	return nil
}

// Receive blocks until the next server message arrives.
func (c *Conn) Receive() (*ServerMessage, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read gemini message: %w", err)
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &msg, nil
}

// Close sends a close frame and releases the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
