package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	PingInterval = 30 * time.Second
	PongTimeout  = 60 * time.Second
	WriteTimeout = 10 * time.Second
)

// ErrConnClosed is returned by Receive after a normal close.
var ErrConnClosed = errors.New("live connection closed")

// Conn is an open realtime transport.
type Conn interface {
	Send(msg *ClientMessage) error
	Receive() (*ServerMessage, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer connects to a Gemini Live style endpoint.
type WebsocketDialer struct {
	URL          string
	APIKey       string
	PingInterval time.Duration
	Log          *log.Logger
}

func NewWebsocketDialer(
	logger *log.Logger,
	endpoint, apiKey string,
) *WebsocketDialer {
	return &WebsocketDialer{
		URL:          endpoint,
		APIKey:       apiKey,
		PingInterval: PingInterval,
		Log:          logger.WithPrefix("live"),
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	target, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid live endpoint %q: %w", d.URL, err)
	}
	if d.APIKey != "" {
		q := target.Query()
		q.Set("key", d.APIKey)
		target.RawQuery = q.Encode()
	}

	header := http.Header{}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
	}
	ws, resp, err := dialer.DialContext(ctx, target.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf(
				"failed to connect to live endpoint (status %d): %w",
				resp.StatusCode,
				err,
			)
		}
		return nil, fmt.Errorf("failed to connect to live endpoint: %w", err)
	}

	c := &websocketConn{
		ws:   ws,
		log:  d.Log,
		done: make(chan struct{}),
	}

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(PongTimeout))
	})

	interval := d.PingInterval
	if interval <= 0 {
		interval = PingInterval
	}
	go c.keepAlive(interval)

	return c, nil
}

type websocketConn struct {
	ws  *websocket.Conn
	log *log.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *websocketConn) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.ws.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(PongTimeout),
			)
			if err != nil {
				c.log.Warn("failed to send ping", "error", err)
				return
			}
		}
	}
}

func (c *websocketConn) Send(msg *ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Receive blocks for the next server message. Text and binary frames both
// carry JSON. Frames that do not decode are skipped.
func (c *websocketConn) Receive() (*ServerMessage, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil, ErrConnClosed
			}
			select {
			case <-c.done:
				return nil, ErrConnClosed
			default:
			}
			return nil, fmt.Errorf("live connection lost: %w", err)
		}

		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("skipping malformed server message", "error", err)
			continue
		}
		return &msg, nil
	}
}

func (c *websocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.done)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
