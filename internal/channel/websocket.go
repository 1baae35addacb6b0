package channel

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codefionn/inferlink/internal/consts"
	"github.com/codefionn/inferlink/internal/logger"
	"github.com/codefionn/inferlink/internal/wire"
)

// WebSocketPath is the upgrade endpoint on the inference server.
const WebSocketPath = "/v1/ws"

const closeGracePeriod = time.Second

// WebSocketChannel carries one line per text message.
type WebSocketChannel struct {
	lifecycle

	url  string
	opts Options
	log  *logger.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWebSocket creates an unconnected channel. url may be a ws(s):// URL or
// an http(s) base URL, in which case the upgrade path is appended.
func NewWebSocket(url string, opts Options) *WebSocketChannel {
	opts = opts.withDefaults()
	return &WebSocketChannel{
		lifecycle: newLifecycle(),
		url:       WebSocketURL(url),
		opts:      opts,
		log:       opts.Logger.WithPrefix("websocket"),
	}
}

// WebSocketURL derives the upgrade URL from an HTTP base URL.
func WebSocketURL(base string) string {
	url := strings.TrimSpace(base)
	if strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://") {
		return url
	}
	url = NormalizeBaseURL(url)
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	default:
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + WebSocketPath
}

func (c *WebSocketChannel) Kind() Kind { return KindWebSocket }

func (c *WebSocketChannel) Endpoint() string { return c.url }

// Connect performs the upgrade handshake and starts the read pump.
func (c *WebSocketChannel) Connect(ctx context.Context) error {
	if c.closed() {
		return wire.NewConnectionError(c.url, errors.New("channel already closed"))
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return wire.NewConnectionError(c.url, errors.New("already connected"))
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.ConnectTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return wire.NewConnectionError(c.url, err)
	}
	conn.SetReadLimit(consts.MaxLineSize)

	c.conn = conn
	c.log.Debug("Connected to %s", c.url)

	go c.readPump(conn)
	return nil
}

func (c *WebSocketChannel) readPump(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.closed() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("WebSocket read error: %v", err)
			}
			c.finish(wire.NewConnectionError(c.url, err))
			conn.Close()
			return
		}
		if len(message) == 0 {
			continue
		}
		if message[len(message)-1] != wire.Terminator {
			message = append(message, wire.Terminator)
		}
		if !c.deliver(message) {
			return
		}
	}
}

// Write sends each line of p as its own text message.
func (c *WebSocketChannel) Write(ctx context.Context, p []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil || c.closed() {
		return wire.NewWriteError(c.url, errors.New("not connected"))
	}
	if err := ctx.Err(); err != nil {
		return wire.NewWriteError(c.url, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(writeDeadline(ctx, c.opts.WriteTimeout)); err != nil {
		return wire.NewWriteError(c.url, err)
	}
	for _, line := range bytes.Split(p, []byte{wire.Terminator}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
			return wire.NewWriteError(c.url, err)
		}
	}
	return nil
}

// Close sends a close frame and tears the connection down.
func (c *WebSocketChannel) Close() error {
	if !c.finish(nil) {
		return nil
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))
	c.writeMu.Unlock()

	return conn.Close()
}
