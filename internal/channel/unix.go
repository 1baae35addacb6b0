package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/codefionn/inferlink/internal/consts"
	"github.com/codefionn/inferlink/internal/logger"
	"github.com/codefionn/inferlink/internal/wire"
)

// UnixChannel is a persistent Unix domain socket connection.
type UnixChannel struct {
	lifecycle

	path string
	opts Options
	log  *logger.Logger

	connMu  sync.Mutex
	conn    net.Conn
	writeMu sync.Mutex
}

// NewUnix creates an unconnected channel for the socket at path.
// A leading ~ is expanded to the home directory.
func NewUnix(path string, opts Options) *UnixChannel {
	opts = opts.withDefaults()
	return &UnixChannel{
		lifecycle: newLifecycle(),
		path:      ExpandPath(path),
		opts:      opts,
		log:       opts.Logger.WithPrefix("socket"),
	}
}

// ExpandPath expands ~ to the home directory
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func (c *UnixChannel) Kind() Kind { return KindSocket }

func (c *UnixChannel) Endpoint() string { return c.path }

// Connect dials the socket and starts the read pump.
func (c *UnixChannel) Connect(ctx context.Context) error {
	if c.closed() {
		return wire.NewConnectionError(c.path, errors.New("channel already closed"))
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return wire.NewConnectionError(c.path, errors.New("already connected"))
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "unix", c.path)
	if err != nil {
		return wire.NewConnectionError(c.path, err)
	}

	c.conn = conn
	c.log.Debug("Connected to %s", c.path)

	go c.readPump(conn)
	return nil
}

// readPump forwards raw reads until the connection ends.
func (c *UnixChannel) readPump(conn net.Conn) {
	buf := make([]byte, consts.BufferSize4KB)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !c.deliver(chunk) {
				return
			}
		}
		if err != nil {
			if c.closed() {
				return
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("server closed connection: %w", err)
			}
			c.log.Warn("Connection to %s lost: %v", c.path, err)
			c.finish(wire.NewConnectionError(c.path, err))
			conn.Close()
			return
		}
	}
}

// Write sends p with a deadline bounded by ctx and the write timeout.
func (c *UnixChannel) Write(ctx context.Context, p []byte) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil || c.closed() {
		return wire.NewWriteError(c.path, errors.New("not connected"))
	}
	if err := ctx.Err(); err != nil {
		return wire.NewWriteError(c.path, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(writeDeadline(ctx, c.opts.WriteTimeout)); err != nil {
		return wire.NewWriteError(c.path, err)
	}
	if _, err := conn.Write(p); err != nil {
		return wire.NewWriteError(c.path, err)
	}
	return nil
}

// Close ends the connection without a closure error.
func (c *UnixChannel) Close() error {
	c.finish(nil)

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
