// Package channel provides the byte-level connections to the inference server.
//
// A Channel owns exactly one logical connection. It never reconnects itself:
// once Done is closed the instance is spent and a new one must be built.
// Three implementations share the contract:
//
//   - Unix: a Unix domain socket, lowest latency, one persistent stream
//   - HTTP: one POST per line, NDJSON response bodies replayed in order
//   - WebSocket: one text message per line
package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/codefionn/inferlink/internal/consts"
	"github.com/codefionn/inferlink/internal/logger"
)

// Kind names a channel implementation.
type Kind string

const (
	KindSocket    Kind = "socket"
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "websocket"
)

// Channel is one logical connection to the server.
type Channel interface {
	// Connect opens the connection. Failures are wire.ErrConnection.
	Connect(ctx context.Context) error
	// Write sends one or more complete lines. Failures are wire.ErrWrite.
	Write(ctx context.Context, p []byte) error
	// Incoming delivers raw bytes in arrival order.
	Incoming() <-chan []byte
	// Done is closed exactly once when the connection ends.
	Done() <-chan struct{}
	// Err reports why Done closed; nil means Close was called locally.
	Err() error
	// Close ends the connection. Safe to call more than once.
	Close() error
	Kind() Kind
	Endpoint() string
}

// Options tune every channel implementation.
type Options struct {
	Logger         *logger.Logger
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// HTTPClient is used by the HTTP channel; nil selects a client without
	// an overall timeout so long generations are not cut off.
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = consts.ConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = consts.WriteTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	o.Logger = logger.OrGlobal(o.Logger)
	return o
}

const incomingBuffer = 256

// lifecycle carries the parts every implementation shares: the incoming
// queue and the exactly-once closure notification.
type lifecycle struct {
	incoming  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newLifecycle() lifecycle {
	return lifecycle{
		incoming: make(chan []byte, incomingBuffer),
		done:     make(chan struct{}),
	}
}

func (l *lifecycle) Incoming() <-chan []byte { return l.incoming }

func (l *lifecycle) Done() <-chan struct{} { return l.done }

func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// finish records err and closes done. Only the first call has an effect.
func (l *lifecycle) finish(err error) bool {
	first := false
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
		first = true
	})
	return first
}

func (l *lifecycle) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// deliver hands p to the reader unless the channel has ended.
func (l *lifecycle) deliver(p []byte) bool {
	select {
	case l.incoming <- p:
		return true
	case <-l.done:
		return false
	}
}

// writeDeadline picks the earlier of the context deadline and fallback.
func writeDeadline(ctx context.Context, fallback time.Duration) time.Time {
	deadline := time.Now().Add(fallback)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}
