// Package transport ties a channel, the correlator and the reconnect
// supervisor together into one client connection to the inference server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"

	"github.com/codefionn/inferlink/internal/channel"
	"github.com/codefionn/inferlink/internal/config"
	"github.com/codefionn/inferlink/internal/correlator"
	"github.com/codefionn/inferlink/internal/logger"
	"github.com/codefionn/inferlink/internal/reconnect"
	"github.com/codefionn/inferlink/internal/socketutil"
	"github.com/codefionn/inferlink/internal/wire"
)

var errReconfigured = errors.New("transport reconfigured")

// Status is a diagnostic snapshot.
type Status struct {
	Connected bool
	Kind      channel.Kind
	Endpoint  string
	Reconnect reconnect.State
	Pending   int
}

func (s Status) String() string {
	if !s.Connected {
		return fmt.Sprintf("disconnected (reconnect %s, %d pending)", s.Reconnect, s.Pending)
	}
	return fmt.Sprintf("connected via %s to %s (%d pending)", s.Kind, s.Endpoint, s.Pending)
}

// Option customizes a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithHTTPClient sets the client used by the HTTP channel.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.httpClient = c }
}

// WithBackOff replaces the reconnect delay policy.
func WithBackOff(b backoff.BackOff) Option {
	return func(t *Transport) { t.policy = b }
}

// WithSocketSupport overrides platform detection for auto mode.
func WithSocketSupport(supported bool) Option {
	return func(t *Transport) { t.supportsSocket = supported }
}

// WithFactory replaces how channels are built.
func WithFactory(f socketutil.Factory) Option {
	return func(t *Transport) { t.factoryOverride = f }
}

// Transport is safe for concurrent use. Calls are serialized on the wire in
// submission order.
type Transport struct {
	log             *logger.Logger
	httpClient      *http.Client
	policy          backoff.BackOff
	supportsSocket  bool
	factoryOverride socketutil.Factory

	corr *correlator.Correlator
	sup  *reconnect.Supervisor

	connectMu sync.Mutex

	// mu guards cfg and ch. Records are delivered to the correlator while
	// holding it so a replaced channel can not deliver stale records.
	mu  sync.Mutex
	cfg *config.Config
	ch  channel.Channel

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a transport for cfg. Nothing is connected until Connect or
// the first Call.
func New(cfg *config.Config, opts ...Option) *Transport {
	cfg = cfg.Clone()
	t := &Transport{
		cfg:            cfg,
		supportsSocket: socketutil.SupportsLocalSocket(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = logger.OrGlobal(t.log).WithPrefix("transport")
	if t.policy == nil {
		t.policy = backoff.NewConstantBackOff(cfg.Transport.ReconnectDelay())
	}

	t.corr = correlator.New(correlator.Options{
		Logger:        t.log,
		CallTimeout:   cfg.Transport.CallTimeout(),
		StreamTimeout: cfg.Transport.StreamTimeout(),
		OnStall:       t.stalled,
	})
	t.sup = reconnect.New(t.connect, reconnect.Options{
		Logger:         t.log,
		Policy:         t.policy,
		ConnectTimeout: cfg.Transport.ConnectTimeout(),
	})
	return t
}

// Connect opens a channel now. A failure arms the reconnect supervisor and
// is returned as a wire.ErrConnection.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.connect(ctx); err != nil {
		if !t.closed.Load() {
			t.sup.ConnectionLost(err)
		}
		return err
	}
	t.sup.Connected()
	return nil
}

// connect is shared by explicit connects and the supervisor.
func (t *Transport) connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	if t.closed.Load() {
		return wire.NewClosedError("connect after close")
	}

	t.mu.Lock()
	if t.ch != nil {
		t.mu.Unlock()
		return nil
	}
	cfg := t.cfg
	t.mu.Unlock()

	plan := socketutil.Decide(cfg.Mode(), t.supportsSocket)
	ch, err := socketutil.Open(ctx, plan, t.factory(cfg), t.log)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		ch.Close()
		return wire.NewClosedError("connect after close")
	}
	t.ch = ch
	t.corr.Attach(ch.Write)
	t.mu.Unlock()

	go t.readLoop(ch)
	t.log.Info("Connected via %s to %s", ch.Kind(), ch.Endpoint())
	return nil
}

func (t *Transport) factory(cfg *config.Config) socketutil.Factory {
	if t.factoryOverride != nil {
		return t.factoryOverride
	}
	opts := channel.Options{
		Logger:         t.log,
		ConnectTimeout: cfg.Transport.ConnectTimeout(),
		HTTPClient:     t.httpClient,
	}
	return func(kind channel.Kind) channel.Channel {
		switch kind {
		case channel.KindSocket:
			return channel.NewUnix(cfg.Transport.SocketPath, opts)
		case channel.KindWebSocket:
			url := cfg.Transport.WebSocketURL
			if url == "" {
				url = cfg.Transport.HTTPBaseURL
			}
			return channel.NewWebSocket(url, opts)
		default:
			return channel.NewHTTP(cfg.Transport.HTTPBaseURL, opts)
		}
	}
}

// readLoop decodes one channel's bytes until it closes.
func (t *Transport) readLoop(ch channel.Channel) {
	decoder := wire.NewDecoder(t.log)
	for {
		select {
		case p := <-ch.Incoming():
			t.deliver(ch, decoder.Feed(p))
		case <-ch.Done():
			// Records that arrived before the closure still count.
		drain:
			for {
				select {
				case p := <-ch.Incoming():
					t.deliver(ch, decoder.Feed(p))
				default:
					break drain
				}
			}
			if n := decoder.Pending(); n > 0 {
				t.log.Debug("Discarding %d bytes of unterminated input", n)
			}
			t.closedUnexpectedly(ch)
			return
		}
	}
}

func (t *Transport) deliver(ch channel.Channel, msgs []wire.Incoming) {
	if len(msgs) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch != ch {
		return
	}
	for _, msg := range msgs {
		t.corr.Deliver(msg)
	}
}

// closedUnexpectedly handles a channel that ended without being replaced.
func (t *Transport) closedUnexpectedly(ch channel.Channel) {
	t.mu.Lock()
	if t.ch != ch {
		t.mu.Unlock()
		return
	}
	t.ch = nil
	err := ch.Err()
	if err == nil {
		err = wire.NewConnectionError(ch.Endpoint(), errors.New("connection closed"))
	}
	t.corr.ConnectionLost(err)
	t.mu.Unlock()

	if t.closed.Load() {
		return
	}
	t.log.Warn("Lost %s connection: %v", ch.Kind(), err)
	t.sup.ConnectionLost(err)
}

// Call submits req, connecting first if needed. The returned call is
// written once every call submitted before it has finished.
func (t *Transport) Call(ctx context.Context, req *wire.Request) (*correlator.Call, error) {
	if t.closed.Load() {
		return nil, wire.NewClosedError("call after close")
	}
	if !t.connected() {
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
	}
	return t.corr.Submit(req)
}

// Send writes an out-of-band frame on the current connection. It bypasses
// the call queue, so the correlator does not expect a reply to it. Cancels
// go through Cancel.
func (t *Transport) Send(ctx context.Context, frame interface{}) error {
	line, err := wire.Encode(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()

	if ch == nil {
		return wire.NewWriteError("", errors.New("not connected"))
	}
	return ch.Write(ctx, line)
}

// Cancel abandons call and, if it is on the wire, sends a cancel frame for
// it. The server's reply to the frame is drained before the next call is
// written. It reports whether the frame was sent.
func (t *Transport) Cancel(ctx context.Context, call *correlator.Call) (bool, error) {
	line, err := wire.Encode(wire.CancelFrame{Cancel: true})
	if err != nil {
		return false, fmt.Errorf("failed to encode cancel frame: %w", err)
	}
	return t.corr.Cancel(ctx, call, line)
}

// stalled drops a connection whose server stopped answering and lets the
// supervisor open a fresh one for the queued calls.
func (t *Transport) stalled(err error) {
	if t.closed.Load() {
		return
	}

	t.mu.Lock()
	old := t.ch
	t.ch = nil
	if old != nil {
		t.corr.ConnectionLost(err)
	}
	t.mu.Unlock()

	if old != nil {
		old.Close()
		t.log.Warn("Dropped stalled %s connection: %v", old.Kind(), err)
	}
	t.sup.ConnectionLost(err)
}

// Reconfigure replaces the configuration. The current channel is dropped
// and selection is re-evaluated on the next connect; a call on the wire is
// rejected with a connection error, queued calls carry over.
func (t *Transport) Reconfigure(cfg *config.Config) {
	if t.closed.Load() {
		return
	}
	cfg = cfg.Clone()

	t.mu.Lock()
	t.cfg = cfg
	old := t.ch
	t.ch = nil
	if old != nil {
		t.corr.ConnectionLost(wire.NewConnectionError(old.Endpoint(), errReconfigured))
	}
	t.mu.Unlock()

	t.corr.SetTimeouts(cfg.Transport.CallTimeout(), cfg.Transport.StreamTimeout())
	if old != nil {
		old.Close()
		t.log.Info("Configuration changed, dropped %s connection", old.Kind())
	}
	if t.corr.Pending() > 0 {
		t.sup.ConnectionLost(errReconfigured)
	}
}

// Close tears the transport down. It is safe to call more than once; only
// the first call has an effect.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.sup.Stop()

		t.mu.Lock()
		ch := t.ch
		t.ch = nil
		t.mu.Unlock()

		t.corr.Shutdown(wire.NewClosedError("transport closed"))
		if ch != nil {
			ch.Close()
		}
		t.log.Debug("Transport closed")
	})
	return nil
}

func (t *Transport) connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch != nil
}

// Kind returns the kind of the live channel, or "" when disconnected.
func (t *Transport) Kind() channel.Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		return ""
	}
	return t.ch.Kind()
}

// State returns a diagnostic snapshot.
func (t *Transport) State() Status {
	t.mu.Lock()
	status := Status{Connected: t.ch != nil}
	if t.ch != nil {
		status.Kind = t.ch.Kind()
		status.Endpoint = t.ch.Endpoint()
	}
	t.mu.Unlock()

	status.Reconnect = t.sup.State()
	status.Pending = t.corr.Pending()
	return status
}

// Config returns a copy of the active configuration.
func (t *Transport) Config() *config.Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Clone()
}
