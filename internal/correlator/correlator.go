// Package correlator pairs server records with the calls that caused them.
//
// The protocol carries no request ids, so attribution is positional: at most
// one call is on the wire at a time and everything the server sends belongs
// to it until a terminal record arrives. Further calls wait in a FIFO queue.
//
// A call that is given up while on the wire (timeout, Close, cancelled
// context) becomes an orphan. The server will still answer it, so the next
// terminal record, and any chunks before it, are drained without being
// attributed to anyone. Only then is the next queued call written. A cancel
// frame is answered like any other line and owes one more terminal record.
//
// The wait for owed records is bounded by the orphaned call's budget. When
// it runs out the connection is reported as stalled.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/inferlink/internal/consts"
	"github.com/codefionn/inferlink/internal/logger"
	"github.com/codefionn/inferlink/internal/wire"
)

// ErrAbandoned is returned by a call after Close.
var ErrAbandoned = errors.New("call abandoned")

// Writer puts one encoded line on the current connection.
type Writer func(ctx context.Context, line []byte) error

// Options configure a Correlator.
type Options struct {
	Logger        *logger.Logger
	CallTimeout   time.Duration
	StreamTimeout time.Duration
	// OnStall is called when owed records did not arrive in time. The
	// writer is detached first; the owner is expected to drop the connection
	// and Attach a new one. Without OnStall dispatching resumes on the
	// current writer.
	OnStall func(err error)
}

// FinalResult is the terminal outcome of a successful call.
type FinalResult struct {
	CallID string
	// Output is the server's output field verbatim. Streaming servers may
	// leave it empty.
	Output string
	// Streamed holds the concatenated chunks of a streaming call.
	Streamed string
	Metrics  *wire.Metrics
	Elapsed  time.Duration
}

// Text returns Output, or the streamed text when Output is empty.
func (r *FinalResult) Text() string {
	if r.Output != "" {
		return r.Output
	}
	return r.Streamed
}

type callState int

const (
	stateQueued callState = iota
	stateActive
	stateFinished
)

// Call is one submitted request. It is a finite stream: Next yields chunks
// until io.EOF or an error, and can not be restarted. A Call has a single
// consumer.
type Call struct {
	ID        string
	Streaming bool

	owner   *Correlator
	line    []byte
	budget  time.Duration
	timer   *time.Timer
	started time.Time

	// guarded by owner.mu
	state    callState
	chunks   []string
	streamed strings.Builder
	final    *FinalResult
	err      error

	notify chan struct{}
	done   chan struct{}
}

// Correlator owns the in-flight call, the queue and the orphan count.
type Correlator struct {
	log           *logger.Logger
	callTimeout   time.Duration
	streamTimeout time.Duration

	onStall       func(error)

	mu       sync.Mutex
	writer   Writer
	queue    []*Call
	active   *Call
	orphans  int
	closed   bool
	closeErr error

	// epoch changes whenever the orphan count is reset.
	epoch       uint64
	drain       *time.Timer
	drainGen    uint64
	drainBudget time.Duration
}

// New creates a correlator with no connection attached.
func New(opts Options) *Correlator {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = consts.CallTimeout
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = consts.StreamCallTimeout
	}
	return &Correlator{
		log:           logger.OrGlobal(opts.Logger).WithPrefix("correlator"),
		callTimeout:   opts.CallTimeout,
		streamTimeout: opts.StreamTimeout,
		onStall:       opts.OnStall,
	}
}

// Submit encodes req and queues it. The call is written as soon as the wire
// is idle and a connection is attached.
func (c *Correlator) Submit(req *wire.Request) (*Call, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	line, err := wire.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	call := &Call{
		ID:        uuid.New().String(),
		Streaming: req.Stream,
		owner:     c,
		line:      line,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, c.closeErr
	}
	call.budget = c.callTimeout
	if req.Stream {
		call.budget = c.streamTimeout
	}
	c.queue = append(c.queue, call)
	c.log.Debug("Queued call %s (stream=%v, queue=%d)", call.ID, call.Streaming, len(c.queue))
	c.dispatchLocked()
	return call, nil
}

// Attach installs the writer of a freshly connected channel and resumes
// dispatching. Orphans of a previous connection are forgotten.
func (c *Correlator) Attach(w Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.writer = w
	c.resetOrphansLocked()
	c.dispatchLocked()
}

// Deliver routes one decoded record.
func (c *Correlator) Deliver(msg wire.Incoming) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.orphans > 0 {
		if msg.Terminal() {
			c.orphans--
			c.log.Debug("Drained late %s for an abandoned call (%d orphans left)", msg.Kind, c.orphans)
			if c.orphans == 0 {
				c.stopDrainLocked()
			} else {
				c.armDrainLocked()
			}
			c.dispatchLocked()
		}
		return
	}

	call := c.active
	if call == nil {
		c.log.Warn("Dropping unsolicited %s record", msg.Kind)
		return
	}

	switch msg.Kind {
	case wire.KindChunk:
		if !call.Streaming {
			return
		}
		call.streamed.WriteString(msg.Text)
		call.chunks = append(call.chunks, msg.Text)
		call.signal()
	case wire.KindFinal:
		c.active = nil
		c.finishLocked(call, &FinalResult{
			CallID:   call.ID,
			Output:   msg.Text,
			Streamed: call.streamed.String(),
			Metrics:  msg.Metrics,
			Elapsed:  time.Since(call.started),
		}, nil)
		c.dispatchLocked()
	case wire.KindError:
		c.active = nil
		c.finishLocked(call, nil, wire.NewServerError(msg.Err))
		c.dispatchLocked()
	}
}

// ConnectionLost rejects the call on the wire and detaches the writer.
// Queued calls wait for the next Attach.
func (c *Correlator) ConnectionLost(err error) {
	if !errors.Is(err, wire.ErrConnection) {
		err = wire.NewConnectionError("", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writer = nil
	c.resetOrphansLocked()
	if call := c.active; call != nil {
		c.active = nil
		c.log.Debug("Call %s lost its connection", call.ID)
		c.finishLocked(call, nil, err)
	}
}

// Shutdown rejects every outstanding call with err and refuses new ones.
func (c *Correlator) Shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	c.writer = nil
	c.stopDrainLocked()

	if call := c.active; call != nil {
		c.active = nil
		c.finishLocked(call, nil, err)
	}
	for _, call := range c.queue {
		c.finishLocked(call, nil, err)
	}
	c.queue = nil
}

// SetTimeouts changes the budgets of calls submitted from now on.
func (c *Correlator) SetTimeouts(call, stream time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if call > 0 {
		c.callTimeout = call
	}
	if stream > 0 {
		c.streamTimeout = stream
	}
}

// Pending reports the number of queued calls plus the one on the wire.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.queue)
	if c.active != nil {
		n++
	}
	return n
}

// Orphans reports how many terminal records are still owed to abandoned calls.
func (c *Correlator) Orphans() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orphans
}

// dispatchLocked writes the queue head if the wire is idle.
func (c *Correlator) dispatchLocked() {
	if c.closed || c.active != nil || c.orphans > 0 || c.writer == nil || len(c.queue) == 0 {
		return
	}

	call := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]

	c.active = call
	call.state = stateActive
	call.started = time.Now()
	call.timer = time.AfterFunc(call.budget, func() { c.expire(call) })

	go c.send(call, c.writer)
}

func (c *Correlator) send(call *Call, w Writer) {
	err := w(context.Background(), call.line)
	if err == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != call {
		return
	}
	c.active = nil
	c.log.Warn("Failed to send call %s: %v", call.ID, err)
	if !errors.Is(err, wire.ErrWrite) {
		err = wire.NewWriteError("", err)
	}
	c.finishLocked(call, nil, err)
	c.dispatchLocked()
}

func (c *Correlator) expire(call *Call) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != call {
		return
	}
	c.active = nil
	c.orphanLocked(call.budget, 1)
	c.log.Warn("Call %s timed out after %s", call.ID, call.budget)
	c.finishLocked(call, nil, wire.NewTimeoutError(call.ID, call.budget))
}

// abandon gives up on call. A queued call is dropped; a call on the wire
// turns into an orphan. It reports whether call was still outstanding.
func (c *Correlator) abandon(call *Call, reason error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch call.state {
	case stateFinished:
		return false
	case stateQueued:
		for i, queued := range c.queue {
			if queued == call {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
	case stateActive:
		if c.active == call {
			c.active = nil
			c.orphanLocked(call.budget, 1)
		}
	}
	c.log.Debug("Call %s abandoned: %v", call.ID, reason)
	c.finishLocked(call, nil, reason)
	c.dispatchLocked()
	return true
}

// Cancel abandons call and, if it is on the wire, writes frame to ask the
// server to stop. The server answers frame with a terminal record of its
// own, so the next call waits for both the cancelled call's record and
// that one. Cancel reports whether frame was written; nothing is written
// for a call that already settled or never left the queue.
func (c *Correlator) Cancel(ctx context.Context, call *Call, frame []byte) (bool, error) {
	c.mu.Lock()
	if call.state != stateActive || c.active != call || c.writer == nil {
		c.mu.Unlock()
		c.abandon(call, ErrAbandoned)
		return false, nil
	}
	w := c.writer
	epoch := c.epoch
	c.active = nil
	c.orphanLocked(call.budget, 2)
	c.log.Debug("Call %s cancelled on the wire", call.ID)
	c.finishLocked(call, nil, ErrAbandoned)
	c.mu.Unlock()

	err := w(ctx, frame)
	if err == nil {
		return true, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// No reply is owed for a frame that never left.
	if c.epoch == epoch && c.orphans > 0 {
		c.orphans--
		if c.orphans == 0 {
			c.stopDrainLocked()
		}
		c.dispatchLocked()
	}
	return false, err
}

// orphanLocked records n owed terminal records and restarts the drain
// timer with budget.
func (c *Correlator) orphanLocked(budget time.Duration, n int) {
	c.orphans += n
	c.drainBudget = budget
	c.armDrainLocked()
}

func (c *Correlator) armDrainLocked() {
	c.stopDrainLocked()
	gen := c.drainGen
	c.drain = time.AfterFunc(c.drainBudget, func() { c.drainExpired(gen) })
}

func (c *Correlator) stopDrainLocked() {
	c.drainGen++
	if c.drain != nil {
		c.drain.Stop()
		c.drain = nil
	}
}

func (c *Correlator) resetOrphansLocked() {
	c.orphans = 0
	c.epoch++
	c.stopDrainLocked()
}

// drainExpired gives up on records that were owed for longer than the
// orphaned call's budget.
func (c *Correlator) drainExpired(gen uint64) {
	c.mu.Lock()
	if gen != c.drainGen || c.closed || c.orphans == 0 {
		c.mu.Unlock()
		return
	}
	owed := c.orphans
	budget := c.drainBudget
	c.resetOrphansLocked()
	err := wire.NewConnectionError("", fmt.Errorf("server still owes %d replies after %s", owed, budget))
	c.log.Warn("Connection stalled: %v", err)

	stall := c.onStall
	if stall == nil {
		c.dispatchLocked()
		c.mu.Unlock()
		return
	}
	c.writer = nil
	c.mu.Unlock()
	stall(err)
}

// finishLocked settles call exactly once.
func (c *Correlator) finishLocked(call *Call, final *FinalResult, err error) {
	if call.state == stateFinished {
		return
	}
	call.state = stateFinished
	if call.timer != nil {
		call.timer.Stop()
	}
	call.final = final
	call.err = err
	close(call.done)
	call.signal()
}

func (call *Call) signal() {
	select {
	case call.notify <- struct{}{}:
	default:
	}
}

// Next returns the next streamed chunk. It returns io.EOF once the call has
// completed successfully, or the error that ended it. Cancelling ctx
// abandons the call.
func (call *Call) Next(ctx context.Context) (string, error) {
	c := call.owner
	for {
		c.mu.Lock()
		if len(call.chunks) > 0 {
			token := call.chunks[0]
			call.chunks[0] = ""
			call.chunks = call.chunks[1:]
			c.mu.Unlock()
			return token, nil
		}
		if call.state == stateFinished {
			err := call.err
			c.mu.Unlock()
			if err != nil {
				return "", err
			}
			return "", io.EOF
		}
		c.mu.Unlock()

		select {
		case <-call.notify:
		case <-ctx.Done():
			c.abandon(call, ctx.Err())
			return "", ctx.Err()
		}
	}
}

// Result drains any remaining chunks and returns the terminal outcome.
func (call *Call) Result(ctx context.Context) (*FinalResult, error) {
	for {
		_, err := call.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	c := call.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	return call.final, nil
}

// Done is closed when the call has settled.
func (call *Call) Done() <-chan struct{} {
	return call.done
}

// Close abandons the call if it has not settled yet. No cancel frame is
// sent; see Correlator.Cancel.
func (call *Call) Close() error {
	call.owner.abandon(call, ErrAbandoned)
	return nil
}
