// Package chat turns conversation turns into requests and normalizes the
// results for callers such as the CLI.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/codefionn/inferlink/internal/consts"
	"github.com/codefionn/inferlink/internal/correlator"
	"github.com/codefionn/inferlink/internal/logger"
	"github.com/codefionn/inferlink/internal/wire"
)

// ErrCancelled is returned by a chat that was cancelled locally.
var ErrCancelled = errors.New("chat cancelled")

// Caller is the part of the transport the orchestrator needs.
type Caller interface {
	Call(ctx context.Context, req *wire.Request) (*correlator.Call, error)
	// Cancel abandons call and asks the server to stop it. It reports
	// whether a cancel frame went out.
	Cancel(ctx context.Context, call *correlator.Call) (bool, error)
}

// Usage is normalized accounting. Fields the server did not report are 0.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TokensPerSecond  float64
	ServerTime       time.Duration
}

// Response is the outcome of one exchange.
type Response struct {
	CallID   string
	Text     string
	Usage    Usage
	Streamed bool
	Elapsed  time.Duration
}

// Options are request defaults.
type Options struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  *float64
	Logger       *logger.Logger
}

// Orchestrator is safe for concurrent use; exchanges are serialized by the
// transport underneath.
type Orchestrator struct {
	caller Caller
	log    *logger.Logger

	mu      sync.Mutex
	opts    Options
	current *correlator.Call
}

// New creates an orchestrator on top of caller.
func New(caller Caller, opts Options) *Orchestrator {
	o := &Orchestrator{
		caller: caller,
		log:    logger.OrGlobal(opts.Logger).WithPrefix("chat"),
	}
	o.SetOptions(opts)
	return o
}

// SetOptions replaces the request defaults for later exchanges.
func (o *Orchestrator) SetOptions(opts Options) {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = consts.DefaultMaxTokens
	}
	o.mu.Lock()
	o.opts = opts
	o.mu.Unlock()
}

// Chat sends turns and waits for the answer. When wantsStream is set each
// chunk is handed to onChunk as soon as it arrives, in server order.
// onChunk is never called for non-streaming exchanges.
func (o *Orchestrator) Chat(ctx context.Context, turns []wire.Turn, wantsStream bool, onChunk func(string)) (*Response, error) {
	req, err := o.buildRequest(turns, wantsStream)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	call, err := o.caller.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	o.setCurrent(call)
	defer o.clearCurrent(call)

	if wantsStream {
		for {
			token, err := call.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, o.translate(err)
			}
			if onChunk != nil {
				onChunk(token)
			}
		}
	}

	res, err := call.Result(ctx)
	if err != nil {
		return nil, o.translate(err)
	}

	o.log.Debug("Call %s finished in %s", res.CallID, time.Since(start))
	return &Response{
		CallID:   res.CallID,
		Text:     res.Text(),
		Usage:    usageFrom(res.Metrics),
		Streamed: wantsStream,
		Elapsed:  time.Since(start),
	}, nil
}

// Complete is a non-streaming Chat.
func (o *Orchestrator) Complete(ctx context.Context, turns []wire.Turn) (*Response, error) {
	return o.Chat(ctx, turns, false, nil)
}

// Stream is a streaming Chat.
func (o *Orchestrator) Stream(ctx context.Context, turns []wire.Turn, onChunk func(string)) (*Response, error) {
	return o.Chat(ctx, turns, true, onChunk)
}

// Cancel stops waiting for the current exchange and asks the server to
// stop generating. The server may ignore the request; any late reply is
// discarded. Cancel without an exchange in flight, or after it settled,
// does nothing.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	call := o.current
	o.mu.Unlock()

	if call == nil {
		return nil
	}

	sent, err := o.caller.Cancel(ctx, call)
	if err != nil {
		o.log.Warn("Failed to send cancel for call %s: %v", call.ID, err)
		return fmt.Errorf("failed to send cancel: %w", err)
	}
	if sent {
		o.log.Debug("Sent cancel for call %s", call.ID)
	}
	return nil
}

// InFlight reports whether an exchange is waiting for its answer.
func (o *Orchestrator) InFlight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

func (o *Orchestrator) buildRequest(turns []wire.Turn, stream bool) (*wire.Request, error) {
	if len(turns) == 0 {
		return nil, errors.New("at least one turn is required")
	}
	for i, turn := range turns {
		if !wire.ValidRole(turn.Role) {
			return nil, fmt.Errorf("turn %d: unsupported role %q", i, turn.Role)
		}
	}

	o.mu.Lock()
	opts := o.opts
	o.mu.Unlock()

	if opts.SystemPrompt != "" && turns[0].Role != wire.RoleSystem {
		turns = append([]wire.Turn{{Role: wire.RoleSystem, Content: opts.SystemPrompt}}, turns...)
	}
	req := wire.NewRequest(turns, opts.MaxTokens, stream)
	if opts.Temperature != nil {
		t := *opts.Temperature
		req.Temperature = &t
	}
	return req, nil
}

func (o *Orchestrator) translate(err error) error {
	if errors.Is(err, correlator.ErrAbandoned) {
		return ErrCancelled
	}
	return err
}

func (o *Orchestrator) setCurrent(call *correlator.Call) {
	o.mu.Lock()
	o.current = call
	o.mu.Unlock()
}

func (o *Orchestrator) clearCurrent(call *correlator.Call) {
	o.mu.Lock()
	if o.current == call {
		o.current = nil
	}
	o.mu.Unlock()
}

func usageFrom(m *wire.Metrics) Usage {
	if m == nil {
		return Usage{}
	}
	completion := m.CompletionTokens
	if completion == 0 {
		completion = m.TokensGenerated
	}
	return Usage{
		PromptTokens:     m.PromptTokens,
		CompletionTokens: completion,
		TokensPerSecond:  m.SpeedTokensSec,
		ServerTime:       time.Duration(m.TotalTimeMS) * time.Millisecond,
	}
}
