package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/inferlink/internal/wire"
)

// defaultMaxTokens applies when a request omits max_tokens.
const defaultMaxTokens = 1024

// missingPrompt is the reply to any line without a prompt, cancel frames
// included.
const missingPrompt = "Missing 'prompt' or 'messages'"

// recordWriter sends one record to the client as a single line.
type recordWriter func(record interface{}) error

// inbound is one parsed client line.
type inbound struct {
	req    *wire.Request
	cancel bool
	err    error
}

type inboundLine struct {
	Messages    []wire.Turn `json:"messages"`
	Prompt      string      `json:"prompt"`
	MaxTokens   *int        `json:"max_tokens"`
	Stream      bool        `json:"stream"`
	Temperature *float64    `json:"temperature"`
	Cancel      bool        `json:"cancel"`
}

func parseLine(line []byte) inbound {
	var raw inboundLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return inbound{err: err}
	}
	if raw.Cancel {
		return inbound{cancel: true}
	}
	maxTokens := defaultMaxTokens
	if raw.MaxTokens != nil {
		maxTokens = *raw.MaxTokens
	}
	return inbound{req: &wire.Request{
		Messages:    raw.Messages,
		Prompt:      raw.Prompt,
		MaxTokens:   maxTokens,
		Stream:      raw.Stream,
		Temperature: raw.Temperature,
	}}
}

// respond answers one inbound line with zero or more chunks followed by
// exactly one terminal record. It only fails when write fails.
func (s *Server) respond(ctx context.Context, in inbound, write recordWriter) error {
	if in.err != nil {
		return write(wire.ErrorRecord{Error: fmt.Sprintf("Invalid JSON: %v", in.err)})
	}
	if in.cancel {
		return write(wire.ErrorRecord{Error: missingPrompt})
	}
	prompt, ok := promptOf(in.req)
	if !ok {
		return write(wire.ErrorRecord{Error: missingPrompt})
	}

	start := time.Now()
	generated := 0
	var writeErr error
	output, err := s.gen.Generate(ctx, prompt, in.req.MaxTokens, func(token string) error {
		generated++
		if !in.req.Stream {
			return nil
		}
		if err := write(wire.Chunk{Token: token}); err != nil {
			writeErr = err
			return err
		}
		return nil
	})
	if writeErr != nil {
		return writeErr
	}
	switch {
	case errors.Is(err, context.Canceled):
		s.log.Info("Request cancelled after %d tokens", generated)
	case err != nil:
		return write(wire.ErrorRecord{Error: fmt.Sprintf("Inference failed: %v", err)})
	}

	elapsed := time.Since(start)
	metrics := &wire.Metrics{
		TokensGenerated: generated,
		TotalTimeMS:     elapsed.Milliseconds(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		metrics.SpeedTokensSec = float64(generated) / secs
	}
	if in.req.Stream {
		output = ""
	}
	return write(wire.Final{Output: output, Done: true, Metrics: metrics})
}

// runSession serves one persistent connection. Requests are answered one at
// a time in arrival order. A cancel frame aborts the request being answered
// and is then answered itself like any line without a prompt.
// It returns when read fails or a write fails.
func (s *Server) runSession(ctx context.Context, read func() ([]byte, error), write recordWriter) {
	ctx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	var (
		mu      sync.Mutex
		current context.CancelFunc
	)
	work := make(chan inbound, 64)

	go func() {
		defer close(work)
		for {
			line, err := read()
			if err != nil {
				return
			}
			if len(line) == 0 {
				continue
			}
			in := parseLine(line)
			if in.cancel {
				mu.Lock()
				if current != nil {
					current()
				}
				mu.Unlock()
			}
			select {
			case work <- in:
			case <-ctx.Done():
				return
			}
		}
	}()

	for in := range work {
		reqCtx, cancel := context.WithCancel(ctx)
		mu.Lock()
		current = cancel
		mu.Unlock()

		err := s.respond(reqCtx, in, write)

		mu.Lock()
		current = nil
		mu.Unlock()
		cancel()

		if err != nil {
			s.log.Debug("Session ended: %v", err)
			return
		}
	}
}
