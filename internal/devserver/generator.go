package devserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/codefionn/inferlink/internal/wire"
)

// FailTrigger makes the echo generator fail when it is the whole prompt.
const FailTrigger = "!fail"

// Generator produces a completion token by token. emit is called once per
// token; the returned text is the full output.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int, emit func(token string) error) (string, error)
}

// EchoGenerator answers with the prompt itself, one word per token.
type EchoGenerator struct {
	Delay time.Duration
}

func (g EchoGenerator) Generate(ctx context.Context, prompt string, maxTokens int, emit func(string) error) (string, error) {
	if strings.TrimSpace(prompt) == FailTrigger {
		return "", errors.New("simulated failure")
	}

	var out strings.Builder
	for i, token := range tokenize("Echo: " + prompt) {
		if maxTokens > 0 && i >= maxTokens {
			break
		}
		if g.Delay > 0 {
			select {
			case <-ctx.Done():
				return out.String(), ctx.Err()
			case <-time.After(g.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return out.String(), err
		}
		out.WriteString(token)
		if err := emit(token); err != nil {
			return out.String(), err
		}
	}
	return out.String(), nil
}

// tokenize splits s into words, each keeping its leading whitespace.
func tokenize(s string) []string {
	var tokens []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i] == ' ' && s[i-1] != ' ' {
			tokens = append(tokens, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		tokens = append(tokens, s[start:])
	}
	return tokens
}

// promptOf renders the request into a single prompt string: the raw prompt
// if given, otherwise the content of the last user turn.
func promptOf(req *wire.Request) (string, bool) {
	if len(req.Messages) == 0 {
		return req.Prompt, req.Prompt != ""
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == wire.RoleUser {
			return req.Messages[i].Content, true
		}
	}
	return req.Messages[len(req.Messages)-1].Content, true
}
