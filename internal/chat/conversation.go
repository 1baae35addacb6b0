package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/codefionn/inferlink/internal/wire"
)

// Conversation keeps the turn history of an interactive session.
type Conversation struct {
	mu    sync.Mutex
	turns []wire.Turn
}

// NewConversation starts an empty history.
func NewConversation() *Conversation {
	return &Conversation{}
}

// Ask sends the history plus text. On success both the question and the
// answer are appended; on failure the history is left unchanged.
func (c *Conversation) Ask(ctx context.Context, o *Orchestrator, text string, stream bool, onChunk func(string)) (*Response, error) {
	user := wire.Turn{Role: wire.RoleUser, Content: strings.TrimSpace(text)}

	c.mu.Lock()
	turns := append(append([]wire.Turn(nil), c.turns...), user)
	c.mu.Unlock()

	resp, err := o.Chat(ctx, turns, stream, onChunk)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.turns = append(c.turns, user, wire.Turn{Role: wire.RoleAssistant, Content: resp.Text})
	c.mu.Unlock()
	return resp, nil
}

// Turns returns a copy of the history.
func (c *Conversation) Turns() []wire.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Turn(nil), c.turns...)
}

// Len returns the number of turns.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Reset clears the history.
func (c *Conversation) Reset() {
	c.mu.Lock()
	c.turns = nil
	c.mu.Unlock()
}
