// Package wire implements the line-delimited JSON protocol spoken with the
// local inference server: request and response records, the line codec and
// the transport error taxonomy.
//
// Every record is one JSON object on one line, terminated by a single '\n'.
// Responses come in three variants, told apart by which fields are present:
//
//	{"token":"he"}                                   chunk (streaming only)
//	{"output":"hello","done":true,"metrics":{...}}   final, terminal
//	{"error":"model not loaded"}                     error, terminal
package wire

import (
	"fmt"
	"strings"

	"github.com/codefionn/inferlink/internal/consts"
)

// Roles accepted by the server's chat template.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one conversation entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one outgoing generation request. It is immutable once encoded.
type Request struct {
	Messages    []Turn   `json:"messages,omitempty"`
	Prompt      string   `json:"prompt,omitempty"`
	MaxTokens   int      `json:"max_tokens"`
	Stream      bool     `json:"stream"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// CancelFrame is the advisory out-of-band cancel record. The server still
// terminates the in-flight request normally and then answers the frame
// itself with one terminal record, usually an error.
type CancelFrame struct {
	Cancel bool `json:"cancel"`
}

// NewRequest builds a request from turns, applying the default max_tokens.
func NewRequest(turns []Turn, maxTokens int, stream bool) *Request {
	if maxTokens <= 0 {
		maxTokens = consts.DefaultMaxTokens
	}
	return &Request{
		Messages:  append([]Turn(nil), turns...),
		MaxTokens: maxTokens,
		Stream:    stream,
	}
}

// Validate checks the request against the wire contract.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("request cannot be nil")
	}
	if len(r.Messages) == 0 && strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("request requires messages or a prompt")
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", r.MaxTokens)
	}
	for i, turn := range r.Messages {
		if !ValidRole(turn.Role) {
			return fmt.Errorf("message %d: unsupported role %q", i, turn.Role)
		}
	}
	return nil
}

// ValidRole reports whether role is one of system, user or assistant.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Metrics are optional usage figures on a Final record. Servers report
// either the prompt/completion pair or the generation stats, or nothing.
type Metrics struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TokensGenerated  int     `json:"tokens_generated,omitempty"`
	SpeedTokensSec   float64 `json:"speed_tokens_sec,omitempty"`
	TotalTimeMS      int64   `json:"total_time_ms,omitempty"`
}

// Kind identifies an incoming record variant.
type Kind int

const (
	KindChunk Kind = iota
	KindFinal
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindChunk:
		return "chunk"
	case KindFinal:
		return "final"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Incoming is one decoded server record.
type Incoming struct {
	Kind    Kind
	Text    string
	Metrics *Metrics
	Err     string
}

// Terminal reports whether the record ends the current request.
func (m Incoming) Terminal() bool {
	return m.Kind == KindFinal || m.Kind == KindError
}

// response mirrors every field a server record may carry.
type response struct {
	Token   *string  `json:"token"`
	Output  *string  `json:"output"`
	Done    *bool    `json:"done"`
	Error   *string  `json:"error"`
	Metrics *Metrics `json:"metrics"`
}

// Final is a helper for building server records in tests and the dev server.
type Final struct {
	Output  string   `json:"output"`
	Done    bool     `json:"done"`
	Metrics *Metrics `json:"metrics,omitempty"`
}

// Chunk is the streaming record.
type Chunk struct {
	Token string `json:"token"`
}

// ErrorRecord is the terminal error record.
type ErrorRecord struct {
	Error string `json:"error"`
}
