// Package progress routes user-facing output of a chat session to the
// answer stream or to the status line.
package progress

import (
	"fmt"
	"strings"
)

// Target says where an update is surfaced.
type Target int

const (
	// TargetStream is answer text only.
	TargetStream Target = iota
	// TargetStatus is the status line only.
	TargetStatus
	// TargetBoth reports to stream and status.
	TargetBoth
)

// Update is one piece of output.
type Update struct {
	Message string
	// AddNewLine appends a newline to Message if one is not already present.
	AddNewLine bool
	Target     Target
}

// ToStream reports whether the update belongs in the answer stream.
func (u Update) ToStream() bool {
	return u.Target == TargetStream || u.Target == TargetBoth
}

// ToStatus reports whether the update belongs on the status line.
func (u Update) ToStatus() bool {
	return u.Target == TargetStatus || u.Target == TargetBoth
}

// Callback receives updates.
type Callback func(Update) error

// Token is a streamed piece of an answer.
func Token(text string) Update {
	return Update{Message: text, Target: TargetStream}
}

// Status is a formatted status line.
func Status(format string, args ...interface{}) Update {
	return Update{Message: fmt.Sprintf(format, args...), AddNewLine: true, Target: TargetStatus}
}

// Normalize applies the newline request.
func Normalize(update Update) Update {
	if update.AddNewLine && update.Message != "" && !strings.HasSuffix(update.Message, "\n") {
		update.Message += "\n"
	}
	return update
}

// Dispatch normalizes and sends the update if the callback is set.
func Dispatch(cb Callback, update Update) error {
	if cb == nil {
		return nil
	}
	return cb(Normalize(update))
}
