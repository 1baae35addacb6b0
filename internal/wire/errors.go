package wire

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Error codes for the transport error taxonomy.
const (
	CodeConnection    = "CONNECTION_ERROR"
	CodeWrite         = "WRITE_ERROR"
	CodeTimeout       = "TIMEOUT"
	CodeProtocolParse = "PROTOCOL_PARSE_ERROR"
	CodeServer        = "SERVER_ERROR"
	CodeClosed        = "TRANSPORT_CLOSED"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrConnection    = &Error{Code: CodeConnection}
	ErrWrite         = &Error{Code: CodeWrite}
	ErrTimeout       = &Error{Code: CodeTimeout}
	ErrProtocolParse = &Error{Code: CodeProtocolParse}
	ErrServer        = &Error{Code: CodeServer}
	ErrClosed        = &Error{Code: CodeClosed}
)

// Error is a typed transport error.
type Error struct {
	Code    string
	Message string
	Details string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewConnectionError reports a socket that failed to open or was reset.
func NewConnectionError(endpoint string, err error) *Error {
	return &Error{Code: CodeConnection, Message: "connection failed", Details: endpoint, Err: err}
}

// NewWriteError reports a failed write on a connection believed open.
func NewWriteError(endpoint string, err error) *Error {
	return &Error{Code: CodeWrite, Message: "write failed", Details: endpoint, Err: err}
}

// NewTimeoutError reports a call without a terminal message within its budget.
func NewTimeoutError(callID string, budget fmt.Stringer) *Error {
	return &Error{Code: CodeTimeout, Message: "no response within " + budget.String(), Details: callID}
}

// NewServerError carries the server's failure message verbatim.
func NewServerError(message string) *Error {
	return &Error{Code: CodeServer, Message: message}
}

// NewParseError reports a line that failed to decode.
func NewParseError(line []byte, err error) *Error {
	return &Error{Code: CodeProtocolParse, Message: "malformed line", Details: preview(line), Err: err}
}

// NewClosedError reports use of a disposed transport.
func NewClosedError(reason string) *Error {
	return &Error{Code: CodeClosed, Message: "transport closed", Details: reason}
}

// ServerMessage returns the server message if err is a ServerError.
func ServerMessage(err error) (string, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeServer {
		return e.Message, true
	}
	return "", false
}

// preview shortens line for log output without splitting a rune.
func preview(line []byte) string {
	const max = 80
	if len(line) <= max {
		return string(line)
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return string(line[:cut]) + "..."
}
