package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/codefionn/inferlink/internal/consts"
	"github.com/codefionn/inferlink/internal/logger"
)

// Terminator separates records on the wire.
const Terminator = '\n'

// Encode serializes v as one JSON line followed by exactly one terminator.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return append(data, Terminator), nil
}

// DecodeLine classifies one line as a chunk, final or error record.
func DecodeLine(line []byte) (Incoming, error) {
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Incoming{}, NewParseError(line, err)
	}

	switch {
	case resp.Error != nil:
		return Incoming{Kind: KindError, Err: *resp.Error}, nil
	case resp.Token != nil:
		return Incoming{Kind: KindChunk, Text: *resp.Token}, nil
	case resp.Done != nil && *resp.Done, resp.Output != nil:
		msg := Incoming{Kind: KindFinal, Metrics: resp.Metrics}
		if resp.Output != nil {
			msg.Text = *resp.Output
		}
		return msg, nil
	default:
		return Incoming{}, NewParseError(line, fmt.Errorf("unrecognized record"))
	}
}

// LineBuffer splits a byte stream into complete lines, holding any
// unterminated fragment until the next Feed.
type LineBuffer struct {
	buf     []byte
	maxLine int
}

// NewLineBuffer creates a buffer that drops fragments longer than maxLine.
// A non-positive maxLine selects consts.MaxLineSize.
func NewLineBuffer(maxLine int) *LineBuffer {
	if maxLine <= 0 {
		maxLine = consts.MaxLineSize
	}
	return &LineBuffer{maxLine: maxLine}
}

// Feed appends p and returns every complete, non-blank line in arrival order.
// overflow is non-nil when an oversized fragment had to be discarded.
func (b *LineBuffer) Feed(p []byte) (lines [][]byte, overflow error) {
	b.buf = append(b.buf, p...)

	for {
		idx := bytes.IndexByte(b.buf, Terminator)
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(b.buf[:idx], "\r")
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, append([]byte(nil), line...))
		}
		b.buf = b.buf[idx+1:]
	}

	if len(b.buf) > b.maxLine {
		overflow = NewParseError(b.buf, fmt.Errorf("line exceeds %d bytes without terminator", b.maxLine))
		b.buf = nil
	}

	// Compact so the backing array does not grow without bound.
	if len(b.buf) == 0 {
		b.buf = b.buf[:0:0]
	}

	return lines, overflow
}

// Pending returns the number of buffered bytes awaiting a terminator.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

// Decoder turns a raw byte stream into records. Lines that fail to decode
// are logged and dropped; they never affect neighbouring lines.
type Decoder struct {
	lines *LineBuffer
	log   *logger.Logger
}

// NewDecoder creates a decoder for one connection.
func NewDecoder(log *logger.Logger) *Decoder {
	return &Decoder{
		lines: NewLineBuffer(0),
		log:   logger.OrGlobal(log),
	}
}

// Feed consumes p and returns the decoded records in arrival order.
func (d *Decoder) Feed(p []byte) []Incoming {
	lines, overflow := d.lines.Feed(p)
	if overflow != nil {
		d.log.Warn("Dropping oversized fragment: %v", overflow)
	}

	msgs := make([]Incoming, 0, len(lines))
	for _, line := range lines {
		msg, err := DecodeLine(line)
		if err != nil {
			d.log.Warn("Skipping undecodable line: %v", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// Pending returns the number of buffered bytes awaiting a terminator.
func (d *Decoder) Pending() int {
	return d.lines.Pending()
}
