package consts

import "time"

// Buffer sizes for various operations
const (
	// BufferSize4KB is the read chunk size used by socket pumps
	BufferSize4KB = 4 * 1024
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
)

// Protocol limits
const (
	// MaxLineSize is the largest unterminated fragment a decoder will hold
	MaxLineSize = BufferSize1MB
	// DefaultMaxTokens is the max_tokens value sent when the caller leaves it unset
	DefaultMaxTokens = 2048
)

// Call and connection timeouts
const (
	// CallTimeout bounds a non-streaming call once it is on the wire
	CallTimeout = 60 * time.Second
	// StreamCallTimeout bounds a streaming call; generation takes longer
	StreamCallTimeout = 120 * time.Second
	// ReconnectDelay is the fixed delay between reconnect attempts
	ReconnectDelay = 5 * time.Second
	// ConnectTimeout bounds a single dial or health probe
	ConnectTimeout = 5 * time.Second
	// WriteTimeout bounds a single socket write
	WriteTimeout = 10 * time.Second
	// ShutdownTimeout bounds graceful HTTP server shutdown
	ShutdownTimeout = 5 * time.Second
)

// Default endpoints
const (
	// DefaultSocketPath matches the inference server's default listen path
	DefaultSocketPath = "/tmp/sfcore-ai.sock"
	// DefaultHTTPBaseURL is where the HTTP fallback expects the server
	DefaultHTTPBaseURL = "http://127.0.0.1:8765"
)
