package channel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/codefionn/inferlink/internal/consts"
	"github.com/codefionn/inferlink/internal/logger"
	"github.com/codefionn/inferlink/internal/wire"
)

// HTTP endpoints served by the inference server.
const (
	HealthPath = "/health"
	LinesPath  = "/v1/lines"
)

// HTTPChannel emulates a persistent line stream over plain HTTP. Every
// Write is one POST; the NDJSON response bodies are replayed into Incoming
// strictly in request order, whole lines at a time, so bodies never
// interleave even when an earlier one is still streaming.
type HTTPChannel struct {
	lifecycle

	baseURL string
	opts    Options
	log     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	bodies chan io.ReadCloser
}

// NewHTTP creates an unconnected channel for the server at baseURL.
func NewHTTP(baseURL string, opts Options) *HTTPChannel {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPChannel{
		lifecycle: newLifecycle(),
		baseURL:   NormalizeBaseURL(baseURL),
		opts:      opts,
		log:       opts.Logger.WithPrefix("http"),
		ctx:       ctx,
		cancel:    cancel,
		bodies:    make(chan io.ReadCloser, incomingBuffer),
	}
}

// NormalizeBaseURL adds a scheme when missing and strips trailing slashes.
func NormalizeBaseURL(baseURL string) string {
	url := strings.TrimSpace(baseURL)
	if url == "" {
		return consts.DefaultHTTPBaseURL
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	return strings.TrimRight(url, "/")
}

func (c *HTTPChannel) Kind() Kind { return KindHTTP }

func (c *HTTPChannel) Endpoint() string { return c.baseURL }

// Connect probes the health endpoint and starts the body pump.
func (c *HTTPChannel) Connect(ctx context.Context) error {
	if c.closed() {
		return wire.NewConnectionError(c.baseURL, errors.New("channel already closed"))
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+HealthPath, nil)
	if err != nil {
		return wire.NewConnectionError(c.baseURL, err)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return wire.NewConnectionError(c.baseURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, consts.BufferSize64KB))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return wire.NewConnectionError(c.baseURL, fmt.Errorf("health check returned status %d", resp.StatusCode))
	}

	c.log.Debug("Connected to %s", c.baseURL)
	go c.bodyPump()
	return nil
}

// Write posts p and queues the response body for replay. It returns once
// the response headers have arrived.
func (c *HTTPChannel) Write(ctx context.Context, p []byte) error {
	if c.closed() {
		return wire.NewWriteError(c.baseURL, errors.New("not connected"))
	}
	if err := ctx.Err(); err != nil {
		return wire.NewWriteError(c.baseURL, err)
	}

	// The body outlives the caller's context; only the channel may abort it.
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.baseURL+LinesPath, bytes.NewReader(p))
	if err != nil {
		return wire.NewWriteError(c.baseURL, err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		if !c.closed() {
			c.log.Warn("Request to %s failed: %v", c.baseURL, err)
			c.finish(wire.NewConnectionError(c.baseURL, err))
		}
		return wire.NewWriteError(c.baseURL, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusAccepted:
		resp.Body.Close()
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, consts.BufferSize64KB))
		resp.Body.Close()
		// An error record is the server's answer to the line, whatever the status.
		if msg, err := wire.DecodeLine(bytes.TrimSpace(body)); err == nil && msg.Kind == wire.KindError {
			c.log.Debug("Request to %s answered with status %d", c.baseURL, resp.StatusCode)
			return c.enqueue(io.NopCloser(bytes.NewReader(body)))
		}
		return wire.NewWriteError(c.baseURL, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	return c.enqueue(resp.Body)
}

// enqueue hands body to the pump, keeping request order.
func (c *HTTPChannel) enqueue(body io.ReadCloser) error {
	select {
	case c.bodies <- body:
		return nil
	case <-c.done:
		body.Close()
		return wire.NewWriteError(c.baseURL, errors.New("channel closed"))
	}
}

// bodyPump replays response bodies one after another.
func (c *HTTPChannel) bodyPump() {
	for {
		select {
		case <-c.done:
			c.drainBodies()
			return
		case body := <-c.bodies:
			err := c.replay(body)
			body.Close()
			if err != nil {
				if c.closed() {
					return
				}
				c.log.Warn("Response stream from %s failed: %v", c.baseURL, err)
				c.finish(wire.NewConnectionError(c.baseURL, err))
				return
			}
		}
	}
}

func (c *HTTPChannel) replay(body io.Reader) error {
	reader := bufio.NewReaderSize(body, consts.BufferSize64KB)
	for {
		line, err := reader.ReadBytes(wire.Terminator)
		if len(line) > 0 {
			// A body boundary is a record boundary.
			if line[len(line)-1] != wire.Terminator {
				line = append(line, wire.Terminator)
			}
			if !c.deliver(line) {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *HTTPChannel) drainBodies() {
	for {
		select {
		case body := <-c.bodies:
			body.Close()
		default:
			return
		}
	}
}

// Close aborts in-flight requests and ends the channel.
func (c *HTTPChannel) Close() error {
	c.finish(nil)
	c.cancel()
	return nil
}
