package devserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/codefionn/inferlink/internal/channel"
	"github.com/codefionn/inferlink/internal/lockfile"
	"github.com/codefionn/inferlink/internal/logger"
	"github.com/codefionn/inferlink/internal/pprof"
)

func startServer(t *testing.T, gen Generator) *Server {
	t.Helper()
	path, err := nettest.LocalPath()
	require.NoError(t, err)

	srv := New(Options{
		SocketPath: path,
		HTTPAddr:   "127.0.0.1:0",
		Generator:  gen,
		Logger:     logger.Discard(),
	})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

type record struct {
	Token   *string                `json:"token"`
	Output  *string                `json:"output"`
	Done    bool                   `json:"done"`
	Error   string                 `json:"error"`
	Metrics map[string]interface{} `json:"metrics"`
}

func (r record) terminal() bool { return r.Done || r.Error != "" }

type lineClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialUnix(t *testing.T, srv *Server) *lineClient {
	t.Helper()
	conn, err := net.Dial("unix", srv.SocketPath())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &lineClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *lineClient) send(line string) {
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

// until reads records up to and including the next terminal one.
func (c *lineClient) until() []record {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var records []record
	for {
		line, err := c.reader.ReadBytes('\n')
		require.NoError(c.t, err)
		var r record
		require.NoError(c.t, json.Unmarshal(line, &r), string(line))
		records = append(records, r)
		if r.terminal() {
			return records
		}
	}
}

func TestUnixNonStreaming(t *testing.T) {
	srv := startServer(t, nil)
	c := dialUnix(t, srv)

	c.send(`{"messages":[{"role":"user","content":"hello there"}],"max_tokens":16,"stream":false}`)
	records := c.until()

	require.Len(t, records, 1)
	require.NotNil(t, records[0].Output)
	assert.Equal(t, "Echo: hello there", *records[0].Output)
	assert.Equal(t, float64(3), records[0].Metrics["tokens_generated"])
}

func TestUnixStreamingHasEmptyFinalOutput(t *testing.T) {
	srv := startServer(t, nil)
	c := dialUnix(t, srv)

	c.send(`{"messages":[{"role":"user","content":"a b"}],"max_tokens":16,"stream":true}`)
	records := c.until()

	var tokens []string
	for _, r := range records[:len(records)-1] {
		require.NotNil(t, r.Token)
		tokens = append(tokens, *r.Token)
	}
	assert.Equal(t, "Echo: a b", strings.Join(tokens, ""))

	last := records[len(records)-1]
	require.NotNil(t, last.Output)
	assert.Equal(t, "", *last.Output)
}

func TestUnixRequestsAnsweredInOrder(t *testing.T) {
	srv := startServer(t, EchoGenerator{Delay: time.Millisecond})
	c := dialUnix(t, srv)

	c.send(`{"prompt":"first","max_tokens":8,"stream":false}`)
	c.send(`{"prompt":"second","max_tokens":8,"stream":false}`)

	assert.Equal(t, "Echo: first", *c.until()[0].Output)
	assert.Equal(t, "Echo: second", *c.until()[0].Output)
}

func TestUnixMaxTokensTruncates(t *testing.T) {
	srv := startServer(t, nil)
	c := dialUnix(t, srv)

	c.send(`{"prompt":"one two three four","max_tokens":2,"stream":false}`)
	assert.Equal(t, "Echo: one", *c.until()[0].Output)
}

func TestUnixErrors(t *testing.T) {
	srv := startServer(t, nil)
	c := dialUnix(t, srv)

	c.send(`{not json`)
	records := c.until()
	assert.True(t, strings.HasPrefix(records[0].Error, "Invalid JSON: "), records[0].Error)

	c.send(`{"max_tokens":4}`)
	assert.Equal(t, "Missing 'prompt' or 'messages'", c.until()[0].Error)

	c.send(`{"prompt":"!fail","stream":true}`)
	assert.Equal(t, "Inference failed: simulated failure", c.until()[0].Error)

	// The connection survives errors.
	c.send(`{"prompt":"still here"}`)
	assert.Equal(t, "Echo: still here", *c.until()[0].Output)
}

func TestUnixCancelStillTerminates(t *testing.T) {
	srv := startServer(t, EchoGenerator{Delay: 50 * time.Millisecond})
	c := dialUnix(t, srv)

	long := strings.Repeat("word ", 100)
	c.send(`{"prompt":"` + long + `","max_tokens":200,"stream":true}`)

	// Wait for generation to start, then cancel.
	first := make([]byte, 1)
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.reader.Peek(len(first))
	require.NoError(t, err)
	c.send(`{"cancel":true}`)

	start := time.Now()
	records := c.until()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, records[len(records)-1].Done)
	assert.Less(t, len(records), 100)

	// The cancel frame gets a terminal record of its own, after the request.
	reply := c.until()
	require.Len(t, reply, 1)
	assert.Equal(t, missingPrompt, reply[0].Error)

	c.send(`{"prompt":"after cancel","max_tokens":8}`)
	assert.Equal(t, "Echo: after cancel", *c.until()[0].Output)
}

func TestUnixIdleCancelIsAnswered(t *testing.T) {
	srv := startServer(t, nil)
	c := dialUnix(t, srv)

	c.send(`{"cancel":true}`)
	assert.Equal(t, missingPrompt, c.until()[0].Error)
}

func TestHTTPHealthAndLines(t *testing.T) {
	srv := startServer(t, nil)

	resp, err := http.Get(srv.HTTPURL() + channel.HealthPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.HTTPURL()+channel.LinesPath, "application/x-ndjson",
		strings.NewReader(`{"prompt":"over http","stream":true}`+"\n"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var text strings.Builder
	var last record
	for scanner.Scan() {
		var r record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		if r.Token != nil {
			text.WriteString(*r.Token)
		}
		last = r
	}
	assert.Equal(t, "Echo: over http", text.String())
	assert.True(t, last.Done)
}

func TestHTTPCancelFrameIsAnswered(t *testing.T) {
	srv := startServer(t, nil)

	resp, err := http.Post(srv.HTTPURL()+channel.LinesPath, "application/x-ndjson", strings.NewReader(`{"cancel":true}`+"\n"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var r record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	assert.Equal(t, missingPrompt, r.Error)
}

func TestHTTPEmptyBodyGetsNoContent(t *testing.T) {
	srv := startServer(t, nil)

	resp, err := http.Post(srv.HTTPURL()+channel.LinesPath, "application/x-ndjson", strings.NewReader("\n"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHTTPUnknownRoute(t *testing.T) {
	srv := startServer(t, nil)

	resp, err := http.Get(srv.HTTPURL() + "/v1/nothing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketSession(t *testing.T) {
	srv := startServer(t, nil)

	conn, resp, err := websocket.DefaultDialer.Dial(channel.WebSocketURL(srv.HTTPURL()), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"prompt":"ws","stream":false}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var r record
	require.NoError(t, json.Unmarshal(msg, &r))
	require.NotNil(t, r.Output)
	assert.Equal(t, "Echo: ws", *r.Output)
}

func TestDropConnectionsClosesClients(t *testing.T) {
	srv := startServer(t, nil)
	c := dialUnix(t, srv)

	// Make sure the connection is registered before dropping it.
	c.send(`{"prompt":"x"}`)
	c.until()

	srv.DropConnections()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.reader.ReadByte()
	assert.Error(t, err)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"Echo:", " a", " b"}, tokenize("Echo: a b"))
	assert.Equal(t, []string{"x"}, tokenize("x"))
	assert.Nil(t, tokenize(""))
}

func TestListenWithoutListeners(t *testing.T) {
	assert.Error(t, New(Options{Logger: logger.Discard()}).Listen())
}

func TestSecondServerOnSameSocketIsRefused(t *testing.T) {
	srv := startServer(t, nil)

	other := New(Options{SocketPath: srv.SocketPath(), Logger: logger.Discard()})
	err := other.Listen()
	require.Error(t, err)
	assert.ErrorIs(t, err, lockfile.ErrLocked)

	// The first server keeps working.
	c := dialUnix(t, srv)
	c.send(`{"prompt":"still here","max_tokens":8,"stream":false}`)
	records := c.until()
	require.Len(t, records, 1)
	assert.Equal(t, "Echo: still here", *records[0].Output)
}

func TestProfilingRoutes(t *testing.T) {
	off := httptest.NewRecorder()
	New(Options{Logger: logger.Discard()}).Handler().ServeHTTP(off, httptest.NewRequest(http.MethodGet, pprof.Prefix, nil))
	assert.Equal(t, http.StatusNotFound, off.Code)

	on := httptest.NewRecorder()
	New(Options{Logger: logger.Discard(), Profiling: true}).Handler().ServeHTTP(on, httptest.NewRequest(http.MethodGet, pprof.Prefix, nil))
	assert.Equal(t, http.StatusOK, on.Code)
}
