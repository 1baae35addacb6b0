package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/codefionn/inferlink/internal/channel"
	"github.com/codefionn/inferlink/internal/config"
	"github.com/codefionn/inferlink/internal/devserver"
	"github.com/codefionn/inferlink/internal/logger"
	"github.com/codefionn/inferlink/internal/reconnect"
	"github.com/codefionn/inferlink/internal/wire"
)

func startDevServer(t *testing.T, gen devserver.Generator) *devserver.Server {
	t.Helper()
	path, err := nettest.LocalPath()
	require.NoError(t, err)

	srv := devserver.New(devserver.Options{
		SocketPath: path,
		HTTPAddr:   "127.0.0.1:0",
		Generator:  gen,
		Logger:     logger.Discard(),
	})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}

func testConfig(srv *devserver.Server, mode string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Transport.Mode = mode
	cfg.Transport.SocketPath = srv.SocketPath()
	cfg.Transport.HTTPBaseURL = srv.HTTPURL()
	cfg.Transport.ConnectTimeoutSeconds = 2
	cfg.Transport.CallTimeoutSeconds = 5
	cfg.Transport.StreamTimeoutSeconds = 5
	return cfg
}

func newTestTransport(t *testing.T, cfg *config.Config, opts ...Option) *Transport {
	t.Helper()
	opts = append([]Option{
		WithLogger(logger.Discard()),
		WithBackOff(backoff.NewConstantBackOff(20 * time.Millisecond)),
	}, opts...)
	tr := New(cfg, opts...)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func ask(text string, stream bool) *wire.Request {
	return wire.NewRequest([]wire.Turn{{Role: wire.RoleUser, Content: text}}, 64, stream)
}

func complete(t *testing.T, tr *Transport, text string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := tr.Call(ctx, ask(text, false))
	require.NoError(t, err)
	res, err := call.Result(ctx)
	require.NoError(t, err)
	return res.Text()
}

func TestCallOverEveryChannelKind(t *testing.T) {
	srv := startDevServer(t, nil)

	for _, tc := range []struct {
		mode string
		kind channel.Kind
	}{
		{"socket", channel.KindSocket},
		{"http", channel.KindHTTP},
		{"websocket", channel.KindWebSocket},
	} {
		t.Run(tc.mode, func(t *testing.T) {
			tr := newTestTransport(t, testConfig(srv, tc.mode))

			assert.Equal(t, "Echo: ping", complete(t, tr, "ping"))
			assert.Equal(t, tc.kind, tr.Kind())
			assert.True(t, tr.State().Connected)
		})
	}
}

func TestStreamingOverSocket(t *testing.T) {
	srv := startDevServer(t, nil)
	tr := newTestTransport(t, testConfig(srv, "socket"))

	ctx := context.Background()
	call, err := tr.Call(ctx, ask("one two", true))
	require.NoError(t, err)

	var tokens []string
	for {
		token, err := call.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		tokens = append(tokens, token)
	}
	assert.Equal(t, []string{"Echo:", " one", " two"}, tokens)

	res, err := call.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", res.Output)
	assert.Equal(t, "Echo: one two", res.Text())
	require.NotNil(t, res.Metrics)
	assert.Equal(t, 3, res.Metrics.TokensGenerated)
}

func TestAutoFallsBackToHTTP(t *testing.T) {
	srv := startDevServer(t, nil)
	cfg := testConfig(srv, "auto")
	missing, err := nettest.LocalPath()
	require.NoError(t, err)
	cfg.Transport.SocketPath = missing

	tr := newTestTransport(t, cfg, WithSocketSupport(true))
	assert.Equal(t, "Echo: fallback", complete(t, tr, "fallback"))
	assert.Equal(t, channel.KindHTTP, tr.Kind())
}

func TestAutoWithoutSocketSupportUsesHTTP(t *testing.T) {
	srv := startDevServer(t, nil)
	tr := newTestTransport(t, testConfig(srv, "auto"), WithSocketSupport(false))

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, channel.KindHTTP, tr.Kind())
}

func TestForcedSocketDoesNotFallBack(t *testing.T) {
	srv := startDevServer(t, nil)
	cfg := testConfig(srv, "socket")
	missing, err := nettest.LocalPath()
	require.NoError(t, err)
	cfg.Transport.SocketPath = missing

	tr := newTestTransport(t, cfg)
	_, err = tr.Call(context.Background(), ask("x", false))
	require.Error(t, err)
	assert.ErrorIs(t, err, wire.ErrConnection)
	assert.Equal(t, channel.Kind(""), tr.Kind())
}

func TestConcurrentCallsAreSerialized(t *testing.T) {
	srv := startDevServer(t, devserver.EchoGenerator{Delay: time.Millisecond})
	tr := newTestTransport(t, testConfig(srv, "socket"))

	words := []string{"alpha", "beta", "gamma", "delta"}
	results := make(chan [2]string, len(words))
	for _, w := range words {
		go func(w string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			call, err := tr.Call(ctx, ask(w, false))
			if err != nil {
				results <- [2]string{w, err.Error()}
				return
			}
			res, err := call.Result(ctx)
			if err != nil {
				results <- [2]string{w, err.Error()}
				return
			}
			results <- [2]string{w, res.Text()}
		}(w)
	}

	for range words {
		r := <-results
		assert.Equal(t, "Echo: "+r[0], r[1])
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	srv := startDevServer(t, nil)
	tr := newTestTransport(t, testConfig(srv, "socket"),
		WithBackOff(backoff.NewConstantBackOff(300*time.Millisecond)))

	assert.Equal(t, "Echo: before", complete(t, tr, "before"))

	srv.DropConnections()
	require.Eventually(t, func() bool {
		st := tr.State()
		return !st.Connected && st.Reconnect == reconnect.StateScheduled
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st := tr.State()
		return st.Connected && st.Reconnect == reconnect.StateIdle
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "Echo: after", complete(t, tr, "after"))
}

func TestConnectionLossRejectsActiveCall(t *testing.T) {
	srv := startDevServer(t, devserver.EchoGenerator{Delay: 100 * time.Millisecond})
	tr := newTestTransport(t, testConfig(srv, "socket"))

	ctx := context.Background()
	call, err := tr.Call(ctx, ask("slow answer with many words", true))
	require.NoError(t, err)

	_, err = call.Next(ctx)
	require.NoError(t, err)

	srv.DropConnections()
	_, err = call.Result(ctx)
	assert.ErrorIs(t, err, wire.ErrConnection)
}

func TestCancelReplyDoesNotLeakIntoNextCall(t *testing.T) {
	srv := startDevServer(t, devserver.EchoGenerator{Delay: 50 * time.Millisecond})

	for _, mode := range []string{"socket", "http"} {
		t.Run(mode, func(t *testing.T) {
			tr := newTestTransport(t, testConfig(srv, mode))
			ctx := context.Background()

			call, err := tr.Call(ctx, ask(strings.Repeat("w ", 60), true))
			require.NoError(t, err)
			_, err = call.Next(ctx)
			require.NoError(t, err)

			sent, err := tr.Cancel(ctx, call)
			require.NoError(t, err)
			assert.True(t, sent)

			_, err = call.Result(ctx)
			require.Error(t, err)

			// The server answers the cancel frame too; that reply must not
			// be taken for the next call's answer.
			start := time.Now()
			assert.Equal(t, "Echo: after cancel", complete(t, tr, "after cancel"))
			assert.Less(t, time.Since(start), 2*time.Second)
		})
	}
}

func TestCancelAfterCallSettledSendsNothing(t *testing.T) {
	srv := startDevServer(t, nil)
	tr := newTestTransport(t, testConfig(srv, "socket"))
	ctx := context.Background()

	call, err := tr.Call(ctx, ask("done already", false))
	require.NoError(t, err)
	_, err = call.Result(ctx)
	require.NoError(t, err)

	sent, err := tr.Cancel(ctx, call)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, "Echo: next", complete(t, tr, "next"))
}

// silentServer accepts Unix connections, reads everything and never answers.
func silentServer(t *testing.T) (string, chan struct{}) {
	t.Helper()
	path, err := nettest.LocalPath()
	require.NoError(t, err)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan struct{}, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- struct{}{}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()
	return path, accepted
}

func TestStalledServerIsReconnectedForQueuedCalls(t *testing.T) {
	path, accepted := silentServer(t)
	cfg := config.DefaultConfig()
	cfg.Transport.Mode = "socket"
	cfg.Transport.SocketPath = path
	cfg.Transport.ConnectTimeoutSeconds = 2
	cfg.Transport.CallTimeoutSeconds = 1
	tr := newTestTransport(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := tr.Call(ctx, ask("one", false))
	require.NoError(t, err)
	_, err = first.Result(ctx)
	require.ErrorIs(t, err, wire.ErrTimeout)

	second, err := tr.Call(ctx, ask("two", false))
	require.NoError(t, err)
	_, err = second.Result(ctx)
	require.ErrorIs(t, err, wire.ErrTimeout)
	assert.Contains(t, err.Error(), second.ID)

	// One connection for the first call, a fresh one after the stall.
	assert.Len(t, accepted, 2)
}

func TestSendWithoutConnection(t *testing.T) {
	srv := startDevServer(t, nil)
	tr := newTestTransport(t, testConfig(srv, "socket"))

	err := tr.Send(context.Background(), wire.CancelFrame{Cancel: true})
	assert.ErrorIs(t, err, wire.ErrWrite)
}

func TestReconfigureSwitchesChannel(t *testing.T) {
	srv := startDevServer(t, nil)
	tr := newTestTransport(t, testConfig(srv, "socket"))

	assert.Equal(t, "Echo: a", complete(t, tr, "a"))
	assert.Equal(t, channel.KindSocket, tr.Kind())

	tr.Reconfigure(testConfig(srv, "http"))
	assert.False(t, tr.State().Connected)
	assert.Equal(t, "http", tr.Config().Transport.Mode)

	assert.Equal(t, "Echo: b", complete(t, tr, "b"))
	assert.Equal(t, channel.KindHTTP, tr.Kind())
}

func TestCloseIsIdempotentAndRejects(t *testing.T) {
	srv := startDevServer(t, devserver.EchoGenerator{Delay: 100 * time.Millisecond})
	tr := newTestTransport(t, testConfig(srv, "socket"))

	ctx := context.Background()
	call, err := tr.Call(ctx, ask("never finishes in time", false))
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err = call.Result(ctx)
	assert.ErrorIs(t, err, wire.ErrClosed)

	_, err = tr.Call(ctx, ask("x", false))
	assert.ErrorIs(t, err, wire.ErrClosed)
	assert.ErrorIs(t, tr.Connect(ctx), wire.ErrClosed)
	assert.Equal(t, reconnect.StateStopped, tr.State().Reconnect)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "disconnected (reconnect idle, 0 pending)", Status{}.String())
	assert.Equal(t, "connected via socket to /tmp/x.sock (1 pending)",
		Status{Connected: true, Kind: channel.KindSocket, Endpoint: "/tmp/x.sock", Pending: 1}.String())
}
