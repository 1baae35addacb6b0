// Package devserver is a stand-in inference server speaking the line
// protocol over a Unix socket, HTTP and WebSocket. It echoes prompts back
// token by token, which is enough to exercise every client code path.
package devserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/inferlink/internal/channel"
	"github.com/codefionn/inferlink/internal/consts"
	"github.com/codefionn/inferlink/internal/lockfile"
	"github.com/codefionn/inferlink/internal/logger"
	"github.com/codefionn/inferlink/internal/pprof"
	"github.com/codefionn/inferlink/internal/wire"
)

// Options configure a Server. An empty SocketPath or HTTPAddr disables
// that listener.
type Options struct {
	SocketPath string
	HTTPAddr   string
	Generator  Generator
	Logger     *logger.Logger
	// Profiling mounts the runtime profiles under /debug/pprof/.
	Profiling bool
}

// Server serves the line protocol.
type Server struct {
	opts     Options
	log      *logger.Logger
	gen      Generator
	router   *httprouter.Router
	upgrader websocket.Upgrader

	unixLn     net.Listener
	lock       *lockfile.Lockfile
	httpLn     net.Listener
	httpServer *http.Server

	mu          sync.Mutex
	conns       map[io.Closer]struct{}
	httpCancels map[uint64]context.CancelFunc
	nextCancel  uint64
}

// New creates a server. Call Listen, then Serve.
func New(opts Options) *Server {
	if opts.Generator == nil {
		opts.Generator = EchoGenerator{}
	}
	s := &Server{
		opts:        opts,
		log:         logger.OrGlobal(opts.Logger).WithPrefix("devserver"),
		gen:         opts.Generator,
		router:      httprouter.New(),
		conns:       make(map[io.Closer]struct{}),
		httpCancels: make(map[uint64]context.CancelFunc),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET(channel.HealthPath, s.handleHealth)
	s.router.POST(channel.LinesPath, s.handleLines)
	s.router.GET(channel.WebSocketPath, s.handleWebSocket)
	if s.opts.Profiling {
		pprof.Register(s.router)
	}
}

// Handler exposes the HTTP routes, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen opens the configured listeners. The socket path is claimed with a
// lockfile first, so only a socket left behind by a dead server is removed.
func (s *Server) Listen() error {
	if s.opts.SocketPath != "" {
		path := channel.ExpandPath(s.opts.SocketPath)
		lock := lockfile.ForSocket(path)
		if err := lock.TryAcquire(); err != nil {
			return fmt.Errorf("failed to claim %s: %w", path, err)
		}
		os.Remove(path)
		ln, err := net.Listen("unix", path)
		if err != nil {
			lock.Release()
			return fmt.Errorf("failed to listen on %s: %w", path, err)
		}
		s.lock = lock
		s.unixLn = ln
		s.log.Info("Listening on unix:%s", path)
	}
	if s.opts.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.opts.HTTPAddr)
		if err != nil {
			s.closeListeners()
			s.releaseLock()
			return fmt.Errorf("failed to listen on %s: %w", s.opts.HTTPAddr, err)
		}
		s.httpLn = ln
		s.log.Info("Listening on http://%s", ln.Addr())
	}
	if s.unixLn == nil && s.httpLn == nil {
		return errors.New("no listener configured")
	}
	return nil
}

// SocketPath returns the bound socket path, or "".
func (s *Server) SocketPath() string {
	if s.unixLn == nil {
		return ""
	}
	return s.unixLn.Addr().String()
}

// HTTPURL returns the base URL of the HTTP listener, or "".
func (s *Server) HTTPURL() string {
	if s.httpLn == nil {
		return ""
	}
	return "http://" + s.httpLn.Addr().String()
}

// Serve runs until ctx is cancelled or a listener fails.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.unixLn != nil {
		g.Go(func() error { return s.acceptLoop(gctx) })
	}
	if s.httpLn != nil {
		s.httpServer = &http.Server{
			Handler:           s.router,
			ReadHeaderTimeout: consts.ConnectTimeout,
			ErrorLog:          logger.NewStdLogger(s.log, slog.LevelWarn),
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (s *Server) shutdown() {
	s.closeListeners()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), consts.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("HTTP shutdown: %v", err)
		}
	}
	s.DropConnections()
	if s.unixLn != nil {
		os.Remove(s.unixLn.Addr().String())
	}
	s.releaseLock()
	s.log.Info("Server stopped")
}

func (s *Server) releaseLock() {
	if s.lock == nil {
		return
	}
	if err := s.lock.Release(); err != nil {
		s.log.Warn("Failed to release %s: %v", s.lock.Path(), err)
	}
}

func (s *Server) closeListeners() {
	if s.unixLn != nil {
		s.unixLn.Close()
	}
	if s.httpLn != nil {
		s.httpLn.Close()
	}
}

// DropConnections closes every persistent connection, as a crashing server
// would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]io.Closer, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) track(c io.Closer) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c io.Closer) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.unixLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	s.track(conn)
	defer func() {
		s.untrack(conn)
		conn.Close()
	}()
	s.log.Debug("Client connected")

	reader := bufio.NewReaderSize(conn, consts.BufferSize64KB)
	read := func() ([]byte, error) {
		line, err := reader.ReadBytes(wire.Terminator)
		if err != nil {
			return nil, err
		}
		return bytes.TrimSpace(line), nil
	}
	s.runSession(ctx, read, func(record interface{}) error {
		data, err := wire.Encode(record)
		if err != nil {
			return err
		}
		_, err = conn.Write(data)
		return err
	})
	s.log.Debug("Client disconnected")
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleLines answers every line in the body with an NDJSON stream. Cancel
// frames abort running generations and get an error record of their own.
// An empty body gets 204.
func (s *Server) handleLines(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var requests []inbound
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, consts.BufferSize64KB), consts.MaxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		in := parseLine(line)
		if in.cancel {
			s.cancelHTTP()
		}
		requests = append(requests, in)
	}
	if err := scanner.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(requests) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx, done := s.registerHTTP(r.Context())
	defer done()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	write := func(record interface{}) error {
		data, err := wire.Encode(record)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
	for _, in := range requests {
		if err := s.respond(ctx, in, write); err != nil {
			s.log.Debug("HTTP client went away: %v", err)
			return
		}
	}
}

// registerHTTP makes an HTTP generation cancellable by a later cancel POST.
func (s *Server) registerHTTP(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	id := s.nextCancel
	s.nextCancel++
	s.httpCancels[id] = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		delete(s.httpCancels, id)
		s.mu.Unlock()
		cancel()
	}
}

func (s *Server) cancelHTTP() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.httpCancels {
		cancel()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(consts.MaxLineSize)

	s.track(conn)
	defer func() {
		s.untrack(conn)
		conn.Close()
	}()

	read := func() ([]byte, error) {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		return bytes.TrimSpace(message), nil
	}
	s.runSession(r.Context(), read, func(record interface{}) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	})
}
