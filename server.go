// Package wsocket implements the core of an RFC 6455 WebSocket server: a
// per-connection frame reader/message assembler, the opening-handshake
// validator, and the control-frame protocol state machine. The listening
// socket and per-connection goroutine spawn are handled by Server; the
// frame-level protocol work lives in Reader and Conn.
package wsocket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nyxwire/wsocket/internal/wsbuf"
)

// HandlerFactory produces a fresh, zero-value Handler for each accepted
// connection; Server calls Init on the returned value once the handshake
// completes.
type HandlerFactory func() Handler

// Server is the connection orchestrator: per accepted stream it runs the
// opening handshake, constructs a Conn and a Handler, then drives the read
// loop until the peer disconnects or the handler ends the connection.
type Server struct {
	cfg      Config
	provider *wsbuf.Provider
	hsPool   *handshakePool
	newH     HandlerFactory
	logger   *slog.Logger
	listener net.Listener
}

// New validates cfg and constructs a Server backed by newHandler. If
// logger is nil, slog.Default() is used.
func New(cfg Config, newHandler HandlerFactory, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		provider: wsbuf.NewProvider(cfg.LargeBufferPoolCount, cfg.LargeBufferSize),
		hsPool:   newHandshakePool(cfg.HandshakePoolCount, cfg.HandshakeMaxSize, cfg.MaxHeaders),
		newH:     newHandler,
		logger:   logger,
	}, nil
}

// Addr returns the listener's address once Listen (or ListenAndServe) has
// opened it, and nil beforehand. Useful for tests that bind Config.Port to 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen opens the configured listener (TCP or Unix, per Config) and
// records its address, without yet accepting connections. Call Serve
// afterward to start accepting. Split out from ListenAndServe so tests
// (and callers binding Port: 0) can read Addr() before Serve blocks.
func (s *Server) Listen() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Serve accepts and dispatches connections on a listener opened by Listen,
// until ctx is canceled or a fatal accept error occurs. SIGPIPE is ignored
// process-wide on entry, so a disconnected peer surfaces as an EPIPE write
// error instead of terminating the process.
func (s *Server) Serve(ctx context.Context) error {
	signal.Ignore(syscall.SIGPIPE)

	ln := s.listener
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.Info("wsocket: listening", slog.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wsocket: accept: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

// ListenAndServe is a convenience wrapper combining Listen and Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) listen() (net.Listener, error) {
	lc := net.ListenConfig{Control: controlReusePort}
	if s.cfg.UnixPath != "" {
		_ = os.Remove(s.cfg.UnixPath)
		return lc.Listen(context.Background(), "unix", s.cfg.UnixPath)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	return lc.Listen(context.Background(), "tcp", addr)
}

// serveConn runs the full per-connection lifecycle: acquire a handshake
// state, run the handshake, construct the Conn and Handler, optionally call
// AfterInit, drive the read loop, then call Handler.Close and close the
// stream. The handshake state is returned to the pool as soon as the
// handshake fails, or once Handler.Init returns after a successful upgrade
// — it is never held across the read loop, so
// HandshakePoolCount bounds concurrent in-flight handshakes, not concurrent
// connections.
func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	defer raw.Close()

	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	id := uuid.NewString()
	log := s.logger.With(slog.String("conn_id", id), slog.String("remote", raw.RemoteAddr().String()))

	hs, err := s.hsPool.Acquire(ctx)
	if err != nil {
		log.Warn("wsocket: handshake pool exhausted, refusing connection")
		return
	}

	var deadline time.Time
	if s.cfg.HandshakeTimeoutMS != nil && *s.cfg.HandshakeTimeoutMS > 0 {
		deadline = time.Now().Add(time.Duration(*s.cfg.HandshakeTimeoutMS) * time.Millisecond)
	}

	req, err := ParseHandshake(raw, hs, deadline)
	if err == nil {
		err = ValidateHandshake(req, s.cfg.MaxHeaders)
	}
	if err != nil {
		s.hsPool.Release(hs)
		log.Info("wsocket: handshake failed", slog.Any("error", err))
		WriteHandshakeError(raw, err)
		return
	}

	if err := WriteUpgradeResponse(raw, req.Header.Get("Sec-WebSocket-Key")); err != nil {
		s.hsPool.Release(hs)
		log.Debug("wsocket: handshake reply write failed", slog.Any("error", err))
		return
	}

	conn := newConn(raw, s.provider, s.cfg, log, id)

	h := s.newH()
	h2, err := h.Init(req, conn, ctx)
	s.hsPool.Release(hs)
	if err != nil {
		log.Info("wsocket: handler rejected connection", slog.Any("error", err))
		_ = conn.WriteCloseWithCode(CloseProtocolError)
		return
	}
	if h2 != nil {
		h = h2
	}
	conn.handler = h

	if ai, ok := h.(afterIniter); ok {
		if err := ai.AfterInit(); err != nil {
			log.Info("wsocket: handler AfterInit failed", slog.Any("error", err))
			h.Close()
			return
		}
	}

	log.Info("wsocket: connection established")
	conn.readLoop()
	h.Close()
	log.Info("wsocket: connection closed")
}
