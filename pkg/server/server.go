// Package server accepts framed XML requests over TCP and routes them
// to the matching engine. Each connection carries exactly one request;
// workers come from a bounded pool and new connections are refused,
// not queued, when the pool is saturated.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/dylanlott/exchange/pkg/wire"
)

// Config carries the listener settings.
type Config struct {
	// Addr is the TCP listen address, e.g. ":12345".
	Addr string
	// Workers bounds how many connections are served concurrently.
	Workers int
	// ReadTimeout bounds how long a client may take to deliver its frame.
	ReadTimeout time.Duration
}

// Server is the TCP front-end.
type Server struct {
	cfg    Config
	router *Router
	log    *slog.Logger

	ln    net.Listener
	slots chan struct{}
	wg    sync.WaitGroup
}

// New returns an unstarted server.
func New(cfg Config, router *Router, log *slog.Logger) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	return &Server{
		cfg:    cfg,
		router: router,
		log:    log,
		slots:  make(chan struct{}, cfg.Workers),
	}
}

// Listen binds the TCP port. Split from Serve so callers can learn the
// bound address before accepting (tests listen on port 0).
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until ctx is done. Each accepted connection
// is handed to a pool worker; when the pool is full the connection is
// closed immediately instead of queueing.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.log.Info("listening", "addr", s.ln.Addr().String(), "workers", s.cfg.Workers)

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		select {
		case s.slots <- struct{}{}:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() { <-s.slots }()
				s.handle(ctx, conn)
			}()
		default:
			// Backpressure: refuse rather than queue unbounded.
			metrics.GetOrCreateCounter(`exchange_connections_refused_total`).Inc()
			conn.Close()
		}
	}
}

// handle serves one request frame and closes the connection. A client
// disconnect mid-processing does not abort the engine transaction; only
// the response transmission is lost.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	metrics.GetOrCreateCounter(`exchange_requests_total`).Inc()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

	frame, err := wire.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		if dropOnly(err) {
			s.log.Warn("dropping connection", "remote", conn.RemoteAddr().String(), "err", err)
			return
		}
		s.respondError(conn, err)
		return
	}

	req, err := wire.ParseRequest(frame)
	if err != nil {
		s.respondError(conn, err)
		return
	}

	res := s.router.Route(ctx, req)
	doc, err := res.Render()
	if err != nil {
		s.log.Error("render failed", "err", err)
		s.respondError(conn, errors.New("internal error"))
		return
	}
	if err := wire.WriteFrame(conn, doc); err != nil {
		s.log.Warn("write failed", "remote", conn.RemoteAddr().String(), "err", err)
	}
}

// respondError emits the connection-scope failure shape: a lone <error>
// inside <results>.
func (s *Server) respondError(conn net.Conn, cause error) {
	metrics.GetOrCreateCounter(`exchange_errors_total`).Inc()
	res := &wire.Results{}
	res.Append(&wire.ErrorElem{Msg: cause.Error()})
	doc, err := res.Render()
	if err != nil {
		return
	}
	wire.WriteFrame(conn, doc)
}

// dropOnly reports whether the failure means the peer never delivered a
// complete frame, in which case no response is owed.
func dropOnly(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
