// Package gateway accepts raw Gopher and Gemini connections, runs each
// through admission, reads one request, dispatches it to the protocol's
// router and closes the connection.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/EntropyParadigm/pure-gopher/internal/admission"
	"github.com/EntropyParadigm/pure-gopher/internal/reputation"
	"github.com/EntropyParadigm/pure-gopher/internal/router"
)

const (
	defaultMaxConnections = 256
	defaultReadTimeout    = 30 * time.Second
	defaultWriteTimeout   = 5 * time.Minute
	handshakeTimeout      = 10 * time.Second
	// defaultRefuseDrainTimeout bounds the best-effort read of a refused
	// client's request line.
	defaultRefuseDrainTimeout = 250 * time.Millisecond
	defaultRefuseDrainers     = 32
	refuseHandshakeTimeout    = time.Second
)

// Admission decides whether a source may be served and takes reports of
// misbehaviour. *admission.Pipeline implements it.
type Admission interface {
	Check(source string) admission.Decision
	CheckShared(key string) admission.Decision
	Report(source string, kind reputation.EventKind)
}

// Observer receives connection lifecycle, traffic and request outcomes.
type Observer interface {
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	TrafficDelta(protocol string, ingressBytes, egressBytes int64)
	RequestServed(protocol string, outcome Outcome, took time.Duration)
}

// Outcome labels how a connection ended.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeRejected   Outcome = "rejected"
	OutcomeBusy       Outcome = "busy"
	OutcomeBadRequest Outcome = "bad_request"
	OutcomeNotFound   Outcome = "not_found"
	OutcomeError      Outcome = "error"
)

// Endpoint describes one listener.
type Endpoint struct {
	Protocol router.Protocol
	Addr     string // listen address
	Host     string // host advertised in links
	Port     int    // port advertised in links
	// Onion endpoints receive connections from the local Tor daemon, so the
	// remote address says nothing about the client. They are admitted
	// against one shared budget keyed "onion:<addr>" instead.
	Onion bool
	TLS   *tls.Config
}

func (e Endpoint) String() string {
	kind := string(e.Protocol)
	if e.Onion {
		kind += "+onion"
	}
	return kind + "@" + e.Addr
}

// Config configures a Server.
type Config struct {
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Admission      Admission
	Gopher         *router.Router
	Gemini         *router.Router
	Observer       Observer
	// RefuseDrainers caps refused connections that are still draining their
	// request line. Past it, refusals are written without draining.
	RefuseDrainers     int
	RefuseDrainTimeout time.Duration
}

// Server runs listeners sharing one connection budget. Refused connections
// never hold a slot of that budget.
type Server struct {
	cfg      Config
	sem      *semaphore.Weighted
	drainers *semaphore.Weighted
	wg       sync.WaitGroup
	logger   *log.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.RefuseDrainers <= 0 {
		cfg.RefuseDrainers = defaultRefuseDrainers
	}
	if cfg.RefuseDrainTimeout <= 0 {
		cfg.RefuseDrainTimeout = defaultRefuseDrainTimeout
	}
	return &Server{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConnections)),
		drainers: semaphore.NewWeighted(int64(cfg.RefuseDrainers)),
		logger:   log.WithPrefix("gateway"),
	}
}

// ListenAndServe listens on ep.Addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, ep Endpoint) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", ep.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", ep, err)
	}
	return s.Serve(ctx, ln, ep)
}

// Serve accepts connections from ln until ctx is done. ln is closed on
// return.
func (s *Server) Serve(ctx context.Context, ln net.Listener, ep Endpoint) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	s.logger.Info("listening", "endpoint", ep.String(), "addr", ln.Addr().String())
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				backoff = min(max(backoff*2, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept failed, retrying", "endpoint", ep.String(), "err", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("gateway: accept %s: %w", ep, err)
		}
		backoff = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.HandleConn(ctx, conn, ep)
		}()
	}
}

// Wait blocks until every in-flight connection has finished or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleConn runs one connection through its lifecycle and closes it.
func (s *Server) HandleConn(ctx context.Context, raw net.Conn, ep Endpoint) {
	protocol := string(ep.Protocol)
	sess := &session{
		id:       uuid.NewString(),
		ep:       ep,
		source:   sourceAddress(raw.RemoteAddr()),
		started:  time.Now(),
		protocol: protocol,
		state:    StateConnected,
	}
	sess.logger = s.logger.With("conn_id", sess.id, "protocol", protocol, "source", sess.source)

	conn := newCountingConn(raw, s.cfg.Observer, protocol)
	if ep.TLS != nil {
		conn = tls.Server(conn, ep.TLS)
	}
	sess.conn = conn
	defer s.finish(sess)

	if d := s.admit(sess); !d.Admitted {
		sess.outcome = OutcomeRejected
		sess.logger.Info("connection rejected", "reason", d.Reason, "detail", d.Detail)
		s.refuse(ctx, sess, rejection(ep, d))
		return
	}

	if !s.sem.TryAcquire(1) {
		sess.outcome = OutcomeBusy
		s.refuse(ctx, sess, busyResponse(ep))
		return
	}
	defer s.sem.Release(1)

	if tc, ok := conn.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			sess.logger.Debug("tls handshake failed", "err", err)
			sess.outcome = OutcomeBadRequest
			return
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	req, errResp, err := readRequest(conn, ep)
	if err != nil {
		sess.outcome = OutcomeBadRequest
		sess.logger.Debug("bad request", "err", err)
		if errResp != nil {
			if !ep.Onion && s.cfg.Admission != nil {
				s.cfg.Admission.Report(sess.source, reputation.EventMalformedRequest)
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
			_, _ = conn.Write(errResp)
		}
		return
	}
	sess.transition(StateRequestRead)
	sess.path = req.Path
	req.Source = sess.source
	req.ConnID = sess.id

	rt := s.cfg.Gopher
	if ep.Protocol == router.ProtocolGemini {
		rt = s.cfg.Gemini
	}
	if rt == nil {
		sess.outcome = OutcomeNotFound
		_, _ = conn.Write(notFoundResponse(ep))
		return
	}
	sess.transition(StateRouted)

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	rctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	sess.transition(StateResponding)
	switch err := rt.Serve(rctx, conn, req); {
	case err == nil:
		sess.outcome = OutcomeOK
	case errors.Is(err, router.ErrNoRoute):
		sess.outcome = OutcomeNotFound
		_, _ = conn.Write(notFoundResponse(ep))
	default:
		sess.outcome = OutcomeError
		sess.logger.Debug("response write failed", "path", req.Path, "err", err)
	}
}

func (s *Server) admit(sess *session) admission.Decision {
	switch {
	case s.cfg.Admission == nil:
		return admission.Admit()
	case sess.ep.Onion:
		return s.cfg.Admission.CheckShared("onion:" + sess.ep.Addr)
	default:
		return s.cfg.Admission.Check(sess.source)
	}
}

// refuse writes resp to a connection that will not be served. While a
// drainer slot is free it first reads the request line, so that closing does
// not reset the connection before the client reads resp. Without a slot a
// plain connection gets resp written directly and a TLS one is closed.
func (s *Server) refuse(ctx context.Context, sess *session, resp []byte) {
	tc, isTLS := sess.conn.(*tls.Conn)
	if !s.drainers.TryAcquire(1) {
		if isTLS {
			return
		}
		_ = sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.RefuseDrainTimeout))
		_, _ = sess.conn.Write(resp)
		return
	}
	defer s.drainers.Release(1)

	if isTLS {
		hctx, cancel := context.WithTimeout(ctx, refuseHandshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			return
		}
	}
	_ = sess.conn.SetDeadline(time.Now().Add(s.cfg.RefuseDrainTimeout))
	_, _, _ = readRequest(sess.conn, sess.ep)
	_ = sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.RefuseDrainTimeout))
	_, _ = sess.conn.Write(resp)
}

func (s *Server) finish(sess *session) {
	_ = sess.conn.Close()
	sess.transition(StateClosed)
	took := time.Since(sess.started)
	if s.cfg.Observer != nil {
		s.cfg.Observer.RequestServed(sess.protocol, sess.outcome, took)
	}
	if sess.outcome == OutcomeOK || sess.outcome == OutcomeNotFound {
		sess.logger.Info("request served", "path", sess.path, "outcome", sess.outcome, "took", took)
	}
}

// sourceAddress returns the bare IP of addr, or its string form when it is
// not a TCP address.
func sourceAddress(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if ta, ok := addr.(*net.TCPAddr); ok {
		return ta.AddrPort().Addr().Unmap().String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	if norm, err := admission.NormalizeAddress(host); err == nil {
		return norm
	}
	return host
}
