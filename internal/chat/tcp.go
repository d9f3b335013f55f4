package chat

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// tcpLineConn frames a net.Conn into newline-delimited text lines.
type tcpLineConn struct {
	conn         net.Conn
	scanner      *bufio.Scanner
	writeTimeout time.Duration
}

func newTCPLineConn(conn net.Conn, maxLineBytes int, writeTimeout time.Duration) *tcpLineConn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1024), maxLineBytes)
	return &tcpLineConn{
		conn:         conn,
		scanner:      scanner,
		writeTimeout: writeTimeout,
	}
}

func (c *tcpLineConn) ReadLine() (string, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return c.scanner.Text(), nil
}

func (c *tcpLineConn) WriteLine(line string) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(append([]byte(line), '\n'))
	return err
}

func (c *tcpLineConn) Close() error {
	return c.conn.Close()
}

// Server accepts stream connections and runs one session loop per client.
// It owns no chat state itself; all membership lives in the registry.
type Server struct {
	cfg Config
	reg *Registry
	log zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewServer wires a server around an existing registry so the TCP and
// WebSocket transports share one membership view.
func NewServer(cfg Config, reg *Registry, logger zerolog.Logger) *Server {
	return &Server{
		cfg:   cfg,
		reg:   reg,
		log:   logger,
		conns: make(map[net.Conn]struct{}),
	}
}

// Registry exposes the server's membership authority, mainly for tests and
// the health endpoint.
func (s *Server) Registry() *Registry {
	return s.reg
}

// ListenAndServe binds the configured TCP address and serves until the
// listener is closed by Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.ListenAddr)
	}
	return s.Serve(ln)
}

// Serve runs the accept loop on ln. It returns nil once the listener is
// closed during shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("chat listener ready")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if isExpectedCloseError(err) {
				return nil
			}
			return errors.Wrap(err, "accept")
		}

		if !s.trackConn(conn) {
			// Lost the race with Shutdown; the listener is about to close.
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrackConn(conn)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	connLog := s.log.With().
		Str("conn_id", uuid.NewString()).
		Str("remote_addr", conn.RemoteAddr().String()).
		Str("transport", "tcp").
		Logger()

	connLog.Info().Msg("client connected")
	lc := newTCPLineConn(conn, s.cfg.MaxLineBytes, s.cfg.WriteTimeout)
	NewLoop(s.reg, lc, s.cfg, connLog).Run()
	connLog.Info().Msg("client disconnected")
}

// trackConn records a live connection for shutdown; it reports false when
// the server is already closing and the connection should not be served.
func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Shutdown stops accepting, closes every active session and every still-open
// connection (including ones stuck in name negotiation), and waits for all
// connection goroutines to finish or for the timeout to lapse.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	remaining := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		remaining = append(remaining, conn)
	}
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warn().Err(err).Msg("error closing listener")
		}
	}

	closed := s.reg.CloseAll()
	s.log.Info().Int("sessions", closed).Msg("closed active sessions")

	for _, conn := range remaining {
		if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warn().Err(err).Msg("error closing client connection")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("server shutdown complete")
		return nil
	case <-time.After(timeout):
		s.log.Warn().Msg("shutdown timeout reached; some connections may still be draining")
		return errors.New("shutdown timed out")
	}
}
