package chat

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/rs/zerolog"
)

// LineConn is one client's bidirectional text-line transport. ReadLine
// blocks until the next inbound line or a connection fault; WriteLine sends
// one line. Implementations strip and append the framing themselves so the
// core only ever sees whole lines.
type LineConn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	Close() error
}

// Session is the per-connection state for one named client: the claimed
// name and a buffered outbound queue drained by the write pump. The queue
// decouples socket writes from the registry's critical section so one slow
// client cannot stall delivery to others.
type Session struct {
	name string
	conn LineConn
	// queue is sized and installed by Registry.Activate: its capacity is
	// the activation burst (acceptance plus membership snapshot) plus
	// depth, so a joiner can never overflow its own queue before the
	// write pump starts draining it.
	queue chan string
	depth int
	// closed guards double-closing the queue; mutated only under the
	// owning registry's mutex.
	closed bool
	log    zerolog.Logger
}

func newSession(name string, conn LineConn, queueDepth int, logger zerolog.Logger) *Session {
	if queueDepth <= 0 {
		queueDepth = defaultSendQueueDepth
	}
	return &Session{
		name:  name,
		conn:  conn,
		depth: queueDepth,
		log:   logger,
	}
}

// Name returns the display name this session claimed.
func (s *Session) Name() string {
	return s.name
}

// writePump drains the outbound queue onto the connection. It exits when
// the queue is closed by the registry or when a write fails, and closes the
// underlying connection on the way out so the read side unblocks.
func (s *Session) writePump() {
	defer func() {
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warn().Err(err).Msg("error closing connection in write pump")
		}
	}()

	for line := range s.queue {
		if err := s.conn.WriteLine(line); err != nil {
			if !isExpectedCloseError(err) {
				s.log.Warn().Err(err).Msg("outbound write failed")
			}
			return
		}
	}
}

// enqueueLocked hands one line to the write pump without blocking. It
// reports false when the session is closed or its queue is full; the caller
// must hold the registry mutex.
func (s *Session) enqueueLocked(line string) bool {
	if s.closed {
		return false
	}
	select {
	case s.queue <- line:
		return true
	default:
		return false
	}
}

// closeLocked shuts the outbound queue exactly once; the caller must hold
// the registry mutex. The write pump drains what is queued and then closes
// the connection.
func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	if s.queue != nil {
		close(s.queue)
	}
}

// isExpectedCloseError reports whether err is part of a normal connection
// teardown rather than a failure worth logging.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "websocket: close")
}
