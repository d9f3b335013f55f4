package chat

import (
	"strings"

	"github.com/rs/zerolog"
)

// Loop drives one client connection through its lifecycle: name negotiation,
// then a receive/parse/route cycle, then cleanup. States run strictly
// NEGOTIATING -> ACTIVE -> CLOSED; cleanup executes on every exit path.
type Loop struct {
	reg     *Registry
	conn    LineConn
	cfg     Config
	limiter *tokenBucket
	log     zerolog.Logger
}

// NewLoop builds the loop for one accepted connection. The connection is
// owned by the loop from this point on and is always closed by Run.
func NewLoop(reg *Registry, conn LineConn, cfg Config, logger zerolog.Logger) *Loop {
	return &Loop{
		reg:     reg,
		conn:    conn,
		cfg:     cfg,
		limiter: newTokenBucket(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		log:     logger,
	}
}

// Run services the connection until the client disconnects or faults.
// It blocks for the connection's lifetime and is meant to be invoked on its
// own goroutine, one per connection.
func (l *Loop) Run() {
	sess := l.negotiate()
	if sess == nil {
		// No name was ever claimed; there is nothing to unregister.
		if err := l.conn.Close(); err != nil && !isExpectedCloseError(err) {
			l.log.Debug().Err(err).Msg("error closing unnegotiated connection")
		}
		return
	}

	l.log = l.log.With().Str("name", sess.Name()).Logger()
	l.log.Info().Msg("client joined")

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		sess.writePump()
	}()

	l.receive(sess)

	// Unconditional cleanup. detach is a no-op if the registry already
	// evicted this session, so double cleanup cannot double-announce.
	if l.reg.detach(sess) {
		l.log.Info().Msg("client left")
	}
	<-pumpDone
}

// negotiate repeatedly prompts for a display name until a unique one is
// claimed, then activates the session. It returns nil when the client goes
// away before claiming a name.
func (l *Loop) negotiate() *Session {
	for {
		if err := l.conn.WriteLine(lineSubmitName); err != nil {
			if !isExpectedCloseError(err) {
				l.log.Debug().Err(err).Msg("failed to prompt for name")
			}
			return nil
		}

		candidate, err := l.conn.ReadLine()
		if err != nil {
			return nil
		}

		name := strings.TrimSpace(candidate)
		if name == "" {
			continue
		}
		if !l.reg.TryRegister(name) {
			l.log.Debug().Str("candidate", name).Msg("name already taken")
			continue
		}

		sess := newSession(name, l.conn, l.cfg.SendQueueDepth, l.log)
		l.reg.Activate(name, sess)
		return sess
	}
}

// receive reads lines until end-of-stream or a read fault, routing each one
// through the parser and the registry.
func (l *Loop) receive(sess *Session) {
	for {
		line, err := l.conn.ReadLine()
		if err != nil {
			if !isExpectedCloseError(err) {
				l.log.Warn().Err(err).Msg("read failed")
			}
			return
		}

		if !l.limiter.allow() {
			l.log.Warn().Msg("rate limit exceeded; discarding line")
			continue
		}

		l.reg.Deliver(sess.Name(), ParseRoute(line))
	}
}
