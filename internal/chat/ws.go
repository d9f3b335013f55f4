package chat

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wsLineConn adapts a WebSocket connection to the line transport: one text
// message carries exactly one protocol line.
type wsLineConn struct {
	conn *websocket.Conn
}

func (c *wsLineConn) ReadLine() (string, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
}

func (c *wsLineConn) WriteLine(line string) error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *wsLineConn) Close() error {
	return c.conn.Close()
}

// WebSocketHandler upgrades HTTP requests and runs the exact same session
// loop as the TCP transport, so browser clients speak the identical
// protocol and share the registry with socket clients.
func (s *Server) WebSocketHandler() http.Handler {
	checker := newOriginChecker(s.cfg.AllowedOrigins, s.log)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checker.check,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		conn.SetReadLimit(int64(s.cfg.MaxLineBytes))

		connLog := s.log.With().
			Str("conn_id", uuid.NewString()).
			Str("remote_addr", r.RemoteAddr).
			Str("transport", "websocket").
			Logger()

		netConn := conn.NetConn()
		if !s.trackConn(netConn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrackConn(netConn)
			connLog.Info().Msg("client connected")
			NewLoop(s.reg, &wsLineConn{conn: conn}, s.cfg, connLog).Run()
			connLog.Info().Msg("client disconnected")
		}()
	})
}

// originChecker enforces the configured WebSocket origin allow-list.
type originChecker struct {
	allowAll bool
	allowed  map[string]struct{}
	log      zerolog.Logger
}

func newOriginChecker(origins []string, logger zerolog.Logger) *originChecker {
	c := &originChecker{
		allowed: make(map[string]struct{}, len(origins)),
		log:     logger,
	}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			c.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}
		c.allowed[normalized] = struct{}{}
	}
	return c
}

func (c *originChecker) check(r *http.Request) bool {
	if c.allowAll {
		return true
	}

	header := r.Header.Get("Origin")
	normalized, ok := normalizeOrigin(header)
	if !ok {
		c.log.Warn().Str("origin", header).Msg("blocked websocket connection with unparseable origin")
		return false
	}
	if _, exists := c.allowed[normalized]; !exists {
		c.log.Warn().Str("origin", header).Msg("blocked websocket connection from disallowed origin")
		return false
	}
	return true
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
