package chat

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Routes returns the HTTP mux exposing the health endpoint, the WebSocket
// transport, and a minimal browser test page.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.Handle("/ws", s.WebSocketHandler())
	mux.HandleFunc("/test", s.TestPageHandler)
	return mux
}

// HealthHandler reports liveness and the current member count.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "lanechat is running, %d clients connected\n", s.reg.Len())
}

// TestPageHandler serves a bare-bones page that speaks the line protocol
// over the WebSocket endpoint, useful for poking at a running server.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head><title>lanechat test</title></head>
<body>
    <h1>lanechat test</h1>
    <p>Send lines as <code>ALL&gt;&gt;text</code> or <code>name1,name2&gt;&gt;text</code>.</p>
    <div>
        <input type="text" id="input" placeholder="SUBMITNAME expects your name first">
        <button onclick="send()">Send</button>
    </div>
    <pre id="log"></pre>
    <script>
        const log = document.getElementById('log');
        const input = document.getElementById('input');
        const ws = new WebSocket('ws://' + location.host + '/ws');
        ws.onmessage = e => { log.textContent += e.data + '\n'; };
        ws.onclose = () => { log.textContent += '(disconnected)\n'; };
        function send() {
            if (ws.readyState === WebSocket.OPEN && input.value !== '') {
                ws.send(input.value);
                input.value = '';
            }
        }
        input.addEventListener('keypress', e => { if (e.key === 'Enter') send(); });
    </script>
</body>
</html>`
	if _, err := fmt.Fprint(w, html); err != nil {
		s.log.Warn().Err(err).Msg("error writing test page")
	}
}

// NewHTTPServer wraps the server's routes in an http.Server with sane
// timeouts. Read/write timeouts do not apply to upgraded WebSocket
// connections; those are bounded by the chat server's own shutdown.
func NewHTTPServer(addr string, s *Server) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ShutdownHTTPServer stops the HTTP server, waiting up to timeout for
// handlers to finish.
func ShutdownHTTPServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return server.Shutdown(ctx)
}
