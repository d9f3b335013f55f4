package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lanechat/lanechat/internal/chat"
	"github.com/lanechat/lanechat/test/testhelpers"
)

const testOrigin = "http://localhost:8080"

// startHTTPServer attaches the chat server's HTTP routes (health page and
// the WebSocket transport) to an httptest server.
func startHTTPServer(t *testing.T, srv *chat.Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

// wsClient speaks the line protocol over a WebSocket connection, one text
// message per line.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, ts *httptest.Server, origin string) (*wsClient, error) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	header := http.Header{}
	header.Set("Origin", origin)

	conn, resp, err := dialer.Dial(url, header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}, nil
}

func (c *wsClient) readLine() string {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err, "read websocket line")
	return string(data)
}

func (c *wsClient) expect(want string) {
	c.t.Helper()
	require.Equal(c.t, want, c.readLine())
}

func (c *wsClient) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(line)))
}

func TestWebSocketClientSpeaksTheLineProtocol(t *testing.T) {
	srv, _ := startServer(t)
	ts := startHTTPServer(t, srv)

	webbie, err := dialWS(t, ts, testOrigin)
	require.NoError(t, err)

	webbie.expect("SUBMITNAME")
	webbie.send("webbie")
	webbie.expect("NAMEACCEPTED")
	webbie.expect("NEW_USERwebbie")

	webbie.send("ALL>>hello?")
	webbie.expect("MESSAGE webbie: Couldn't find the receiver(s). Message: hello?")
}

func TestWebSocketAndTCPClientsShareTheRoom(t *testing.T) {
	srv, addr := startServer(t)
	ts := startHTTPServer(t, srv)

	terry := testhelpers.Dial(t, addr)
	terry.Join("terry", "terry")

	webbie, err := dialWS(t, ts, testOrigin)
	require.NoError(t, err)
	webbie.expect("SUBMITNAME")
	webbie.send("webbie")
	webbie.expect("NAMEACCEPTED")
	webbie.expect("NEW_USERterry")
	webbie.expect("NEW_USERwebbie")
	terry.Expect("NEW_USERwebbie")

	webbie.send("ALL>>hi from the browser")
	terry.Expect("MESSAGE webbie: hi from the browser")
	webbie.expect("MESSAGE webbie: hi from the browser")

	terry.Send("webbie>>hi from the socket")
	webbie.expect("MESSAGE terry: hi from the socket")
	terry.Expect("MESSAGE terry: hi from the socket")

	_ = webbie.conn.Close()
	terry.Expect("REMOVE_USERwebbie")
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	srv, _ := startServer(t)
	ts := startHTTPServer(t, srv)

	_, err := dialWS(t, ts, "http://evil.example")
	require.Error(t, err, "the upgrade must be refused for an unlisted origin")
}

func TestHealthEndpointReportsMemberCount(t *testing.T) {
	srv, addr := startServer(t)
	ts := startHTTPServer(t, srv)

	alice := testhelpers.Dial(t, addr)
	alice.Join("alice", "alice")

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "1 clients connected")
}
