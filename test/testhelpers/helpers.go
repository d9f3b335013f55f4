// Package testhelpers provides a line-protocol chat client used by the
// integration tests: it dials the server, walks through name negotiation,
// and asserts on individual protocol lines with deadlines.
package testhelpers

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const readTimeout = 2 * time.Second

// Client is one end of a chat connection under test.
type Client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects a new client to the chat server at addr.
func Dial(t *testing.T, addr string) *Client {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err, "dial chat server")
	t.Cleanup(func() { _ = conn.Close() })

	return &Client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// ReadLine returns the next protocol line, failing the test on timeout.
func (c *Client) ReadLine() string {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err, "read protocol line")
	return strings.TrimRight(line, "\r\n")
}

// Expect asserts that the next protocol line equals want.
func (c *Client) Expect(want string) {
	c.t.Helper()
	require.Equal(c.t, want, c.ReadLine())
}

// ExpectSet asserts that the next len(want) lines are exactly want in any
// order, for protocol sequences with unspecified interleaving.
func (c *Client) ExpectSet(want ...string) {
	c.t.Helper()

	got := make([]string, 0, len(want))
	for range want {
		got = append(got, c.ReadLine())
	}
	require.ElementsMatch(c.t, want, got)
}

// ExpectSilence asserts that no line arrives within d.
func (c *Client) ExpectSilence(d time.Duration) {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	line, err := c.r.ReadString('\n')
	if err == nil {
		c.t.Fatalf("expected no traffic, got %q", strings.TrimRight(line, "\r\n"))
	}
	netErr, ok := err.(net.Error)
	require.True(c.t, ok, "expected a timeout, got %v", err)
	require.True(c.t, netErr.Timeout(), "expected a timeout, got %v", err)
}

// ExpectEOF asserts that the connection is closed by the server within the
// read timeout.
func (c *Client) ExpectEOF() {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, err := c.r.ReadString('\n')
	require.Error(c.t, err, "expected the server to close the connection")
}

// Send writes one protocol line.
func (c *Client) Send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err, "send protocol line")
}

// Join negotiates the given display name, asserting the server prompts for
// it and accepts it, and consumes the membership snapshot, which must match
// members (the joiner included) in any order.
func (c *Client) Join(name string, members ...string) {
	c.t.Helper()

	c.Expect("SUBMITNAME")
	c.Send(name)
	c.Expect("NAMEACCEPTED")

	want := make([]string, 0, len(members))
	for _, member := range members {
		want = append(want, "NEW_USER"+member)
	}
	c.ExpectSet(want...)
}

// Close terminates the client's connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
