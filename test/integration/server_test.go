// Package integration contains end-to-end tests that exercise the chat
// server over real sockets: TCP clients, WebSocket clients, and the HTTP
// surface, all speaking the actual wire protocol.
package integration

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lanechat/lanechat/internal/chat"
	"github.com/lanechat/lanechat/test/testhelpers"
)

// startServer boots a chat server on an ephemeral port and returns it with
// its dial address. Shutdown runs via test cleanup.
func startServer(t *testing.T) (*chat.Server, string) {
	t.Helper()

	cfg := chat.DefaultConfig()
	logger := zerolog.Nop()
	srv := chat.NewServer(cfg, chat.NewRegistry(logger), logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown(2 * time.Second) })

	return srv, ln.Addr().String()
}

func TestSingleClientLifecycle(t *testing.T) {
	_, addr := startServer(t)

	alice := testhelpers.Dial(t, addr)
	alice.Join("alice", "alice")

	alice.Send("ALL>>anyone here?")
	alice.Expect("MESSAGE alice: Couldn't find the receiver(s). Message: anyone here?")

	alice.Send("zoe>>hey")
	alice.Expect("MESSAGE alice: Couldn't find the receiver(s). Message: hey")

	alice.Send("a line with no routing")
	alice.Expect("MESSAGE alice: Couldn't find the receiver(s). Message: ")
}

func TestBroadcastReachesAllMembers(t *testing.T) {
	_, addr := startServer(t)

	alice := testhelpers.Dial(t, addr)
	alice.Join("alice", "alice")

	bob := testhelpers.Dial(t, addr)
	bob.Join("bob", "alice", "bob")
	alice.Expect("NEW_USERbob")

	carol := testhelpers.Dial(t, addr)
	carol.Join("carol", "alice", "bob", "carol")
	alice.Expect("NEW_USERcarol")
	bob.Expect("NEW_USERcarol")

	bob.Send("ALL>>hi everyone")
	alice.Expect("MESSAGE bob: hi everyone")
	bob.Expect("MESSAGE bob: hi everyone")
	carol.Expect("MESSAGE bob: hi everyone")
}

func TestDirectedDeliverySkipsUnaddressedAndUnknown(t *testing.T) {
	_, addr := startServer(t)

	alice := testhelpers.Dial(t, addr)
	alice.Join("alice", "alice")
	bob := testhelpers.Dial(t, addr)
	bob.Join("bob", "alice", "bob")
	alice.Expect("NEW_USERbob")
	carol := testhelpers.Dial(t, addr)
	carol.Join("carol", "alice", "bob", "carol")
	alice.Expect("NEW_USERcarol")
	bob.Expect("NEW_USERcarol")

	// zoe does not exist; she is silently dropped from the target set.
	alice.Send("bob,zoe>>hey")
	alice.Expect("MESSAGE alice: hey")
	bob.Expect("MESSAGE alice: hey")
	carol.ExpectSilence(200 * time.Millisecond)
}

func TestBodyMayContainDelimiter(t *testing.T) {
	_, addr := startServer(t)

	alice := testhelpers.Dial(t, addr)
	alice.Join("alice", "alice")
	bob := testhelpers.Dial(t, addr)
	bob.Join("bob", "alice", "bob")
	alice.Expect("NEW_USERbob")

	alice.Send("bob>>left >> right")
	bob.Expect("MESSAGE alice: left >> right")
}

func TestNameCollisionRetries(t *testing.T) {
	_, addr := startServer(t)

	alice := testhelpers.Dial(t, addr)
	alice.Join("alice", "alice")

	late := testhelpers.Dial(t, addr)
	late.Expect("SUBMITNAME")
	late.Send("alice")
	late.Expect("SUBMITNAME")
	late.Send("bob")
	late.Expect("NAMEACCEPTED")
	late.ExpectSet("NEW_USERalice", "NEW_USERbob")
	alice.Expect("NEW_USERbob")
}

func TestDepartureAndNameReuse(t *testing.T) {
	_, addr := startServer(t)

	alice := testhelpers.Dial(t, addr)
	alice.Join("alice", "alice")
	bob := testhelpers.Dial(t, addr)
	bob.Join("bob", "alice", "bob")
	alice.Expect("NEW_USERbob")

	bob.Close()
	alice.Expect("REMOVE_USERbob")

	reborn := testhelpers.Dial(t, addr)
	reborn.Join("bob", "alice", "bob")
	alice.Expect("NEW_USERbob")
}

func TestConcurrentJoinsClaimDistinctNames(t *testing.T) {
	srv, addr := startServer(t)

	// Every contender wants "dave" first and falls back to a unique name
	// when rejected; the registry must hand the contested name to exactly
	// one of them.
	const clients = 8
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			errs <- joinWithFallback(addr, "dave", "dave-"+string(rune('a'+i)))
		}(i)
	}
	for i := 0; i < clients; i++ {
		select {
		case err := <-errs:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for concurrent joiners")
		}
	}

	names := srv.Registry().SnapshotNames()
	require.Len(t, names, clients)
	require.Contains(t, names, "dave", "exactly one contender claims the contested name")
}

// joinWithFallback negotiates a name over a raw connection, submitting
// first and then fallback on rejection, and leaves the connection open so
// the session stays registered for the duration of the test.
func joinWithFallback(addr, first, fallback string) error {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return err
	}

	r := bufio.NewReader(conn)
	submits := 0
	for {
		if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			return err
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		switch strings.TrimRight(line, "\n") {
		case "SUBMITNAME":
			name := first
			if submits > 0 {
				name = fallback
			}
			submits++
			if _, err := conn.Write([]byte(name + "\n")); err != nil {
				return err
			}
		case "NAMEACCEPTED":
			return nil
		}
	}
}
