package admin

import (
	"bufio"
	"net"
	"testing"

	"github.com/l3kv/l3kv/engine"
	"github.com/stretchr/testify/require"
)

type fakeGossiper struct{ ticks int }

func (f *fakeGossiper) Tick() { f.ticks++ }

func newTestServer(t *testing.T, gossiper Gossiper) (*Server, net.Conn) {
	t.Helper()
	eng, err := engine.Open(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	s := New(eng, gossiper, nil)
	require.NoError(t, s.Listen("127.0.0.1:0"))
	t.Cleanup(func() { s.Close() })

	conn, err := net.Dial("tcp", s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return s, conn
}

func sendLine(t *testing.T, conn net.Conn, line string) string {
	t.Helper()
	_, err := conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return reply
}

func TestServer_RootHash(t *testing.T) {
	_, conn := newTestServer(t, nil)
	reply := sendLine(t, conn, "ROOT_HASH")
	require.Contains(t, reply, "OK ")
}

func TestServer_BucketKeysEmpty(t *testing.T) {
	_, conn := newTestServer(t, nil)
	reply := sendLine(t, conn, "BUCKET_KEYS 3")
	require.Equal(t, "OK 0 \n", reply)
}

func TestServer_BucketKeysInvalid(t *testing.T) {
	_, conn := newTestServer(t, nil)
	reply := sendLine(t, conn, "BUCKET_KEYS notanumber")
	require.Contains(t, reply, "ERR")
}

func TestServer_GossipWithoutManagerErrors(t *testing.T) {
	_, conn := newTestServer(t, nil)
	reply := sendLine(t, conn, "GOSSIP")
	require.Contains(t, reply, "ERR")
}

func TestServer_GossipTriggersTick(t *testing.T) {
	fg := &fakeGossiper{}
	_, conn := newTestServer(t, fg)
	reply := sendLine(t, conn, "GOSSIP")
	require.Contains(t, reply, "OK")
	require.Equal(t, 1, fg.ticks)
}

func TestServer_UnknownCommand(t *testing.T) {
	_, conn := newTestServer(t, nil)
	reply := sendLine(t, conn, "BOGUS")
	require.Contains(t, reply, "ERR unknown command")
}
