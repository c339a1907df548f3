package mesh

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestMesh_SendUnknownPeerReturnsStatus(t *testing.T) {
	m := New(1, nil, nil)
	defer m.Close()
	require.Equal(t, StatusUnknownPeer, m.Send(99, LaneControl, []byte("x")))
}

func TestMesh_DeliversAcrossLanes(t *testing.T) {
	var mu sync.Mutex
	received := make(map[Lane][][]byte)

	listener := New(2, func(from uint32, lane Lane, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		received[lane] = append(received[lane], payload)
	}, nil)
	require.NoError(t, listener.Listen("127.0.0.1:0"))
	defer listener.Close()

	addr := listener.Addr()
	sender := New(1, nil, nil)
	defer sender.Close()
	require.NoError(t, sender.AddPeer(2, addr))

	require.Equal(t, StatusQueued, sender.Send(2, LaneControl, []byte("control-1")))
	require.Equal(t, StatusQueued, sender.Send(2, LaneHeavy, []byte("heavy-1")))
	require.Equal(t, StatusQueued, sender.Send(2, LaneStandard, []byte("standard-1")))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received[LaneControl]) == 1 && len(received[LaneHeavy]) == 1 && len(received[LaneStandard]) == 1
	})

	mu.Lock()
	require.Equal(t, []byte("control-1"), received[LaneControl][0])
	require.Equal(t, []byte("heavy-1"), received[LaneHeavy][0])
	require.Equal(t, []byte("standard-1"), received[LaneStandard][0])
	mu.Unlock()
}

func TestMesh_ControlNotStarvedByFullHeavyLane(t *testing.T) {
	var mu sync.Mutex
	var order []Lane

	listener := New(2, func(from uint32, lane Lane, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, lane)
	}, nil)
	require.NoError(t, listener.Listen("127.0.0.1:0"))
	defer listener.Close()

	addr := listener.Addr()
	sender := New(1, nil, nil)
	defer sender.Close()
	require.NoError(t, sender.AddPeer(2, addr))

	for i := 0; i < 10; i++ {
		sender.Send(2, LaneHeavy, []byte("heavy"))
	}
	sender.Send(2, LaneControl, []byte("control"))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) >= 11
	})
}

func TestMesh_PeersListsRegisteredPeers(t *testing.T) {
	listener := New(2, nil, nil)
	require.NoError(t, listener.Listen("127.0.0.1:0"))
	defer listener.Close()

	sender := New(1, nil, nil)
	defer sender.Close()
	require.Empty(t, sender.Peers())
	require.NoError(t, sender.AddPeer(2, listener.Addr()))
	require.Equal(t, []uint32{2}, sender.Peers())
}

func TestMesh_DroppedWhenLaneQueueFull(t *testing.T) {
	m := New(1, nil, nil)
	defer m.Close()
	conn, remote := net.Pipe()
	defer remote.Close()
	pc := &peerConn{id: 2, conn: conn}
	for i := range pc.lanes {
		pc.lanes[i] = make(chan []byte, 1)
	}
	m.mu.Lock()
	m.peers[2] = pc
	m.mu.Unlock()

	require.Equal(t, StatusQueued, m.Send(2, LaneHeavy, []byte("a")))
	require.Equal(t, StatusDropped, m.Send(2, LaneHeavy, []byte("b")))
}
