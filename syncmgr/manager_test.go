package syncmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/l3kv/l3kv/engine"
	"github.com/l3kv/l3kv/hooks"
	"github.com/l3kv/l3kv/mesh"
	"github.com/stretchr/testify/require"
)

// capturingListener records every hooks.SyncRoundPayload it observes, for
// asserting on how many PostSyncRound events a round actually produced.
type capturingListener struct {
	mu     sync.Mutex
	events []hooks.SyncRoundPayload
}

func (l *capturingListener) OnEvent(_ context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.SyncRoundPayload)
	if !ok {
		return nil
	}
	l.mu.Lock()
	l.events = append(l.events, payload)
	l.mu.Unlock()
	return nil
}

func (l *capturingListener) Priority() int { return 0 }
func (l *capturingListener) IsAsync() bool { return false }

func (l *capturingListener) snapshot() []hooks.SyncRoundPayload {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]hooks.SyncRoundPayload(nil), l.events...)
}

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

func newLinkedPair(t *testing.T) (engA, engB *engine.Engine, mgrA, mgrB *Manager) {
	t.Helper()

	engA, err := engine.Open(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { engA.Close() })
	engB, err = engine.Open(t.TempDir(), 2)
	require.NoError(t, err)
	t.Cleanup(func() { engB.Close() })

	var mA, mB *Manager
	handlerA := func(from uint32, lane mesh.Lane, payload []byte) { mA.HandleMessage(from, lane, payload) }
	handlerB := func(from uint32, lane mesh.Lane, payload []byte) { mB.HandleMessage(from, lane, payload) }

	meshA := mesh.New(1, handlerA, nil)
	require.NoError(t, meshA.Listen("127.0.0.1:0"))
	t.Cleanup(func() { meshA.Close() })

	meshB := mesh.New(2, handlerB, nil)
	require.NoError(t, meshB.Listen("127.0.0.1:0"))
	t.Cleanup(func() { meshB.Close() })

	require.NoError(t, meshA.AddPeer(2, meshB.Addr()))
	require.NoError(t, meshB.AddPeer(1, meshA.Addr()))

	mA = New(engA, meshA, nil, nil)
	mB = New(engB, meshB, nil, nil)
	return engA, engB, mA, mB
}

func TestManager_ConvergesAfterDivergence(t *testing.T) {
	engA, engB, mgrA, mgrB := newLinkedPair(t)
	_ = mgrB

	require.NoError(t, engA.Put(context.Background(), []byte("user:1"), []byte(`{"name":"ada"}`)))

	mgrA.tick()

	waitFor(t, func() bool {
		doc := engB.Get([]byte("user:1"))
		return !doc.IsEmpty()
	})

	doc := engB.Get([]byte("user:1"))
	name, ok := doc.Get("name")
	require.True(t, ok)
	s, _ := name.String()
	require.Equal(t, "ada", s)
}

func TestManager_IdenticalRootsAreANoOp(t *testing.T) {
	_, _, mgrA, _ := newLinkedPair(t)
	mgrA.tick() // empty roots on both sides: SYNC_INIT should simply be dropped
}

// TestManager_AggregatesDivergentKeysIntoOneRoundEvent covers the fix for
// firing PostSyncRound once per repaired key, which pinned DivergentKeys at
// 1 forever and made any alerter threshold above 1 unreachable: several
// divergence/repair increments against the same peer in quick succession
// must collapse into a single event once the round quiets down.
func TestManager_AggregatesDivergentKeysIntoOneRoundEvent(t *testing.T) {
	eng, err := engine.Open(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	hookManager := hooks.NewHookManager(nil)
	listener := &capturingListener{}
	hookManager.Register(hooks.EventPostSyncRound, listener)

	m := mesh.New(1, func(uint32, mesh.Lane, []byte) {}, nil)
	mgr := New(eng, m, hookManager, nil)
	t.Cleanup(mgr.Stop)

	mgr.recordDivergence(2, 3, 0)
	mgr.recordDivergence(2, 2, 1)
	mgr.recordDivergence(2, 0, 1)

	waitFor(t, func() bool { return len(listener.snapshot()) == 1 })

	events := listener.snapshot()
	require.Equal(t, uint32(2), events[0].Peer)
	require.Equal(t, 5, events[0].DivergentKeys)
	require.Equal(t, 2, events[0].RepairedKeys)
}

// TestManager_SeparatePeersGetSeparateRoundEvents ensures aggregation is
// scoped per peer, not global: divergence found against one peer must not
// bleed into another peer's round totals.
func TestManager_SeparatePeersGetSeparateRoundEvents(t *testing.T) {
	eng, err := engine.Open(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	hookManager := hooks.NewHookManager(nil)
	listener := &capturingListener{}
	hookManager.Register(hooks.EventPostSyncRound, listener)

	m := mesh.New(1, func(uint32, mesh.Lane, []byte) {}, nil)
	mgr := New(eng, m, hookManager, nil)
	t.Cleanup(mgr.Stop)

	mgr.recordDivergence(2, 4, 0)
	mgr.recordDivergence(3, 1, 0)

	waitFor(t, func() bool { return len(listener.snapshot()) == 2 })

	byPeer := map[uint32]int{}
	for _, e := range listener.snapshot() {
		byPeer[e.Peer] = e.DivergentKeys
	}
	require.Equal(t, 4, byPeer[2])
	require.Equal(t, 1, byPeer[3])
}
