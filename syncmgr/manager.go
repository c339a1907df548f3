// Package syncmgr implements the anti-entropy gossip state machine: a
// periodic tick that picks a random peer, compares Merkle roots, and
// drives a request/response exchange down through the tree to the
// divergent buckets and keys, repairing them via the engine's
// ApplyMutation.
package syncmgr

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/l3kv/l3kv/core"
	"github.com/l3kv/l3kv/engine"
	"github.com/l3kv/l3kv/hooks"
	"github.com/l3kv/l3kv/mesh"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTickInterval = 2 * time.Second
	defaultTickJitter   = 250 * time.Millisecond
	treeHeight          = 4

	// roundQuietPeriod is how long a peer's gossip exchange must go idle
	// before its accumulated divergent/repaired counts are flushed as one
	// PostSyncRound event, aggregating the many bucket and key messages a
	// single tick's tree descent fans out into.
	roundQuietPeriod = 500 * time.Millisecond
)

// Manager runs the gossip loop for one node. Inbound sync traffic arrives
// concurrently on whichever mesh reader goroutine owns the sending peer's
// connection; HandleMessage is safe to call from any number of them at
// once, so the receiver side of the state machine is already naturally
// parallel across peers without a dedicated worker pool.
type Manager struct {
	node   uint32
	engine *engine.Engine
	mesh   *mesh.Mesh
	hooks  hooks.HookManager
	logger *slog.Logger
	tracer trace.Tracer
	rand   *rand.Rand

	tickInterval time.Duration
	tickJitter   time.Duration

	roundMu    sync.Mutex
	roundStats map[uint32]*peerRoundStats

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// peerRoundStats accumulates one peer's divergent/repaired key counts
// across a burst of gossip messages until roundQuietPeriod of inactivity
// elapses, at which point the totals are reported as a single
// PostSyncRound event rather than one per key.
type peerRoundStats struct {
	mu        sync.Mutex
	divergent int
	repaired  int
	timer     *time.Timer
}

// Option configures a Manager at New time.
type Option func(*Manager)

// WithTracer attaches an OpenTelemetry tracer for per-gossip-round spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Manager) { s.tracer = tracer }
}

// WithTickInterval overrides the average interval between gossip rounds.
func WithTickInterval(d time.Duration) Option {
	return func(s *Manager) { s.tickInterval = d }
}

// WithTickJitter overrides the random jitter applied around TickInterval.
func WithTickJitter(d time.Duration) Option {
	return func(s *Manager) { s.tickJitter = d }
}

// New creates a sync manager for eng, sending and receiving gossip
// messages over m. Call Start to begin the periodic tick; wire m's
// inbound messages into HandleMessage so the receiver state machine runs.
func New(eng *engine.Engine, m *mesh.Mesh, hookManager hooks.HookManager, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if hookManager == nil {
		hookManager = hooks.NewHookManager(nil)
	}
	s := &Manager{
		node:         eng.NodeID(),
		engine:       eng,
		mesh:         m,
		hooks:        hookManager,
		logger:       logger.With("component", "syncmgr"),
		tracer:       otel.Tracer("github.com/l3kv/l3kv/syncmgr"),
		rand:         rand.New(rand.NewSource(int64(eng.NodeID()) + 1)),
		tickInterval: defaultTickInterval,
		tickJitter:   defaultTickJitter,
		roundStats:   make(map[uint32]*peerRoundStats),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleMessage is the mesh.Handler for sync traffic: decode the message
// type and dispatch to the receiver state machine. Any decode failure or
// unrecognised type is dropped with a warning; the gossip loop never
// crashes on a peer's malformed message.
func (s *Manager) HandleMessage(from uint32, lane mesh.Lane, payload []byte) {
	typ, sender, ok := readHeader(payload)
	if !ok {
		s.logger.Warn("syncmgr: short message, dropping", "peer", from)
		return
	}
	body := payload[headerLen:]

	var err error
	switch typ {
	case MsgSyncInit:
		err = s.onSyncInit(sender, body)
	case MsgSyncReqNode:
		err = s.onSyncReqNode(sender, body)
	case MsgSyncRepNode:
		err = s.onSyncRepNode(sender, body)
	case MsgSyncReqBucket:
		err = s.onSyncReqBucket(sender, body)
	case MsgSyncRepBucket:
		err = s.onSyncRepBucket(sender, body)
	case MsgSyncGetVal:
		err = s.onSyncGetVal(sender, body)
	case MsgSyncPutVal:
		err = s.onSyncPutVal(sender, body)
	default:
		s.logger.Warn("syncmgr: unknown message type, dropping", "peer", sender, "type", typ)
		return
	}
	if err != nil {
		s.logger.Warn("syncmgr: malformed message, dropping", "peer", sender, "type", typ, "err", err)
	}
}

// Start launches the periodic gossip tick in a background goroutine. Call
// Stop to terminate it.
func (s *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	s.ctx, s.cancel, s.group = ctx, cancel, group
	group.Go(func() error {
		s.loop(ctx)
		return nil
	})
}

// Stop terminates the gossip loop and waits for it to exit.
func (s *Manager) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.group.Wait()
	}

	s.roundMu.Lock()
	for peer, st := range s.roundStats {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
		}
		st.mu.Unlock()
		delete(s.roundStats, peer)
	}
	s.roundMu.Unlock()
}

// recordDivergence folds divergent and repaired key counts found for peer
// into that peer's in-flight round, (re)starting the quiet-period timer
// that eventually flushes them as one aggregate PostSyncRound event.
func (s *Manager) recordDivergence(peer uint32, divergent, repaired int) {
	s.roundMu.Lock()
	st, ok := s.roundStats[peer]
	if !ok {
		st = &peerRoundStats{}
		s.roundStats[peer] = st
	}
	s.roundMu.Unlock()

	st.mu.Lock()
	st.divergent += divergent
	st.repaired += repaired
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(roundQuietPeriod, func() { s.flushRoundStats(peer) })
	st.mu.Unlock()
}

// flushRoundStats fires the aggregated PostSyncRound event for peer once
// its round has gone quiet, then forgets its accumulated counts.
func (s *Manager) flushRoundStats(peer uint32) {
	s.roundMu.Lock()
	st, ok := s.roundStats[peer]
	if ok {
		delete(s.roundStats, peer)
	}
	s.roundMu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	divergent, repaired := st.divergent, st.repaired
	st.mu.Unlock()
	if divergent == 0 && repaired == 0 {
		return
	}

	s.hooks.Trigger(context.Background(), hooks.NewPostSyncRoundEvent(hooks.SyncRoundPayload{
		Peer:          peer,
		DivergentKeys: divergent,
		RepairedKeys:  repaired,
		LocalRootHash: s.engine.RootHash(),
	}))
}

func (s *Manager) loop(ctx context.Context) {
	for {
		wait := s.tickInterval
		if jitter := s.tickJitter; jitter > 0 {
			wait += time.Duration(s.rand.Int63n(int64(2*jitter))) - jitter
		}
		select {
		case <-time.After(wait):
			s.tick()
		case <-ctx.Done():
			return
		}
	}
}

// Tick forces one gossip round immediately, outside the periodic
// schedule. Used by the admin listener's GOSSIP command.
func (s *Manager) Tick() { s.tick() }

func (s *Manager) tick() {
	_, span := s.tracer.Start(context.Background(), "syncmgr.tick")
	defer span.End()

	peers := s.mesh.Peers()
	if len(peers) == 0 {
		return
	}
	peer := peers[s.rand.Intn(len(peers))]
	root := s.engine.RootHash()
	s.send(peer, mesh.LaneControl, encodeSyncInit(s.node, syncInit{Root: root}))
}

func (s *Manager) send(peer uint32, lane mesh.Lane, payload []byte) {
	status := s.mesh.Send(peer, lane, payload)
	if status == mesh.StatusUnknownPeer {
		s.logger.Debug("syncmgr: peer unknown, dropping outbound message", "peer", peer)
	}
}

// onSyncInit: if the roots already agree, the peers are converged and
// there is nothing to do. Otherwise start descending the tree from its
// top level.
func (s *Manager) onSyncInit(peer uint32, body []byte) error {
	msg, err := decodeSyncInit(body)
	if err != nil {
		return err
	}
	if msg.Root == s.engine.RootHash() {
		return nil
	}
	s.send(peer, mesh.LaneControl, encodeSyncReqNode(s.node, syncReqNode{Level: 1, ParentIdx: 0}))
	return nil
}

// onSyncReqNode answers with the 16 children of the node the peer
// identified by (level-1, parentIdx), i.e. the 16 nodes at level whose
// indices are parentIdx*16 .. parentIdx*16+15.
func (s *Manager) onSyncReqNode(peer uint32, body []byte) error {
	msg, err := decodeSyncReqNode(body)
	if err != nil {
		return err
	}
	rep := syncRepNode{Level: msg.Level, ParentIdx: msg.ParentIdx}
	base := int(msg.ParentIdx) * 16
	for i := 0; i < 16; i++ {
		rep.Children[i] = s.engine.Node(int(msg.Level), base+i)
	}
	s.send(peer, mesh.LaneControl, encodeSyncRepNode(s.node, rep))
	return nil
}

// onSyncRepNode compares each of the 16 reported children against the
// local tree. A mismatch at the leaf level names a divergent bucket;
// otherwise it names a node to recurse into one level deeper.
func (s *Manager) onSyncRepNode(peer uint32, body []byte) error {
	msg, err := decodeSyncRepNode(body)
	if err != nil {
		return err
	}
	base := int(msg.ParentIdx) * 16
	for i, theirs := range msg.Children {
		childIdx := base + i
		mine := s.engine.Node(int(msg.Level), childIdx)
		if mine == theirs {
			continue
		}
		if int(msg.Level) == treeHeight {
			s.send(peer, mesh.LaneControl, encodeSyncReqBucket(s.node, syncReqBucket{Bucket: uint32(childIdx)}))
			continue
		}
		s.send(peer, mesh.LaneControl, encodeSyncReqNode(s.node, syncReqNode{Level: msg.Level + 1, ParentIdx: uint32(childIdx)}))
	}
	return nil
}

// onSyncReqBucket enumerates every key (including tombstones) in the
// requested bucket along with its current byte-hash, and replies on the
// Heavy lane since this payload can be large.
func (s *Manager) onSyncReqBucket(peer uint32, body []byte) error {
	msg, err := decodeSyncReqBucket(body)
	if err != nil {
		return err
	}
	entries := s.engine.BucketKeys(uint16(msg.Bucket))
	rep := syncRepBucket{Bucket: msg.Bucket}
	for _, e := range entries {
		rep.Keys = append(rep.Keys, bucketKeyHash{Key: e.Key, Hash: e.Hash})
	}
	payload := encodeSyncRepBucket(s.node, rep)
	// Only the body is compressed: HandleMessage reads the header before
	// dispatching, and onSyncRepBucket decompresses what follows it.
	payload = append(payload[:headerLen:headerLen], snappy.Encode(nil, payload[headerLen:])...)
	s.send(peer, mesh.LaneHeavy, payload)
	return nil
}

// onSyncRepBucket compares each reported key hash against the local
// value; any mismatch (including a key the peer has that we don't) is a
// candidate for repair, fetched via SYNC_GET_VAL. Keys held only locally
// are not in the peer's reply and are not examined here.
func (s *Manager) onSyncRepBucket(peer uint32, body []byte) error {
	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		decoded = body // tolerate peers that didn't compress, e.g. in tests
	}
	msg, err := decodeSyncRepBucket(decoded)
	if err != nil {
		return err
	}
	divergent := 0
	for _, k := range msg.Keys {
		local := s.engine.Get(k.Key)
		if local.ByteHash() == k.Hash {
			continue
		}
		divergent++
		s.send(peer, mesh.LaneHeavy, encodeSyncGetVal(s.node, syncGetVal{Key: k.Key}))
	}
	if divergent > 0 {
		s.recordDivergence(peer, divergent, 0)
	}
	return nil
}

// onSyncGetVal replies with the requested key's current value and meta,
// or drops the request if no meta exists locally (the key is unknown to
// this node).
func (s *Manager) onSyncGetVal(peer uint32, body []byte) error {
	msg, err := decodeSyncGetVal(body)
	if err != nil {
		return err
	}
	meta, ok := s.engine.GetMeta(msg.Key)
	if !ok {
		return nil
	}
	value := s.engine.Get(msg.Key)
	s.send(peer, mesh.LaneHeavy, encodeSyncPutVal(s.node, syncPutVal{
		Key:   msg.Key,
		Meta:  meta.Bytes(),
		Value: value.Bytes(),
	}))
	return nil
}

// onSyncPutVal decodes the remote (value, meta) pair into a Mutation and
// feeds it back into the engine. Last-Writer-Wins absorbs stale repairs.
func (s *Manager) onSyncPutVal(peer uint32, body []byte) error {
	msg, err := decodeSyncPutVal(body)
	if err != nil {
		return err
	}
	metaDoc, err := core.NewDocFromBytes(msg.Meta)
	if err != nil {
		return err
	}
	ts, tombstone, ok := core.DocToMeta(metaDoc)
	if !ok {
		return nil
	}
	mutation := core.Mutation{
		Key:       msg.Key,
		Value:     msg.Value,
		IsDelete:  tombstone,
		Timestamp: ts,
	}
	applied, err := s.engine.ApplyMutation(context.Background(), mutation)
	if err != nil {
		return err
	}
	if applied {
		s.recordDivergence(peer, 0, 1)
	}
	return nil
}
