// Package engine implements the sharded, in-memory document store: 64
// independent shards each holding {key -> DocumentBuffer} plus a sibling
// ":meta" entry, backed by a write-ahead log for crash recovery and a
// Merkle summary for anti-entropy.
package engine

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/l3kv/l3kv/core"
	"github.com/l3kv/l3kv/hlc"
	"github.com/l3kv/l3kv/hooks"
	"github.com/l3kv/l3kv/merkle"
	"github.com/l3kv/l3kv/ring"
	"github.com/l3kv/l3kv/wal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// BucketEntry is one key/hash pair returned by BucketKeys, used by the
// sync manager to detect per-key divergence within a Merkle bucket.
type BucketEntry struct {
	Key  []byte
	Hash uint64
}

// Engine is the sharded document store for one node.
type Engine struct {
	node   uint32
	shards [ShardCount]*shard
	clock  *hlc.Clock
	wal    *wal.WAL
	tree   *merkle.Tree
	ring   *ring.Ring
	logger *slog.Logger
	tracer trace.Tracer
	hooks  hooks.HookManager

	walFlushInterval  time.Duration
	walMaxSegmentSize int64

	closed bool

	puts    *expvar.Int
	patches *expvar.Int
	deletes *expvar.Int
	rejects *expvar.Int
}

// Option configures an Engine at Open time.
type Option func(*Engine)

// WithRing configures the consistent-hash ring used to reject writes for
// keys this node does not own. Without a ring, every node owns every key.
func WithRing(r *ring.Ring) Option {
	return func(e *Engine) { e.ring = r }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTracer attaches an OpenTelemetry tracer for per-operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithHooks attaches a hook manager used to publish mutation and lifecycle
// events.
func WithHooks(manager hooks.HookManager) Option {
	return func(e *Engine) { e.hooks = manager }
}

// WithWALFlushInterval overrides how often the WAL's background flusher
// syncs buffered writes to disk. Forwarded to wal.Open at Open time.
func WithWALFlushInterval(d time.Duration) Option {
	return func(e *Engine) { e.walFlushInterval = d }
}

// WithWALMaxSegmentSize overrides the WAL's segment rotation threshold.
// Forwarded to wal.Open at Open time.
func WithWALMaxSegmentSize(n int64) Option {
	return func(e *Engine) { e.walMaxSegmentSize = n }
}

// Open opens the WAL rooted at dir (creating it if absent), replays it to
// rebuild in-memory state and the Merkle summary, and returns a ready
// Engine. Opening a WAL directory already held open elsewhere is fatal.
func Open(dir string, node uint32, opts ...Option) (*Engine, error) {
	e := &Engine{
		node:    node,
		clock:   hlc.New(node),
		tree:    merkle.New(),
		logger:  slog.Default().With("component", "engine"),
		tracer:  otel.Tracer("github.com/l3kv/l3kv/engine"),
		hooks:   hooks.NewHookManager(nil),
		puts:    new(expvar.Int),
		patches: new(expvar.Int),
		deletes: new(expvar.Int),
		rejects: new(expvar.Int),
	}
	for _, opt := range opts {
		opt(e)
	}
	for i := range e.shards {
		e.shards[i] = newShard(e.clock)
	}

	ctx := context.Background()
	if err := e.hooks.Trigger(ctx, hooks.NewPreStartEngineEvent()); err != nil {
		return nil, err
	}

	walOpts := []wal.Option{wal.WithLogger(e.logger)}
	if e.walFlushInterval > 0 {
		walOpts = append(walOpts, wal.WithFlushInterval(e.walFlushInterval))
	}
	if e.walMaxSegmentSize > 0 {
		walOpts = append(walOpts, wal.WithMaxSegmentSize(e.walMaxSegmentSize))
	}
	w, err := wal.Open(dir, walOpts...)
	if err != nil {
		if errors.Is(err, wal.ErrDoubleOpen) {
			return nil, fmt.Errorf("%w: %w", core.ErrWALDoubleOpen, err)
		}
		return nil, err
	}
	e.wal = w

	recovered := 0
	var maxSeen core.Timestamp
	recoverErr := wal.Recover(dir, func(op core.EntryType, key, payload []byte) error {
		recovered++
		return e.replayRecord(op, key, payload, &maxSeen)
	})
	if recoverErr != nil {
		w.Close()
		return nil, recoverErr
	}
	if maxSeen != core.Zero {
		e.clock.Update(maxSeen)
	}
	e.hooks.Trigger(ctx, hooks.NewPostWALRecoveryEvent(hooks.WALRecoveryPayload{RecoveredRecords: recovered}))
	e.hooks.Trigger(ctx, hooks.NewPostStartEngineEvent())

	return e, nil
}

// replayRecord applies one WAL record directly to in-memory state and the
// Merkle summary, the same way normal operation does but without
// re-logging. Used only during Open's recovery pass, so it runs single
// threaded and needs no shard locking.
func (e *Engine) replayRecord(op core.EntryType, key, payload []byte, maxSeen *core.Timestamp) error {
	s := shardFor(&e.shards, key)

	if core.IsMetaKey(key) {
		doc, err := core.NewDocFromBytes(payload)
		if err != nil {
			e.logger.Warn("wal recovery: malformed meta record, skipping", "key", string(key), "err", err)
			return nil
		}
		if ts, _, ok := core.DocToMeta(doc); ok && maxSeen.Less(ts) {
			*maxSeen = ts
		}
		s.docs[string(key)] = doc
		return nil
	}

	old, existed := s.docs[string(key)]
	oldHash := byteHashOrZero(existed, old)

	var newDoc core.Doc
	switch op {
	case core.EntryPut:
		doc, err := core.NewDocFromBytes(payload)
		if err != nil {
			e.logger.Warn("wal recovery: malformed put payload, skipping", "key", string(key), "err", err)
			return nil
		}
		newDoc = doc
	case core.EntryDelete:
		newDoc = core.EmptyDoc()
	case core.EntryPatchInt64:
		field, v, err := decodePatchInt64(payload)
		if err != nil {
			e.logger.Warn("wal recovery: malformed PATCH_I64 payload, skipping", "key", string(key), "err", err)
			return nil
		}
		base := old
		if !existed {
			base = core.EmptyDoc()
		}
		base.SetInt64(field, v)
		newDoc = base
	case core.EntryPatchStr:
		field, v, err := decodePatchStr(payload)
		if err != nil {
			e.logger.Warn("wal recovery: malformed PATCH_STR payload, skipping", "key", string(key), "err", err)
			return nil
		}
		base := old
		if !existed {
			base = core.EmptyDoc()
		}
		base.SetString(field, v)
		newDoc = base
	default:
		e.logger.Warn("wal recovery: unknown op code, skipping", "op", byte(op))
		return nil
	}

	s.docs[string(key)] = newDoc
	e.tree.ApplyDelta(key, oldHash^newDoc.ByteHash())
	return nil
}

func parseBody(body []byte) core.Doc {
	if len(body) > 0 && (body[0] == '{' || body[0] == '[') {
		if doc, err := core.NewDocFromJSON(body); err == nil {
			return doc
		}
	}
	return core.NewRawDoc(body)
}

func decodePatchInt64(payload []byte) (field string, v int64, err error) {
	field, valStr, ok := splitFieldValue(payload)
	if !ok {
		return "", 0, fmt.Errorf("missing ':' separator")
	}
	v, err = strconv.ParseInt(valStr, 10, 64)
	if err != nil {
		return "", 0, err
	}
	return field, v, nil
}

func decodePatchStr(payload []byte) (field, v string, err error) {
	field, v, ok := splitFieldValue(payload)
	if !ok {
		return "", "", fmt.Errorf("missing ':' separator")
	}
	return field, v, nil
}

func splitFieldValue(payload []byte) (field, value string, ok bool) {
	s := string(payload)
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+1:], true
}

// Get returns a clone of the stored buffer for key: empty iff the key is
// absent or tombstoned.
func (e *Engine) Get(key []byte) core.Doc {
	s := shardFor(&e.shards, key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[string(key)]
	if !ok {
		return core.EmptyDoc()
	}
	return doc.Clone()
}

// Put assigns a fresh HLC timestamp, writes the user key and its :meta
// sibling as a single WAL batch, and updates in-memory state and the
// Merkle summary.
func (e *Engine) Put(ctx context.Context, key, body []byte) error {
	_, span := e.tracer.Start(ctx, "engine.Put")
	defer span.End()

	if e.closed {
		return core.ErrEngineClosed
	}
	if !e.IsOwner(key) {
		return core.ErrNotOwner
	}
	doc := parseBody(body)
	s := shardFor(&e.shards, key)

	s.mu.Lock()
	ts := s.alloc.Now()
	old, existed := s.docs[string(key)]
	oldHash := byteHashOrZero(existed, old)
	metaDoc := core.MetaToDoc(ts, false)

	err := e.wal.AppendBatch([]wal.RawOp{
		{Op: core.EntryPut, Key: key, Payload: doc.Bytes()},
		{Op: core.EntryPut, Key: core.MetaKey(key), Payload: metaDoc.Bytes()},
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.docs[string(key)] = doc
	s.docs[string(core.MetaKey(key))] = metaDoc
	s.mu.Unlock()

	e.tree.ApplyDelta(key, oldHash^doc.ByteHash())
	e.puts.Add(1)
	e.publishMutation(hooks.NewPostPutEvent, string(key), "", ts, nil)
	return nil
}

// PatchInt writes a single int64 field in place.
func (e *Engine) PatchInt(ctx context.Context, key []byte, field string, v int64) error {
	_, span := e.tracer.Start(ctx, "engine.PatchInt")
	defer span.End()

	if e.closed {
		return core.ErrEngineClosed
	}
	if !e.IsOwner(key) {
		return core.ErrNotOwner
	}
	s := shardFor(&e.shards, key)

	s.mu.Lock()
	ts := s.alloc.Now()
	old, existed := s.docs[string(key)]
	oldHash := byteHashOrZero(existed, old)
	newDoc := old
	if !existed {
		newDoc = core.EmptyDoc()
	}
	newDoc.SetInt64(field, v)
	metaDoc := core.MetaToDoc(ts, false)

	err := e.wal.AppendBatch([]wal.RawOp{
		{Op: core.EntryPatchInt64, Key: key, Payload: wal.EncodePatchInt64Payload(field, v)},
		{Op: core.EntryPut, Key: core.MetaKey(key), Payload: metaDoc.Bytes()},
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.docs[string(key)] = newDoc
	s.docs[string(core.MetaKey(key))] = metaDoc
	s.mu.Unlock()

	e.tree.ApplyDelta(key, oldHash^newDoc.ByteHash())
	e.patches.Add(1)
	e.publishMutation(hooks.NewPostPatchEvent, string(key), field, ts, nil)
	return nil
}

// PatchStr writes a single string field in place.
func (e *Engine) PatchStr(ctx context.Context, key []byte, field, v string) error {
	_, span := e.tracer.Start(ctx, "engine.PatchStr")
	defer span.End()

	if e.closed {
		return core.ErrEngineClosed
	}
	if !e.IsOwner(key) {
		return core.ErrNotOwner
	}
	s := shardFor(&e.shards, key)

	s.mu.Lock()
	ts := s.alloc.Now()
	old, existed := s.docs[string(key)]
	oldHash := byteHashOrZero(existed, old)
	newDoc := old
	if !existed {
		newDoc = core.EmptyDoc()
	}
	newDoc.SetString(field, v)
	metaDoc := core.MetaToDoc(ts, false)

	err := e.wal.AppendBatch([]wal.RawOp{
		{Op: core.EntryPatchStr, Key: key, Payload: wal.EncodePatchStrPayload(field, v)},
		{Op: core.EntryPut, Key: core.MetaKey(key), Payload: metaDoc.Bytes()},
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.docs[string(key)] = newDoc
	s.docs[string(core.MetaKey(key))] = metaDoc
	s.mu.Unlock()

	e.tree.ApplyDelta(key, oldHash^newDoc.ByteHash())
	e.patches.Add(1)
	e.publishMutation(hooks.NewPostPatchEvent, string(key), field, ts, nil)
	return nil
}

// Del tombstones key: the buffer becomes empty, and its meta records
// tombstone=true. The key's shard entry is never removed.
func (e *Engine) Del(ctx context.Context, key []byte) error {
	_, span := e.tracer.Start(ctx, "engine.Del")
	defer span.End()

	if e.closed {
		return core.ErrEngineClosed
	}
	if !e.IsOwner(key) {
		return core.ErrNotOwner
	}
	s := shardFor(&e.shards, key)

	s.mu.Lock()
	ts := s.alloc.Now()
	old, existed := s.docs[string(key)]
	oldHash := byteHashOrZero(existed, old)
	newDoc := core.EmptyDoc()
	metaDoc := core.MetaToDoc(ts, true)

	err := e.wal.AppendBatch([]wal.RawOp{
		{Op: core.EntryDelete, Key: key, Payload: nil},
		{Op: core.EntryPut, Key: core.MetaKey(key), Payload: metaDoc.Bytes()},
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.docs[string(key)] = newDoc
	s.docs[string(core.MetaKey(key))] = metaDoc
	s.mu.Unlock()

	e.tree.ApplyDelta(key, oldHash^newDoc.ByteHash())
	e.deletes.Add(1)
	e.publishMutation(hooks.NewPostDeleteEvent, string(key), "", ts, nil)
	return nil
}

// ApplyMutation applies a remote mutation if and only if its timestamp is
// strictly greater than the local :meta timestamp for the key (LWW).
// Re-applying an already-applied (or stale) mutation is a safe no-op.
func (e *Engine) ApplyMutation(ctx context.Context, m core.Mutation) (applied bool, err error) {
	_, span := e.tracer.Start(ctx, "engine.ApplyMutation")
	defer span.End()

	if e.closed {
		return false, core.ErrEngineClosed
	}
	s := shardFor(&e.shards, m.Key)

	s.mu.Lock()
	localTs := core.Zero
	if metaDoc, ok := s.docs[string(core.MetaKey(m.Key))]; ok {
		if ts, _, ok := core.DocToMeta(metaDoc); ok {
			localTs = ts
		}
	}
	if !m.Timestamp.Greater(localTs) {
		s.mu.Unlock()
		e.rejects.Add(1)
		staleErr := &core.StaleMutationError{Key: string(m.Key), Local: localTs, Got: m.Timestamp}
		e.logger.Debug("rejecting stale mutation", "err", staleErr)
		e.publishApplyMutation(m, false, nil)
		return false, nil
	}

	old, existed := s.docs[string(m.Key)]
	oldHash := byteHashOrZero(existed, old)

	var newDoc core.Doc
	var op core.EntryType
	var payload []byte
	if m.IsDelete {
		newDoc = core.EmptyDoc()
		op = core.EntryDelete
		payload = nil
	} else {
		doc, derr := core.NewDocFromBytes(m.Value)
		if derr != nil {
			s.mu.Unlock()
			merr := &core.MalformedPayloadError{
				Context: fmt.Sprintf("ApplyMutation value for key %q", string(m.Key)),
				Reason:  derr.Error(),
			}
			e.logger.Warn("rejecting malformed mutation value", "err", merr)
			e.publishApplyMutation(m, false, merr)
			return false, merr
		}
		newDoc = doc
		op = core.EntryPut
		payload = newDoc.Bytes()
	}
	metaDoc := core.MetaToDoc(m.Timestamp, m.IsDelete)

	walErr := e.wal.AppendBatch([]wal.RawOp{
		{Op: op, Key: m.Key, Payload: payload},
		{Op: core.EntryPut, Key: core.MetaKey(m.Key), Payload: metaDoc.Bytes()},
	})
	if walErr != nil {
		s.mu.Unlock()
		e.publishApplyMutation(m, false, walErr)
		return false, walErr
	}
	s.docs[string(m.Key)] = newDoc
	s.docs[string(core.MetaKey(m.Key))] = metaDoc
	s.mu.Unlock()

	e.tree.ApplyDelta(m.Key, oldHash^newDoc.ByteHash())
	e.clock.Update(m.Timestamp)
	e.publishApplyMutation(m, true, nil)
	return true, nil
}

// RootHash forces a Merkle recompute and returns the current root.
func (e *Engine) RootHash() uint64 { return e.tree.Root() }

// Node returns a cached Merkle node without forcing a recompute.
func (e *Engine) Node(level, index int) uint64 { return e.tree.Node(level, index) }

// BucketKeys enumerates every user key (never :meta entries) whose Merkle
// bucket is bucket, along with its current byte-hash. Tombstoned entries
// are included: their empty-body hash still participates in divergence
// detection.
func (e *Engine) BucketKeys(bucket uint16) []BucketEntry {
	var out []BucketEntry
	for _, s := range e.shards {
		s.mu.RLock()
		for k, doc := range s.docs {
			if core.IsMetaKey([]byte(k)) {
				continue
			}
			if merkle.BucketOf([]byte(k)) != bucket {
				continue
			}
			out = append(out, BucketEntry{Key: []byte(k), Hash: doc.ByteHash()})
		}
		s.mu.RUnlock()
	}
	return out
}

// GetMeta returns the raw :meta document for key, and whether it exists.
func (e *Engine) GetMeta(key []byte) (core.Doc, bool) {
	s := shardFor(&e.shards, key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[string(core.MetaKey(key))]
	return doc, ok
}

// IsOwner reports whether this node owns key according to the configured
// ring. Without a ring, every node owns every key.
func (e *Engine) IsOwner(key []byte) bool {
	if e.ring == nil {
		return true
	}
	return e.ring.IsOwner(key)
}

// NodeID returns the node id this engine runs on.
func (e *Engine) NodeID() uint32 { return e.node }

// Clock exposes the engine's hybrid logical clock, primarily so the sync
// manager can causally update it on receipt of remote timestamps outside
// of ApplyMutation (e.g. when only comparing roots).
func (e *Engine) Clock() *hlc.Clock { return e.clock }

// Flush forces buffered WAL writes to disk. Called during graceful
// shutdown; the hot path never calls this.
func (e *Engine) Flush() error { return e.wal.Flush() }

// Close flushes and releases the WAL, firing lifecycle hooks around it.
// Mutation methods return ErrEngineClosed once this has run.
func (e *Engine) Close() error {
	ctx := context.Background()
	e.hooks.Trigger(ctx, hooks.NewPreCloseEngineEvent())
	e.closed = true
	err := e.wal.Close()
	e.hooks.Trigger(ctx, hooks.NewPostCloseEngineEvent())
	e.hooks.Stop()
	return err
}

func (e *Engine) publishMutation(newEvent func(hooks.MutationPayload) hooks.HookEvent, key, field string, ts core.Timestamp, err error) {
	e.hooks.Trigger(context.Background(), newEvent(hooks.MutationPayload{
		Key: key, Field: field, Timestamp: ts, Error: err,
	}))
}

func (e *Engine) publishApplyMutation(m core.Mutation, applied bool, err error) {
	e.hooks.Trigger(context.Background(), hooks.NewPostApplyMutationEvent(hooks.ApplyMutationPayload{
		Key: string(m.Key), Timestamp: m.Timestamp, Applied: applied, Error: err,
	}))
}
