package engine

import (
	"context"
	"testing"

	"github.com/l3kv/l3kv/core"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(dir, 1)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_PutThenGet(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Put(context.Background(), []byte("user:1"), []byte(`{"name":"ada","age":19}`)))

	doc := e.Get([]byte("user:1"))
	require.False(t, doc.IsEmpty())
	name, ok := doc.Get("name")
	require.True(t, ok)
	s, _ := name.String()
	require.Equal(t, "ada", s)

	meta, ok := e.GetMeta([]byte("user:1"))
	require.True(t, ok)
	ts, tombstone, ok := core.DocToMeta(meta)
	require.True(t, ok)
	require.False(t, tombstone)
	require.NotEqual(t, core.Zero, ts)
}

func TestEngine_PatchIntUpdatesField(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Put(context.Background(), []byte("user:1"), []byte(`{"name":"ada","age":19}`)))
	firstMeta, _ := e.GetMeta([]byte("user:1"))
	firstTs, _, _ := core.DocToMeta(firstMeta)

	require.NoError(t, e.PatchInt(context.Background(), []byte("user:1"), "age", 21))
	doc := e.Get([]byte("user:1"))
	age, ok := doc.Get("age")
	require.True(t, ok)
	v, _ := age.Int64()
	require.EqualValues(t, 21, v)

	meta, _ := e.GetMeta([]byte("user:1"))
	secondTs, _, _ := core.DocToMeta(meta)
	require.True(t, secondTs.Greater(firstTs))
}

func TestEngine_DelTombstonesKey(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Put(context.Background(), []byte("k"), []byte(`{"a":1}`)))
	require.NoError(t, e.Del(context.Background(), []byte("k")))

	doc := e.Get([]byte("k"))
	require.True(t, doc.IsEmpty())

	meta, ok := e.GetMeta([]byte("k"))
	require.True(t, ok)
	_, tombstone, _ := core.DocToMeta(meta)
	require.True(t, tombstone)
}

func TestEngine_ApplyMutationRejectsStale(t *testing.T) {
	e := openTestEngine(t)

	winnerValue := core.NewObjectDoc(map[string]core.FieldValue{"v": core.NewStringField("A")}).Bytes()
	winner := core.Mutation{Key: []byte("k"), Value: winnerValue, Timestamp: core.Timestamp{Wall: 100, Node: 1}}
	applied, err := e.ApplyMutation(context.Background(), winner)
	require.NoError(t, err)
	require.True(t, applied)

	staleValue := core.NewObjectDoc(map[string]core.FieldValue{"v": core.NewStringField("STALE")}).Bytes()
	stale := core.Mutation{Key: []byte("k"), Value: staleValue, Timestamp: core.Timestamp{Wall: 90, Node: 2}}
	applied, err = e.ApplyMutation(context.Background(), stale)
	require.NoError(t, err)
	require.False(t, applied)

	doc := e.Get([]byte("k"))
	v, _ := doc.Get("v")
	s, _ := v.String()
	require.Equal(t, "A", s)
}

func TestEngine_ApplyMutationIsIdempotent(t *testing.T) {
	e := openTestEngine(t)
	m := core.Mutation{Key: []byte("k"), Value: []byte(`{"v":"A"}`), Timestamp: core.Timestamp{Wall: 100, Node: 1}}

	applied, err := e.ApplyMutation(context.Background(), m)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = e.ApplyMutation(context.Background(), m)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestEngine_RootHashChangesOnMutation(t *testing.T) {
	e := openTestEngine(t)
	before := e.RootHash()
	require.NoError(t, e.Put(context.Background(), []byte("k"), []byte(`{"a":1}`)))
	after := e.RootHash()
	require.NotEqual(t, before, after)
}

func TestEngine_BucketKeysExcludesMeta(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Put(context.Background(), []byte("user:1"), []byte(`{"a":1}`)))

	bucket := core.BucketOf([]byte("user:1"))
	entries := e.BucketKeys(bucket)
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		require.False(t, core.IsMetaKey(entry.Key))
	}
}

func TestEngine_MutationsFailAfterClose(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, 1)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	require.ErrorIs(t, e.Put(context.Background(), []byte("k"), []byte(`{}`)), core.ErrEngineClosed)
	require.ErrorIs(t, e.PatchInt(context.Background(), []byte("k"), "f", 1), core.ErrEngineClosed)
	require.ErrorIs(t, e.Del(context.Background(), []byte("k")), core.ErrEngineClosed)
	_, err = e.ApplyMutation(context.Background(), core.Mutation{Key: []byte("k")})
	require.ErrorIs(t, err, core.ErrEngineClosed)
}

func TestEngine_DoubleOpenFailsWithWALDoubleOpenError(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, 1)
	require.NoError(t, err)
	defer e.Close()

	_, err = Open(dir, 1)
	require.ErrorIs(t, err, core.ErrWALDoubleOpen)
}

func TestEngine_RecoversAfterRestart(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, 1)
	require.NoError(t, err)
	require.NoError(t, e.Put(context.Background(), []byte("user:1"), []byte(`{"name":"ada"}`)))
	require.NoError(t, e.PatchInt(context.Background(), []byte("user:1"), "age", 21))
	rootBefore := e.RootHash()
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())

	e2, err := Open(dir, 1)
	require.NoError(t, err)
	defer e2.Close()

	doc := e2.Get([]byte("user:1"))
	name, _ := doc.Get("name")
	s, _ := name.String()
	require.Equal(t, "ada", s)
	age, _ := doc.Get("age")
	v, _ := age.Int64()
	require.EqualValues(t, 21, v)
	require.Equal(t, rootBefore, e2.RootHash())
}
