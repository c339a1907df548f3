package syncmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSyncInit_RoundTrips(t *testing.T) {
	buf := encodeSyncInit(7, syncInit{Root: 0xdeadbeef})
	typ, sender, ok := readHeader(buf)
	require.True(t, ok)
	require.Equal(t, MsgSyncInit, typ)
	require.EqualValues(t, 7, sender)

	decoded, err := decodeSyncInit(buf[headerLen:])
	require.NoError(t, err)
	require.EqualValues(t, 0xdeadbeef, decoded.Root)
}

func TestSyncReqNode_RoundTrips(t *testing.T) {
	buf := encodeSyncReqNode(1, syncReqNode{Level: 3, ParentIdx: 42})
	_, _, ok := readHeader(buf)
	require.True(t, ok)
	decoded, err := decodeSyncReqNode(buf[headerLen:])
	require.NoError(t, err)
	require.EqualValues(t, 3, decoded.Level)
	require.EqualValues(t, 42, decoded.ParentIdx)
}

func TestSyncRepNode_RoundTrips(t *testing.T) {
	var children [16]uint64
	for i := range children {
		children[i] = uint64(i) * 7
	}
	buf := encodeSyncRepNode(1, syncRepNode{Level: 2, ParentIdx: 5, Children: children})
	decoded, err := decodeSyncRepNode(buf[headerLen:])
	require.NoError(t, err)
	require.EqualValues(t, 2, decoded.Level)
	require.EqualValues(t, 5, decoded.ParentIdx)
	require.Equal(t, children, decoded.Children)
}

func TestSyncReqBucket_RoundTrips(t *testing.T) {
	buf := encodeSyncReqBucket(1, syncReqBucket{Bucket: 65000})
	decoded, err := decodeSyncReqBucket(buf[headerLen:])
	require.NoError(t, err)
	require.EqualValues(t, 65000, decoded.Bucket)
}

func TestSyncRepBucket_RoundTrips(t *testing.T) {
	m := syncRepBucket{
		Bucket: 3,
		Keys: []bucketKeyHash{
			{Key: []byte("user:1"), Hash: 111},
			{Key: []byte("user:2:meta"), Hash: 222},
		},
	}
	buf := encodeSyncRepBucket(1, m)
	decoded, err := decodeSyncRepBucket(buf[headerLen:])
	require.NoError(t, err)
	require.EqualValues(t, 3, decoded.Bucket)
	require.Len(t, decoded.Keys, 2)
	require.Equal(t, []byte("user:1"), decoded.Keys[0].Key)
	require.EqualValues(t, 111, decoded.Keys[0].Hash)
	require.Equal(t, []byte("user:2:meta"), decoded.Keys[1].Key)
	require.EqualValues(t, 222, decoded.Keys[1].Hash)
}

func TestSyncRepBucket_TruncatedPayloadErrors(t *testing.T) {
	m := syncRepBucket{Keys: []bucketKeyHash{{Key: []byte("k"), Hash: 1}}}
	buf := encodeSyncRepBucket(1, m)
	_, err := decodeSyncRepBucket(buf[headerLen : len(buf)-3])
	require.Error(t, err)
}

func TestSyncGetVal_RoundTrips(t *testing.T) {
	buf := encodeSyncGetVal(1, syncGetVal{Key: []byte("user:1")})
	decoded, err := decodeSyncGetVal(buf[headerLen:])
	require.NoError(t, err)
	require.Equal(t, []byte("user:1"), decoded.Key)
}

func TestSyncPutVal_RoundTrips(t *testing.T) {
	buf := encodeSyncPutVal(1, syncPutVal{
		Key:   []byte("user:1"),
		Meta:  []byte(`{"ts":1,"l":0,"n":1}`),
		Value: []byte(`{"a":1}`),
	})
	decoded, err := decodeSyncPutVal(buf[headerLen:])
	require.NoError(t, err)
	require.Equal(t, []byte("user:1"), decoded.Key)
	require.Equal(t, []byte(`{"ts":1,"l":0,"n":1}`), decoded.Meta)
	require.Equal(t, []byte(`{"a":1}`), decoded.Value)
}
