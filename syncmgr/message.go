package syncmgr

import (
	"encoding/binary"
	"fmt"
)

// MsgType is the first byte of every sync wire message.
type MsgType byte

const (
	MsgSyncInit      MsgType = 0x01
	MsgSyncReqNode   MsgType = 0x02
	MsgSyncRepNode   MsgType = 0x03
	MsgSyncReqBucket MsgType = 0x04
	MsgSyncRepBucket MsgType = 0x05
	MsgSyncGetVal    MsgType = 0x06
	MsgSyncPutVal    MsgType = 0x07
)

// headerLen is the type byte plus the sender node id.
const headerLen = 5

func putHeader(buf []byte, typ MsgType, sender uint32) {
	buf[0] = byte(typ)
	binary.LittleEndian.PutUint32(buf[1:5], sender)
}

func readHeader(b []byte) (typ MsgType, sender uint32, ok bool) {
	if len(b) < headerLen {
		return 0, 0, false
	}
	return MsgType(b[0]), binary.LittleEndian.Uint32(b[1:5]), true
}

// syncInit carries the sender's current Merkle root.
type syncInit struct {
	Root uint64
}

func encodeSyncInit(sender uint32, m syncInit) []byte {
	buf := make([]byte, headerLen+8)
	putHeader(buf, MsgSyncInit, sender)
	binary.LittleEndian.PutUint64(buf[headerLen:], m.Root)
	return buf
}

func decodeSyncInit(body []byte) (syncInit, error) {
	if len(body) < 8 {
		return syncInit{}, fmt.Errorf("syncmgr: SYNC_INIT payload too short")
	}
	return syncInit{Root: binary.LittleEndian.Uint64(body)}, nil
}

// syncReqNode asks the peer for the 16 children of the node at
// (level-1, parentIdx), i.e. the 16 siblings living at level.
type syncReqNode struct {
	Level     uint8
	ParentIdx uint32
}

func encodeSyncReqNode(sender uint32, m syncReqNode) []byte {
	buf := make([]byte, headerLen+5)
	putHeader(buf, MsgSyncReqNode, sender)
	buf[headerLen] = m.Level
	binary.LittleEndian.PutUint32(buf[headerLen+1:], m.ParentIdx)
	return buf
}

func decodeSyncReqNode(body []byte) (syncReqNode, error) {
	if len(body) < 5 {
		return syncReqNode{}, fmt.Errorf("syncmgr: SYNC_REQ_NODE payload too short")
	}
	return syncReqNode{Level: body[0], ParentIdx: binary.LittleEndian.Uint32(body[1:5])}, nil
}

// syncRepNode carries the 16 child hashes at Level under ParentIdx.
type syncRepNode struct {
	Level     uint8
	ParentIdx uint32
	Children  [16]uint64
}

func encodeSyncRepNode(sender uint32, m syncRepNode) []byte {
	buf := make([]byte, headerLen+5+16*8)
	putHeader(buf, MsgSyncRepNode, sender)
	buf[headerLen] = m.Level
	binary.LittleEndian.PutUint32(buf[headerLen+1:], m.ParentIdx)
	off := headerLen + 5
	for i, c := range m.Children {
		binary.LittleEndian.PutUint64(buf[off+i*8:], c)
	}
	return buf
}

func decodeSyncRepNode(body []byte) (syncRepNode, error) {
	if len(body) < 5+16*8 {
		return syncRepNode{}, fmt.Errorf("syncmgr: SYNC_REP_NODE payload too short")
	}
	m := syncRepNode{Level: body[0], ParentIdx: binary.LittleEndian.Uint32(body[1:5])}
	off := 5
	for i := range m.Children {
		m.Children[i] = binary.LittleEndian.Uint64(body[off+i*8:])
	}
	return m, nil
}

type syncReqBucket struct {
	Bucket uint32
}

func encodeSyncReqBucket(sender uint32, m syncReqBucket) []byte {
	buf := make([]byte, headerLen+4)
	putHeader(buf, MsgSyncReqBucket, sender)
	binary.LittleEndian.PutUint32(buf[headerLen:], m.Bucket)
	return buf
}

func decodeSyncReqBucket(body []byte) (syncReqBucket, error) {
	if len(body) < 4 {
		return syncReqBucket{}, fmt.Errorf("syncmgr: SYNC_REQ_BUCKET payload too short")
	}
	return syncReqBucket{Bucket: binary.LittleEndian.Uint32(body)}, nil
}

type bucketKeyHash struct {
	Key  []byte
	Hash uint64
}

type syncRepBucket struct {
	Bucket uint32
	Keys   []bucketKeyHash
}

func encodeSyncRepBucket(sender uint32, m syncRepBucket) []byte {
	size := headerLen + 4 + 4
	for _, k := range m.Keys {
		size += 2 + len(k.Key) + 8
	}
	buf := make([]byte, size)
	putHeader(buf, MsgSyncRepBucket, sender)
	off := headerLen
	binary.LittleEndian.PutUint32(buf[off:], m.Bucket)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.Keys)))
	off += 4
	for _, k := range m.Keys {
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(k.Key)))
		off += 2
		copy(buf[off:], k.Key)
		off += len(k.Key)
		binary.LittleEndian.PutUint64(buf[off:], k.Hash)
		off += 8
	}
	return buf
}

func decodeSyncRepBucket(body []byte) (syncRepBucket, error) {
	if len(body) < 8 {
		return syncRepBucket{}, fmt.Errorf("syncmgr: SYNC_REP_BUCKET payload too short")
	}
	m := syncRepBucket{Bucket: binary.LittleEndian.Uint32(body)}
	count := binary.LittleEndian.Uint32(body[4:8])
	off := 8
	for i := uint32(0); i < count; i++ {
		if off+2 > len(body) {
			return syncRepBucket{}, fmt.Errorf("syncmgr: SYNC_REP_BUCKET truncated key length")
		}
		klen := int(binary.LittleEndian.Uint16(body[off:]))
		off += 2
		if off+klen+8 > len(body) {
			return syncRepBucket{}, fmt.Errorf("syncmgr: SYNC_REP_BUCKET truncated key/hash")
		}
		key := append([]byte(nil), body[off:off+klen]...)
		off += klen
		hash := binary.LittleEndian.Uint64(body[off:])
		off += 8
		m.Keys = append(m.Keys, bucketKeyHash{Key: key, Hash: hash})
	}
	return m, nil
}

type syncGetVal struct {
	Key []byte
}

func encodeSyncGetVal(sender uint32, m syncGetVal) []byte {
	buf := make([]byte, headerLen+len(m.Key))
	putHeader(buf, MsgSyncGetVal, sender)
	copy(buf[headerLen:], m.Key)
	return buf
}

func decodeSyncGetVal(body []byte) (syncGetVal, error) {
	return syncGetVal{Key: append([]byte(nil), body...)}, nil
}

type syncPutVal struct {
	Key   []byte
	Meta  []byte
	Value []byte
}

func encodeSyncPutVal(sender uint32, m syncPutVal) []byte {
	size := headerLen + 2 + len(m.Key) + 2 + len(m.Meta) + len(m.Value)
	buf := make([]byte, size)
	putHeader(buf, MsgSyncPutVal, sender)
	off := headerLen
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(m.Key)))
	off += 2
	copy(buf[off:], m.Key)
	off += len(m.Key)
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(m.Meta)))
	off += 2
	copy(buf[off:], m.Meta)
	off += len(m.Meta)
	copy(buf[off:], m.Value)
	return buf
}

func decodeSyncPutVal(body []byte) (syncPutVal, error) {
	if len(body) < 2 {
		return syncPutVal{}, fmt.Errorf("syncmgr: SYNC_PUT_VAL payload too short")
	}
	klen := int(binary.LittleEndian.Uint16(body))
	off := 2
	if off+klen+2 > len(body) {
		return syncPutVal{}, fmt.Errorf("syncmgr: SYNC_PUT_VAL truncated key")
	}
	key := append([]byte(nil), body[off:off+klen]...)
	off += klen
	mlen := int(binary.LittleEndian.Uint16(body[off:]))
	off += 2
	if off+mlen > len(body) {
		return syncPutVal{}, fmt.Errorf("syncmgr: SYNC_PUT_VAL truncated meta")
	}
	meta := append([]byte(nil), body[off:off+mlen]...)
	off += mlen
	value := append([]byte(nil), body[off:]...)
	return syncPutVal{Key: key, Meta: meta, Value: value}, nil
}
