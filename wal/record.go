package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/l3kv/l3kv/core"
)

// headerLen is the fixed-size prefix of every record, before the variable
// length key and payload: crc(4) + op(1) + key_len(2) + payload_len(4).
const headerLen = 4 + 1 + 2 + 4

// encodeRecord serialises a single WAL record: [crc32:4][op:1][key_len:2]
// [payload_len:4][key][payload], little-endian, with the CRC computed over
// everything after the CRC field (op‖key_len‖payload_len‖key‖payload) using
// the reflected CRC-32 (polynomial 0xEDB88320) that crc32.ChecksumIEEE
// implements.
func encodeRecord(op core.EntryType, key, payload []byte) ([]byte, error) {
	if len(key) > 0xFFFF {
		return nil, fmt.Errorf("wal: key too long (%d bytes)", len(key))
	}
	buf := make([]byte, headerLen+len(key)+len(payload))
	buf[4] = byte(op)
	binary.LittleEndian.PutUint16(buf[5:7], uint16(len(key)))
	binary.LittleEndian.PutUint32(buf[7:11], uint32(len(payload)))
	copy(buf[headerLen:], key)
	copy(buf[headerLen+len(key):], payload)

	crc := crc32.ChecksumIEEE(buf[4:])
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	return buf, nil
}

// encodeBatch packs a set of mutations as a single BATCH payload:
// [count:4]{[op:1][klen:2][key][vlen:4][val]}×count.
func encodeBatch(ops []batchOp) []byte {
	size := 4
	for _, o := range ops {
		size += 1 + 2 + len(o.key) + 4 + len(o.val)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(ops)))
	off := 4
	for _, o := range ops {
		buf[off] = byte(o.op)
		off++
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(o.key)))
		off += 2
		off += copy(buf[off:], o.key)
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(o.val)))
		off += 4
		off += copy(buf[off:], o.val)
	}
	return buf
}

// batchOp is one inner operation of a BATCH record.
type batchOp struct {
	op  core.EntryType
	key []byte
	val []byte
}

// decodeBatch unpacks a BATCH payload into its inner operations. It only
// returns success once every declared operation has been fully decoded, so
// that callers never observe a partially-decoded batch (spec's atomic
// replay requirement: all-or-nothing per batch).
func decodeBatch(payload []byte) ([]batchOp, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("wal: batch payload too short for count")
	}
	count := binary.LittleEndian.Uint32(payload[0:4])
	off := 4
	ops := make([]batchOp, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+1+2 > len(payload) {
			return nil, fmt.Errorf("wal: truncated batch entry %d", i)
		}
		op := core.EntryType(payload[off])
		off++
		klen := int(binary.LittleEndian.Uint16(payload[off : off+2]))
		off += 2
		if off+klen+4 > len(payload) {
			return nil, fmt.Errorf("wal: truncated batch key/vlen at entry %d", i)
		}
		key := payload[off : off+klen]
		off += klen
		vlen := int(binary.LittleEndian.Uint32(payload[off : off+4]))
		off += 4
		if off+vlen > len(payload) {
			return nil, fmt.Errorf("wal: truncated batch value at entry %d", i)
		}
		val := payload[off : off+vlen]
		off += vlen
		ops = append(ops, batchOp{op: op, key: key, val: val})
	}
	return ops, nil
}

// readRecord reads one framed record from r. It returns io.EOF only when
// zero bytes of a fresh header were read (a clean end of segment); any
// other short read is reported as errTruncated so the caller can stop
// recovery at exactly this point without treating it as corruption.
func readRecord(r io.Reader) (op core.EntryType, key, payload []byte, err error) {
	var hdr [headerLen]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return 0, nil, nil, io.EOF
		}
		return 0, nil, nil, errTruncated
	}

	crc := binary.LittleEndian.Uint32(hdr[0:4])
	op = core.EntryType(hdr[4])
	klen := binary.LittleEndian.Uint16(hdr[5:7])
	plen := binary.LittleEndian.Uint32(hdr[7:11])

	body := make([]byte, int(klen)+int(plen))
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, nil, errTruncated
	}
	key = body[:klen]
	payload = body[klen:]

	got := crc32.ChecksumIEEE(append(hdr[4:headerLen:headerLen], body...))
	if got != crc {
		return 0, nil, nil, errCorrupt
	}
	return op, key, payload, nil
}
