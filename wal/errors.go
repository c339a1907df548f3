package wal

import "errors"

// errTruncated marks a record that ended mid-field (a partial header or a
// declared length running past EOF): recovery stops cleanly here without
// treating it as corruption.
var errTruncated = errors.New("wal: truncated record")

// errCorrupt marks a record whose CRC did not verify.
var errCorrupt = errors.New("wal: corrupt record")

// ErrDoubleOpen is returned by Open when the segment directory is already
// locked by another WAL instance in this process or another process.
var ErrDoubleOpen = errors.New("wal: already open")

// ErrClosed is returned by Append/AppendBatch once the WAL has been closed.
// Flush on a closed WAL returns nil.
var ErrClosed = errors.New("wal: closed")
