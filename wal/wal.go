// Package wal implements the engine's write-ahead log: a single logical,
// append-only, CRC-framed binary log (physically split into rotating
// segment files) with crash recovery via callback and atomic multi-record
// batches.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/l3kv/l3kv/core"
	"github.com/l3kv/l3kv/sys"
)

// RecoveryFunc is invoked once per successfully verified record during
// Recover, in log order. It is never called for a record that failed its
// CRC or was truncated, and for a BATCH record it is called once per inner
// op only after the entire batch decoded successfully.
type RecoveryFunc func(op core.EntryType, key, payload []byte) error

// Option configures a WAL at Open time.
type Option func(*WAL)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *WAL) { w.logger = logger }
}

// WithFlushInterval overrides how often the background flusher writes
// buffered records out to the segment file (without an fsync). The hot
// path itself never blocks on this.
func WithFlushInterval(d time.Duration) Option {
	return func(w *WAL) { w.flushInterval = d }
}

// WithMaxSegmentSize overrides the segment rotation threshold.
func WithMaxSegmentSize(n int64) Option {
	return func(w *WAL) { w.maxSegmentSize = n }
}

// WAL is one node's write-ahead log directory: an ordered sequence of
// segment files, one of which is open for appending.
type WAL struct {
	// mu is the WAL mutex: it serialises writer-side ring appends, matching
	// the lock ordering the engine documents for its hot path.
	mu sync.Mutex

	dir            string
	release        func() error
	active         *segment
	writer         *bufio.Writer
	nextIndex      uint64
	maxSegmentSize int64

	logger        *slog.Logger
	flushInterval time.Duration
	stopFlusher   chan struct{}
	flusherDone   chan struct{}

	closed bool
}

// Open opens (creating if necessary) a WAL rooted at dir. Opening the same
// directory twice, from this process or another, fails with ErrDoubleOpen:
// the WAL file is owned exclusively by one Engine instance.
func Open(dir string, opts ...Option) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w", dir, err)
	}

	release, err := lockFile(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDoubleOpen, err)
	}

	w := &WAL{
		dir:            dir,
		release:        release,
		maxSegmentSize: MaxSegmentSize,
		logger:         slog.Default().With("component", "wal"),
		flushInterval:  50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}

	indices, err := existingSegments(dir)
	if err != nil {
		release()
		return nil, err
	}

	var seg *segment
	if len(indices) == 0 {
		seg, err = createSegment(dir, 0)
		w.nextIndex = 1
	} else {
		last := indices[len(indices)-1]
		seg, err = openSegmentForAppend(dir, last)
		w.nextIndex = last + 1
	}
	if err != nil {
		release()
		return nil, err
	}

	w.active = seg
	w.writer = bufio.NewWriter(seg.file)
	w.stopFlusher = make(chan struct{})
	w.flusherDone = make(chan struct{})
	go w.flushLoop()
	return w, nil
}

func lockFile(dir string) (func() error, error) {
	return sys.AcquireFileLock(filepath.Join(dir, "wal"), 0, 0, 0)
}

func existingSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read dir %s: %w", dir, err)
	}
	var indices []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, err := core.ParseSegmentFileName(e.Name())
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices, nil
}

func (w *WAL) flushLoop() {
	defer close(w.flusherDone)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed && w.writer != nil {
				w.writer.Flush()
			}
			w.mu.Unlock()
		case <-w.stopFlusher:
			return
		}
	}
}

// Append writes a single record and returns once it is durable in the
// buffered writer (not necessarily fsynced: the hot path never blocks on
// fsync, per the flush policy documented on Flush).
func (w *WAL) Append(op core.EntryType, key, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(op, key, payload)
}

// RawOp is one inner operation of an AppendBatch call.
type RawOp struct {
	Op      core.EntryType
	Key     []byte
	Payload []byte
}

// AppendBatch writes several operations as one BATCH record: either all of
// them are recoverable together after a crash, or none are. The engine
// uses this for its {user key, sibling :meta key} write pairs so that a
// crash can never leave one written without the other.
func (w *WAL) AppendBatch(ops []RawOp) error {
	if len(ops) == 0 {
		return nil
	}
	inner := make([]batchOp, 0, len(ops))
	for _, o := range ops {
		inner = append(inner, batchOp{op: o.Op, key: o.Key, val: o.Payload})
	}
	payload := encodeBatch(inner)

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendLocked(core.EntryBatch, nil, payload)
}

func (w *WAL) appendLocked(op core.EntryType, key, payload []byte) error {
	if w.closed {
		return ErrClosed
	}
	rec, err := encodeRecord(op, key, payload)
	if err != nil {
		return err
	}
	if err := w.maybeRotateLocked(int64(len(rec))); err != nil {
		return err
	}
	if _, err := w.writer.Write(rec); err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	return nil
}

func (w *WAL) maybeRotateLocked(nextRecordSize int64) error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush before rotation check: %w", err)
	}
	size, err := w.active.size()
	if err != nil {
		return fmt.Errorf("wal: stat active segment: %w", err)
	}
	if size+nextRecordSize <= w.maxSegmentSize {
		return nil
	}
	if err := w.active.file.Sync(); err != nil {
		w.logger.Warn("wal: sync before rotation failed", "err", err)
	}
	if err := w.active.close(); err != nil {
		return fmt.Errorf("wal: close segment before rotation: %w", err)
	}
	seg, err := createSegment(w.dir, w.nextIndex)
	if err != nil {
		return fmt.Errorf("wal: create rotated segment: %w", err)
	}
	w.nextIndex++
	w.active = seg
	w.writer = bufio.NewWriter(seg.file)
	return nil
}

// Flush forces buffered records to disk (fsync). It is called on graceful
// shutdown and guarantees that every Append which has already returned is
// durable when Flush returns.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}
	return w.active.file.Sync()
}

// Close flushes, stops the background flusher, releases the segment file
// and the directory lock.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	flushErr := w.writer.Flush()
	syncErr := w.active.file.Sync()
	closeErr := w.active.close()
	w.mu.Unlock()

	close(w.stopFlusher)
	<-w.flusherDone

	relErr := w.release()

	return errors.Join(flushErr, syncErr, closeErr, relErr)
}

// Recover replays every segment in order, invoking fn for each verified
// record. It stops at the first truncated or corrupt record it encounters
// (which, on an append-only log, can only legitimately occur at the very
// end of the last segment) rather than treating it as fatal — and, because
// the segments together form one logical log, a stop partway through
// segment N means every record in segment N+1 onward is also skipped, not
// just the remainder of segment N.
func Recover(dir string, fn RecoveryFunc) error {
	indices, err := existingSegments(dir)
	if err != nil {
		return err
	}
	logger := slog.Default().With("component", "wal")
	for _, idx := range indices {
		stopped, err := recoverSegment(dir, idx, fn, logger)
		if err != nil {
			return err
		}
		if stopped {
			logger.Warn("wal: stopping recovery, later segments skipped", "segment", idx)
			break
		}
	}
	return nil
}

// recoverSegment replays one segment file. stopped reports whether
// recovery hit truncation, corruption, or a malformed batch in this
// segment; the caller must not recover any segment after this one when
// stopped is true, since the logical log is considered to end here.
func recoverSegment(dir string, idx uint64, fn RecoveryFunc, logger *slog.Logger) (stopped bool, err error) {
	seg, r, err := openSegmentForRead(dir, idx)
	if err != nil {
		return false, err
	}
	defer seg.close()

	var offset int64 = 5 // magic(4) + version(1), written by createSegment
	for {
		op, key, payload, rerr := readRecord(r)
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return false, nil
			}
			if errors.Is(rerr, errTruncated) {
				logger.Warn("wal: truncated record, stopping recovery", "segment", idx, "offset", offset)
				return true, nil
			}
			if errors.Is(rerr, errCorrupt) {
				cerr := &core.CorruptionError{Offset: offset, Reason: "CRC mismatch"}
				logger.Warn("wal: corrupt record, stopping recovery", "segment", idx, "err", cerr)
				return true, nil
			}
			return false, rerr
		}
		recLen := int64(headerLen + len(key) + len(payload))
		if op == core.EntryBatch {
			ops, derr := decodeBatch(payload)
			if derr != nil {
				merr := &core.MalformedPayloadError{
					Context: fmt.Sprintf("wal batch record (segment %d, offset %d)", idx, offset),
					Reason:  derr.Error(),
				}
				logger.Warn("wal: malformed batch, stopping recovery", "segment", idx, "err", merr)
				return true, nil
			}
			for _, inner := range ops {
				if cerr := fn(inner.op, inner.key, inner.val); cerr != nil {
					return false, cerr
				}
			}
			offset += recLen
			continue
		}
		if cerr := fn(op, key, payload); cerr != nil {
			return false, cerr
		}
		offset += recLen
	}
}

// EncodePatchInt64Payload builds a PATCH_I64 payload in the
// "field:decimal-i64" convention the engine and recovery path both use.
func EncodePatchInt64Payload(field string, v int64) []byte {
	return []byte(fmt.Sprintf("%s:%d", field, v))
}

// EncodePatchStrPayload builds a PATCH_STR payload in the "field:value"
// convention.
func EncodePatchStrPayload(field, v string) []byte {
	return []byte(fmt.Sprintf("%s:%s", field, v))
}
