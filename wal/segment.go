package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/l3kv/l3kv/core"
	"github.com/l3kv/l3kv/sys"
)

// MaxSegmentSize is the size at which the active segment is rotated to a
// fresh file. Rotation is purely an on-disk layout detail: the WAL as a
// whole is still one logical, append-only, monotonically growing log.
const MaxSegmentSize = 128 * 1024 * 1024

// segment is a single WAL segment file: a fixed header followed by a
// stream of framed records.
type segment struct {
	file  sys.FileHandle
	path  string
	index uint64
}

// createSegment creates a new, empty segment file with a fresh header.
func createSegment(dir string, index uint64) (*segment, error) {
	path := filepath.Join(dir, core.FormatSegmentFileName(index))
	f, err := sys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: create segment %s: %w", path, err)
	}
	hdr := core.NewFileHeader()
	if err := binary.Write(f, binary.LittleEndian, hdr.Magic); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: write segment header %s: %w", path, err)
	}
	if err := binary.Write(f, binary.LittleEndian, hdr.Version); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: write segment header %s: %w", path, err)
	}
	return &segment{file: f, path: path, index: index}, nil
}

// openSegmentForAppend reopens an existing segment for appending more
// records after its current end, used when resuming a WAL that already has
// segments on disk.
func openSegmentForAppend(dir string, index uint64) (*segment, error) {
	path := filepath.Join(dir, core.FormatSegmentFileName(index))
	f, err := sys.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: reopen segment %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: seek segment %s: %w", path, err)
	}
	return &segment{file: f, path: path, index: index}, nil
}

// openSegmentForRead opens a segment for sequential recovery reads and
// validates its header magic.
func openSegmentForRead(dir string, index uint64) (*segment, *bufio.Reader, error) {
	path := filepath.Join(dir, core.FormatSegmentFileName(index))
	f, err := sys.OpenFile(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	r := bufio.NewReader(f)
	var magic uint32
	var version uint8
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("wal: read header %s: %w", path, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("wal: read header %s: %w", path, err)
	}
	if magic != core.WALMagic {
		f.Close()
		return nil, nil, fmt.Errorf("wal: bad magic in %s: got %x want %x", path, magic, core.WALMagic)
	}
	return &segment{file: f, path: path, index: index}, r, nil
}

func (s *segment) size() (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *segment) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
