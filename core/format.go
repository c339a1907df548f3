package core

import (
	"fmt"
	"strconv"
	"strings"
)

// WALMagic identifies an L3KV WAL segment file.
const WALMagic uint32 = 0x4C334B56 // "L3KV"

// FormatVersion is the on-disk format version for WAL segment headers.
const FormatVersion uint8 = 1

// WALFileSuffix is the suffix for WAL segment files.
const WALFileSuffix = ".wal"

// FileHeader is written at the start of every WAL segment file.
type FileHeader struct {
	Magic   uint32
	Version uint8
}

// NewFileHeader constructs the standard header for a fresh segment file.
func NewFileHeader() FileHeader {
	return FileHeader{Magic: WALMagic, Version: FormatVersion}
}

// FormatSegmentFileName creates a segment file name from its index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, WALFileSuffix)
}

// ParseSegmentFileName extracts the index from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, WALFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL segment file", name)
	}
	name = strings.TrimSuffix(name, WALFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}
