package core

import (
	"errors"
	"fmt"
)

// ErrEngineClosed is returned by mutation operations after Close has run.
var ErrEngineClosed = errors.New("l3kv: engine is closed")

// ErrNotOwner is returned by write operations when a consistent-hash ring
// is configured and the local node does not own the key.
var ErrNotOwner = errors.New("l3kv: local node is not the owner of this key")

// ErrWALDoubleOpen is a fatal startup error: the same WAL directory is
// already held open by another process or engine instance.
var ErrWALDoubleOpen = errors.New("l3kv: WAL directory is already locked by another instance")

// CorruptionError describes a WAL record that failed CRC verification or
// was truncated mid-field during recovery. Recovery treats it as "stop
// here", never as fatal.
type CorruptionError struct {
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("wal: corrupt record at offset %d: %s", e.Offset, e.Reason)
}

// IsCorruptionError reports whether err (or any error it wraps) is a CorruptionError.
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// StaleMutationError describes an apply_mutation whose timestamp does not
// strictly exceed the local one. The engine only logs it at debug level:
// ApplyMutation reports such a mutation as not applied (false, nil) and
// does not return this error.
type StaleMutationError struct {
	Key   string
	Local Timestamp
	Got   Timestamp
}

func (e *StaleMutationError) Error() string {
	return fmt.Sprintf("mutation for %q at %s is not newer than local %s", e.Key, e.Got, e.Local)
}

// IsStaleMutationError reports whether err is a StaleMutationError.
func IsStaleMutationError(err error) bool {
	var se *StaleMutationError
	return errors.As(err, &se)
}

// MalformedPayloadError describes a WAL patch payload or sync message body
// that could not be decoded. The offending record is skipped, not fatal.
type MalformedPayloadError struct {
	Context string
	Reason  string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload in %s: %s", e.Context, e.Reason)
}

// UnsupportedFieldTypeError is returned when a document value has no
// representable field kind (e.g. a JSON array, or an unsupported Go type
// passed to NewFieldValue).
type UnsupportedFieldTypeError struct {
	Value any
}

func (e *UnsupportedFieldTypeError) Error() string {
	return fmt.Sprintf("unsupported field value type: %T", e.Value)
}
