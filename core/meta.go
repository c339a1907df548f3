package core

import "strings"

// MetaSuffix is appended to a user key to form the key of its sibling
// metadata entry. Meta keys share a shard with their user key (they hash
// identically for routing purposes) but are otherwise regular entries.
const MetaSuffix = ":meta"

// MetaKey returns the metadata sibling key for a user key.
func MetaKey(key []byte) []byte {
	out := make([]byte, 0, len(key)+len(MetaSuffix))
	out = append(out, key...)
	out = append(out, MetaSuffix...)
	return out
}

// IsMetaKey reports whether key is itself a metadata key.
func IsMetaKey(key []byte) bool {
	return strings.HasSuffix(string(key), MetaSuffix)
}

// MetaToDoc encodes an HLC timestamp and tombstone bit as the structured
// document buffer stored under a key's ":meta" sibling.
func MetaToDoc(ts Timestamp, tombstone bool) Doc {
	fields := map[string]FieldValue{
		"ts": NewInt64Field(ts.Wall),
		"l":  NewInt64Field(int64(ts.Logical)),
		"n":  NewInt64Field(int64(ts.Node)),
	}
	if tombstone {
		fields["tombstone"] = NewBoolField(true)
	}
	return NewObjectDoc(fields)
}

// DocToMeta decodes a metadata document buffer back into a Timestamp and
// tombstone bit. It accepts integer fields encoded as either FieldKindInt64
// or FieldKindFloat64, since a metadata buffer that round-tripped through a
// JSON-only document buffer implementation will have decoded its numbers as
// floats.
func DocToMeta(d Doc) (ts Timestamp, tombstone bool, ok bool) {
	wall, wok := numericField(d, "ts")
	logical, lok := numericField(d, "l")
	node, nok := numericField(d, "n")
	if !wok || !lok || !nok {
		return Timestamp{}, false, false
	}
	ts = Timestamp{Wall: wall, Logical: uint32(logical), Node: uint32(node)}
	if tv, present := d.Get("tombstone"); present {
		if b, isBool := tv.Bool(); isBool {
			tombstone = b
		}
	}
	return ts, tombstone, true
}

func numericField(d Doc, field string) (int64, bool) {
	fv, present := d.Get(field)
	if !present {
		return 0, false
	}
	if i, ok := fv.Int64(); ok {
		return i, true
	}
	if f, ok := fv.Float64(); ok {
		return int64(f), true
	}
	return 0, false
}
