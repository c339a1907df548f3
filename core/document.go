package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// FieldKind identifies the type tag of a single document field.
type FieldKind byte

const (
	FieldKindNil FieldKind = iota
	FieldKindInt64
	FieldKindFloat64
	FieldKindBool
	FieldKindString
	FieldKindBytes
	FieldKindObject
)

// FieldValue is a typed value stored under a key inside a DocumentBuffer.
// It is the engine's view of "int64/float64/bool/string/bytes/sub-object"
// from the document buffer contract.
type FieldValue struct {
	kind FieldKind
	i    int64
	f    float64
	b    bool
	s    string
	by   []byte
	obj  Doc
}

func NewInt64Field(v int64) FieldValue      { return FieldValue{kind: FieldKindInt64, i: v} }
func NewFloat64Field(v float64) FieldValue  { return FieldValue{kind: FieldKindFloat64, f: v} }
func NewBoolField(v bool) FieldValue        { return FieldValue{kind: FieldKindBool, b: v} }
func NewStringField(v string) FieldValue    { return FieldValue{kind: FieldKindString, s: v} }
func NewBytesField(v []byte) FieldValue     { return FieldValue{kind: FieldKindBytes, by: append([]byte(nil), v...)} }
func NewObjectField(v Doc) FieldValue       { return FieldValue{kind: FieldKindObject, obj: v} }

func (fv FieldValue) Kind() FieldKind { return fv.kind }

func (fv FieldValue) Int64() (int64, bool)     { return fv.i, fv.kind == FieldKindInt64 }
func (fv FieldValue) Float64() (float64, bool) { return fv.f, fv.kind == FieldKindFloat64 }
func (fv FieldValue) Bool() (bool, bool)       { return fv.b, fv.kind == FieldKindBool }
func (fv FieldValue) String() (string, bool)   { return fv.s, fv.kind == FieldKindString }
func (fv FieldValue) Bytes() ([]byte, bool)    { return fv.by, fv.kind == FieldKindBytes }
func (fv FieldValue) Object() (Doc, bool)      { return fv.obj, fv.kind == FieldKindObject }

// NewFieldValue converts a Go native value (as produced by encoding/json or
// handed in programmatically) into a FieldValue, promoting int/int32/float32
// the way the teacher's core.NewPointValue does.
func NewFieldValue(v any) (FieldValue, error) {
	switch val := v.(type) {
	case int:
		return NewInt64Field(int64(val)), nil
	case int32:
		return NewInt64Field(int64(val)), nil
	case int64:
		return NewInt64Field(val), nil
	case float32:
		return NewFloat64Field(float64(val)), nil
	case float64:
		return NewFloat64Field(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return NewInt64Field(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return FieldValue{}, &UnsupportedFieldTypeError{Value: v}
		}
		return NewFloat64Field(f), nil
	case bool:
		return NewBoolField(val), nil
	case string:
		return NewStringField(val), nil
	case []byte:
		return NewBytesField(val), nil
	case Doc:
		return NewObjectField(val), nil
	case nil:
		return FieldValue{kind: FieldKindNil}, nil
	default:
		return FieldValue{}, &UnsupportedFieldTypeError{Value: v}
	}
}

// docData is the shared, effectively-immutable backing state of a Doc.
// Doc.Set replaces its own pointer to a freshly copied docData rather than
// mutating this struct, which is what gives Doc's Clone its O(1) cost:
// clones just copy the pointer, and diverge lazily on the next write.
type docData struct {
	empty  bool
	raw    []byte
	fields map[string]FieldValue
}

// Doc is the engine's concrete DocumentBuffer: an opaque, value-semantic
// blob that is either empty, a raw (non-JSON) byte body, or a well-formed
// object of typed fields.
type Doc struct {
	d *docData
}

// EmptyDoc returns the canonical zero-length document buffer used to
// represent absent or tombstoned keys.
func EmptyDoc() Doc {
	return Doc{d: &docData{empty: true}}
}

// NewRawDoc wraps an arbitrary byte body that is not JSON (or failed to
// parse as one). Its fields are not addressable; Bytes returns the body
// verbatim.
func NewRawDoc(body []byte) Doc {
	if len(body) == 0 {
		return EmptyDoc()
	}
	cp := append([]byte(nil), body...)
	return Doc{d: &docData{raw: cp}}
}

// NewObjectDoc constructs a structured document from a field map.
func NewObjectDoc(fields map[string]FieldValue) Doc {
	if fields == nil {
		fields = map[string]FieldValue{}
	}
	return Doc{d: &docData{fields: fields}}
}

// NewDocFromJSON parses JSON text into a document buffer. The root value
// must be a JSON object; anything else is an error, which the caller (the
// engine's PUT body-detection step) turns into a fallback to NewRawDoc.
func NewDocFromJSON(data []byte) (Doc, error) {
	if len(data) == 0 {
		return EmptyDoc(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Doc{}, fmt.Errorf("document is not a JSON object: %w", err)
	}
	fields, err := fieldsFromMap(raw)
	if err != nil {
		return Doc{}, err
	}
	return NewObjectDoc(fields), nil
}

func fieldsFromMap(raw map[string]any) (map[string]FieldValue, error) {
	fields := make(map[string]FieldValue, len(raw))
	for k, v := range raw {
		switch nested := v.(type) {
		case map[string]any:
			sub, err := fieldsFromMap(nested)
			if err != nil {
				return nil, err
			}
			fields[k] = NewObjectField(NewObjectDoc(sub))
		default:
			fv, err := NewFieldValue(v)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			fields[k] = fv
		}
	}
	return fields, nil
}

// IsEmpty reports whether the buffer has zero length: either never
// written, or tombstoned.
func (doc Doc) IsEmpty() bool {
	return doc.d == nil || doc.d.empty
}

// IsRaw reports whether the buffer holds an opaque non-JSON body.
func (doc Doc) IsRaw() bool {
	return doc.d != nil && doc.d.raw != nil
}

// Clone returns an independent handle to the same content. It is O(1): the
// returned Doc shares the backing docData until one side calls Set, at
// which point that side copies its fields map before mutating.
func (doc Doc) Clone() Doc {
	return doc
}

// Get reads a top-level field by name. Ok is false if the field is absent
// or the document is raw/empty.
func (doc Doc) Get(field string) (FieldValue, bool) {
	if doc.d == nil || doc.d.fields == nil {
		return FieldValue{}, false
	}
	fv, ok := doc.d.fields[field]
	return fv, ok
}

// Set writes a typed field, copy-on-write: it never mutates a docData that
// might be aliased by another Doc handle.
func (doc *Doc) Set(field string, v FieldValue) {
	old := doc.d
	next := &docData{fields: make(map[string]FieldValue, len(fieldsOf(old))+1)}
	for k, fv := range fieldsOf(old) {
		next.fields[k] = fv
	}
	next.fields[field] = v
	doc.d = next
}

func fieldsOf(d *docData) map[string]FieldValue {
	if d == nil || d.fields == nil {
		return nil
	}
	return d.fields
}

// SetInt64 and SetString implement the engine's PATCH_I64 and PATCH_STR
// in-place field writes.
func (doc *Doc) SetInt64(field string, v int64) { doc.Set(field, NewInt64Field(v)) }
func (doc *Doc) SetString(field string, v string) { doc.Set(field, NewStringField(v)) }

// Bytes serialises the current buffer to its canonical binary form. Two
// documents with equal observable content always serialise identically,
// which is required for ByteHash to be a stable identity.
func (doc Doc) Bytes() []byte {
	if doc.IsEmpty() {
		return nil
	}
	if doc.d.raw != nil {
		return append([]byte(nil), doc.d.raw...)
	}
	var buf bytes.Buffer
	encodeFields(&buf, doc.d.fields)
	return buf.Bytes()
}

func encodeFields(buf *bytes.Buffer, fields map[string]FieldValue) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	// Sort for a canonical byte-hash independent of map iteration order.
	sortStrings(keys)

	binary.Write(buf, binary.BigEndian, uint16(len(keys)))
	for _, k := range keys {
		kb := []byte(k)
		binary.Write(buf, binary.BigEndian, uint16(len(kb)))
		buf.Write(kb)
		fv := fields[k]
		buf.WriteByte(byte(fv.kind))
		switch fv.kind {
		case FieldKindInt64:
			binary.Write(buf, binary.BigEndian, fv.i)
		case FieldKindFloat64:
			binary.Write(buf, binary.BigEndian, math.Float64bits(fv.f))
		case FieldKindBool:
			if fv.b {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case FieldKindString:
			sb := []byte(fv.s)
			binary.Write(buf, binary.BigEndian, uint32(len(sb)))
			buf.Write(sb)
		case FieldKindBytes:
			binary.Write(buf, binary.BigEndian, uint32(len(fv.by)))
			buf.Write(fv.by)
		case FieldKindObject:
			var nested bytes.Buffer
			if fv.obj.d != nil && fv.obj.d.fields != nil {
				encodeFields(&nested, fv.obj.d.fields)
			} else {
				binary.Write(&nested, binary.BigEndian, uint16(0))
			}
			binary.Write(buf, binary.BigEndian, uint32(nested.Len()))
			buf.Write(nested.Bytes())
		case FieldKindNil:
			// no payload
		}
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// decodeFields is the inverse of encodeFields, used by NewDocFromBytes to
// reconstruct a structured document from its canonical binary form.
func decodeFields(r io.Reader) (map[string]FieldValue, error) {
	var count uint16
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	fields := make(map[string]FieldValue, count)
	for i := 0; i < int(count); i++ {
		var klen uint16
		if err := binary.Read(r, binary.BigEndian, &klen); err != nil {
			return nil, err
		}
		kb := make([]byte, klen)
		if _, err := io.ReadFull(r, kb); err != nil {
			return nil, err
		}
		var kindByte byte
		if err := binary.Read(r, binary.BigEndian, &kindByte); err != nil {
			return nil, err
		}
		kind := FieldKind(kindByte)
		var fv FieldValue
		fv.kind = kind
		switch kind {
		case FieldKindInt64:
			if err := binary.Read(r, binary.BigEndian, &fv.i); err != nil {
				return nil, err
			}
		case FieldKindFloat64:
			var bits uint64
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return nil, err
			}
			fv.f = math.Float64frombits(bits)
		case FieldKindBool:
			var bb byte
			if err := binary.Read(r, binary.BigEndian, &bb); err != nil {
				return nil, err
			}
			fv.b = bb == 1
		case FieldKindString:
			var slen uint32
			if err := binary.Read(r, binary.BigEndian, &slen); err != nil {
				return nil, err
			}
			sb := make([]byte, slen)
			if _, err := io.ReadFull(r, sb); err != nil {
				return nil, err
			}
			fv.s = string(sb)
		case FieldKindBytes:
			var blen uint32
			if err := binary.Read(r, binary.BigEndian, &blen); err != nil {
				return nil, err
			}
			bb := make([]byte, blen)
			if _, err := io.ReadFull(r, bb); err != nil {
				return nil, err
			}
			fv.by = bb
		case FieldKindObject:
			var olen uint32
			if err := binary.Read(r, binary.BigEndian, &olen); err != nil {
				return nil, err
			}
			ob := make([]byte, olen)
			if _, err := io.ReadFull(r, ob); err != nil {
				return nil, err
			}
			nested, err := decodeFields(bytes.NewReader(ob))
			if err != nil {
				return nil, err
			}
			fv.obj = NewObjectDoc(nested)
		case FieldKindNil:
			// no payload
		default:
			return nil, fmt.Errorf("document: unknown field kind %d", kindByte)
		}
		fields[string(kb)] = fv
	}
	return fields, nil
}

// NewDocFromBytes reconstructs a document buffer previously produced by
// Bytes(). It is used to replay WAL PUT payloads that were stored as
// structured documents, and to reload sync-repaired values.
func NewDocFromBytes(data []byte) (Doc, error) {
	if len(data) == 0 {
		return EmptyDoc(), nil
	}
	fields, err := decodeFields(bytes.NewReader(data))
	if err != nil {
		// Not our structured encoding: treat as an opaque raw body, the
		// same fallback the engine applies to non-JSON PUT bodies.
		return NewRawDoc(data), nil
	}
	return NewObjectDoc(fields), nil
}

// ToJSON renders the document as JSON text, for the frontend and for
// debugging tools. Raw (non-JSON) documents cannot be rendered and return
// an error.
func (doc Doc) ToJSON() ([]byte, error) {
	if doc.IsEmpty() {
		return []byte("{}"), nil
	}
	if doc.IsRaw() {
		return nil, fmt.Errorf("document is a raw byte body, not JSON")
	}
	m := toMap(doc.d.fields)
	return json.Marshal(m)
}

func toMap(fields map[string]FieldValue) map[string]any {
	m := make(map[string]any, len(fields))
	for k, fv := range fields {
		switch fv.kind {
		case FieldKindInt64:
			m[k] = fv.i
		case FieldKindFloat64:
			m[k] = fv.f
		case FieldKindBool:
			m[k] = fv.b
		case FieldKindString:
			m[k] = fv.s
		case FieldKindBytes:
			m[k] = fv.by
		case FieldKindObject:
			if fv.obj.d != nil && fv.obj.d.fields != nil {
				m[k] = toMap(fv.obj.d.fields)
			} else {
				m[k] = map[string]any{}
			}
		case FieldKindNil:
			m[k] = nil
		}
	}
	return m
}

// ByteHash is the FNV-1a-64 hash of Bytes(), the canonical identity the
// Merkle summary and sync protocol use for a document's content.
func (doc Doc) ByteHash() uint64 {
	return FNV1a64(doc.Bytes())
}

// Len returns len(Bytes()) without materialising it for raw/empty buffers.
func (doc Doc) Len() int {
	if doc.IsEmpty() {
		return 0
	}
	if doc.IsRaw() {
		return len(doc.d.raw)
	}
	return len(doc.Bytes())
}
