package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDoc_BytesRoundTripsThroughFromBytes is the WAL round-trip invariant:
// anything that goes out through Bytes() must come back byte-identical
// (and field-identical) through NewDocFromBytes, since that is exactly the
// pair of calls the WAL recovery path and the sync repair path use.
func TestDoc_BytesRoundTripsThroughFromBytes(t *testing.T) {
	doc := NewObjectDoc(map[string]FieldValue{
		"name":   NewStringField("ada"),
		"age":    NewInt64Field(21),
		"score":  NewFloat64Field(3.5),
		"active": NewBoolField(true),
		"blob":   NewBytesField([]byte{1, 2, 3}),
		"nested": NewObjectField(NewObjectDoc(map[string]FieldValue{
			"city": NewStringField("nyc"),
		})),
	})

	got, err := NewDocFromBytes(doc.Bytes())
	require.NoError(t, err)
	require.False(t, got.IsRaw())

	name, ok := got.Get("name")
	require.True(t, ok)
	s, _ := name.String()
	require.Equal(t, "ada", s)

	age, ok := got.Get("age")
	require.True(t, ok)
	v, _ := age.Int64()
	require.EqualValues(t, 21, v)

	score, ok := got.Get("score")
	require.True(t, ok)
	f, _ := score.Float64()
	require.Equal(t, 3.5, f)

	active, ok := got.Get("active")
	require.True(t, ok)
	b, _ := active.Bool()
	require.True(t, b)

	blob, ok := got.Get("blob")
	require.True(t, ok)
	by, _ := blob.Bytes()
	require.Equal(t, []byte{1, 2, 3}, by)

	nested, ok := got.Get("nested")
	require.True(t, ok)
	nestedDoc, _ := nested.Object()
	city, ok := nestedDoc.Get("city")
	require.True(t, ok)
	cs, _ := city.String()
	require.Equal(t, "nyc", cs)

	require.Equal(t, doc.ByteHash(), got.ByteHash())
}

// TestDoc_BytesRoundTripPreservesEmptyAndRaw covers the two documents
// NewDocFromBytes must not mistake for a structured object: the tombstone
// sentinel and an opaque non-JSON body.
func TestDoc_BytesRoundTripPreservesEmptyAndRaw(t *testing.T) {
	empty := EmptyDoc()
	got, err := NewDocFromBytes(empty.Bytes())
	require.NoError(t, err)
	require.True(t, got.IsEmpty())

	raw := NewRawDoc([]byte("not json, not our binary framing"))
	got, err = NewDocFromBytes(raw.Bytes())
	require.NoError(t, err)
	require.True(t, got.IsRaw())
	require.Equal(t, raw.Bytes(), got.Bytes())
}

// TestDoc_FromJSONThenBytesRoundTripsViaFromBytes exercises the exact path
// a client PUT takes end to end: JSON text in at the door, canonical binary
// out through Bytes(), and back in through NewDocFromBytes the way WAL
// recovery and sync repair read it — never back through the JSON sniff.
func TestDoc_FromJSONThenBytesRoundTripsViaFromBytes(t *testing.T) {
	doc, err := NewDocFromJSON([]byte(`{"name":"grace","age":30}`))
	require.NoError(t, err)

	got, err := NewDocFromBytes(doc.Bytes())
	require.NoError(t, err)
	require.False(t, got.IsRaw())

	name, ok := got.Get("name")
	require.True(t, ok)
	s, _ := name.String()
	require.Equal(t, "grace", s)
}

func TestDoc_EmptyFieldsRoundTrip(t *testing.T) {
	doc := NewObjectDoc(nil)
	got, err := NewDocFromBytes(doc.Bytes())
	require.NoError(t, err)
	require.False(t, got.IsRaw())
	_, ok := got.Get("anything")
	require.False(t, ok)
}
