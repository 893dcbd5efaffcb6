package peer_protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDecoder(b []byte) *Decoder {
	return &Decoder{
		R:         bytes.NewReader(b),
		MaxLength: 0x8000,
	}
}

func TestDecodeStream(t *testing.T) {
	var stream bytes.Buffer
	msgs := []Message{
		{Keepalive: true},
		{Type: Unchoke},
		{Type: Have, Index: 1},
		{Type: Bitfield, Bitfield: []bool{false, true, false, false, false, false, false, false}},
		{Type: Piece, Index: 1, Begin: 0x4000, Piece: []byte("swarm")},
	}
	for _, m := range msgs {
		stream.Write(m.MustMarshalBinary())
	}
	d := Decoder{R: &stream, MaxLength: 0x8000}
	for _, expected := range msgs {
		var actual Message
		require.NoError(t, d.Decode(&actual))
		assert.EqualValues(t, expected, actual)
	}
	var m Message
	require.Equal(t, io.EOF, d.Decode(&m))
}

func TestDecodeUnknownIdSkipped(t *testing.T) {
	var stream bytes.Buffer
	// An extended-style message we don't implement, then a have.
	stream.Write([]byte("\x00\x00\x00\x03\x14\xab\xcd"))
	stream.Write(Message{Type: Have, Index: 3}.MustMarshalBinary())
	d := Decoder{R: &stream, MaxLength: 0x8000}
	var m Message
	require.NoError(t, d.Decode(&m))
	assert.Equal(t, Have, m.Type)
	assert.EqualValues(t, 3, m.Index)
}

func TestDecodeOverMaxLength(t *testing.T) {
	d := newDecoder([]byte("\x00\xff\xff\xff\x04"))
	var m Message
	require.Error(t, d.Decode(&m))
}

func TestDecodeLengthMismatchFatal(t *testing.T) {
	// A have with a 5-byte body.
	d := newDecoder([]byte("\x00\x00\x00\x06\x04\x00\x00\x00\x01\xff"))
	var m Message
	require.Error(t, d.Decode(&m))
}

func TestDecodeShortPieceEof(t *testing.T) {
	d := newDecoder([]byte("\x00\x00\x00\x0b\x07\x00\x00\x00\x01\x00\x00\x00\x02h"))
	var m Message
	require.Equal(t, io.ErrUnexpectedEOF, d.Decode(&m))
}
