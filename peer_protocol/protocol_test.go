package peer_protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstants(t *testing.T) {
	// check that iota works as expected in the const block
	assert.EqualValues(t, 3, NotInterested)
	assert.EqualValues(t, 8, Cancel)
	assert.EqualValues(t, 20, len(Protocol))
}

func TestMarshalFixedSizeMessages(t *testing.T) {
	for _, tc := range []struct {
		msg      Message
		expected string
	}{
		{Message{Keepalive: true}, "\x00\x00\x00\x00"},
		{Message{Type: Choke}, "\x00\x00\x00\x01\x00"},
		{Message{Type: Unchoke}, "\x00\x00\x00\x01\x01"},
		{Message{Type: Have, Index: 42}, "\x00\x00\x00\x05\x04\x00\x00\x00\x2a"},
		{
			Message{Type: Request, Index: 1, Begin: 2, Length: 3},
			"\x00\x00\x00\x0d\x06\x00\x00\x00\x01\x00\x00\x00\x02\x00\x00\x00\x03",
		},
		{
			Message{Type: Piece, Index: 1, Begin: 2, Piece: []byte("hi")},
			"\x00\x00\x00\x0b\x07\x00\x00\x00\x01\x00\x00\x00\x02hi",
		},
	} {
		assert.EqualValues(t, tc.expected, string(tc.msg.MustMarshalBinary()), "%v", tc.msg)
	}
}

func TestBitfieldEncoding(t *testing.T) {
	bf := make([]bool, 10)
	bf[3] = true
	b := marshalBitfield(bf)
	assert.EqualValues(t, []byte{0x10, 0x00}, b)
	assert.True(t, unmarshalBitfield(b)[3])
}
