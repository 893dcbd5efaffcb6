package torrent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rclarey/torrent/metainfo"
	pp "github.com/rclarey/torrent/peer_protocol"
)

// Two whole pieces of 32KiB and a 20,000 byte tail piece.
func chunkTestInfo() *metainfo.Info {
	return &metainfo.Info{
		Name:        "x",
		PieceLength: 2 * defaultChunkSize,
		Length:      4*defaultChunkSize + 20000,
		Pieces:      bytes.Repeat([]byte("01234567890123456789"), 3),
	}
}

func TestValidateRequestSpec(t *testing.T) {
	info := chunkTestInfo()
	for _, tc := range []struct {
		r  pp.RequestSpec
		ok bool
	}{
		{pp.RequestSpec{0, 0, defaultChunkSize}, true},
		{pp.RequestSpec{0, defaultChunkSize, defaultChunkSize}, true},
		{pp.RequestSpec{1, 0, 2 * defaultChunkSize}, true},
		// Short request lengths are fine.
		{pp.RequestSpec{0, 100, 200}, true},
		{pp.RequestSpec{2, 0, 20000}, true},
		// Zero length.
		{pp.RequestSpec{0, 0, 0}, false},
		// Past the end of the piece.
		{pp.RequestSpec{0, defaultChunkSize, defaultChunkSize + 1}, false},
		// Past the end of the tail piece.
		{pp.RequestSpec{2, 16384, 16384}, false},
		// No such piece.
		{pp.RequestSpec{3, 0, 1}, false},
	} {
		err := validateRequestSpec(info, tc.r)
		if tc.ok {
			assert.NoError(t, err, "%v", tc.r)
		} else {
			assert.Error(t, err, "%v", tc.r)
		}
	}
}

func TestValidateReceivedChunk(t *testing.T) {
	info := chunkTestInfo()
	for _, tc := range []struct {
		r  pp.RequestSpec
		ok bool
	}{
		{pp.RequestSpec{0, 0, defaultChunkSize}, true},
		{pp.RequestSpec{1, defaultChunkSize, defaultChunkSize}, true},
		// First block of the tail piece is full-size.
		{pp.RequestSpec{2, 0, defaultChunkSize}, true},
		// Tail block of the tail piece.
		{pp.RequestSpec{2, defaultChunkSize, 20000 - defaultChunkSize}, true},
		// Unaligned offset.
		{pp.RequestSpec{0, 1, defaultChunkSize}, false},
		// Short block that isn't the final tail.
		{pp.RequestSpec{0, 0, 100}, false},
		{pp.RequestSpec{2, 0, 100}, false},
		// Overlong blocks, including one spanning the whole tail piece.
		{pp.RequestSpec{0, 0, 2 * defaultChunkSize}, false},
		{pp.RequestSpec{2, 0, 20000}, false},
	} {
		err := validateReceivedChunk(info, tc.r)
		if tc.ok {
			assert.NoError(t, err, "%v", tc.r)
		} else {
			assert.Error(t, err, "%v", tc.r)
		}
	}
}
