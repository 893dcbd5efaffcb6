package metainfo

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclarey/torrent/bencode"
)

func testingInfo() Info {
	return Info{
		Name:        "a.iso",
		PieceLength: 1 << 18,
		Length:      (2 << 18) + 1337,
		Pieces:      bytes.Repeat([]byte("01234567890123456789"), 3),
	}
}

func testingMetaInfoBytes(t *testing.T) []byte {
	mi := MetaInfo{
		InfoBytes: bencode.MustMarshal(testingInfo()),
		Announce:  "http://tracker.example.com:6969/announce",
	}
	var buf bytes.Buffer
	require.NoError(t, mi.Write(&buf))
	return buf.Bytes()
}

func TestLoadInfoHashDeterministic(t *testing.T) {
	b := testingMetaInfoBytes(t)
	mi1, err := Load(bytes.NewReader(b))
	require.NoError(t, err)
	mi2, err := Load(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, mi1.HashInfoBytes(), mi2.HashInfoBytes())
	assert.Equal(t, HashBytes(mi1.InfoBytes), mi1.HashInfoBytes())
}

func TestRoundTrip(t *testing.T) {
	b := testingMetaInfoBytes(t)
	mi, err := Load(bytes.NewReader(b))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, mi.Write(&buf))
	assert.EqualValues(t, b, buf.Bytes())
}

func TestUnmarshalInfo(t *testing.T) {
	b := testingMetaInfoBytes(t)
	mi, err := Load(bytes.NewReader(b))
	require.NoError(t, err)
	info, err := mi.UnmarshalInfo()
	require.NoError(t, err)
	assert.EqualValues(t, "a.iso", info.Name)
	assert.EqualValues(t, 3, info.NumPieces())
	assert.EqualValues(t, (2<<18)+1337, info.TotalLength())
}

func TestUnmarshalInfoRejectsBadShape(t *testing.T) {
	for _, info := range []Info{
		{Name: "x", PieceLength: 0, Length: 1, Pieces: make([]byte, 20)},
		{Name: "x", PieceLength: 1 << 18, Length: 1, Pieces: make([]byte, 19)},
		{
			Name:        "x",
			PieceLength: 1 << 18,
			Length:      1,
			Files:       []FileInfo{{Length: 1, Path: []string{"a"}}},
			Pieces:      make([]byte, 20),
		},
		{
			Name:        "x",
			PieceLength: 1 << 18,
			Files:       []FileInfo{{Length: 1, Path: nil}},
			Pieces:      make([]byte, 20),
		},
		// Piece count doesn't cover the content.
		{Name: "x", PieceLength: 1, Length: 2, Pieces: make([]byte, 20)},
	} {
		mi := MetaInfo{InfoBytes: bencode.MustMarshal(info)}
		_, err := mi.UnmarshalInfo()
		assert.Error(t, err, "%v", info)
	}
}

func TestPieceGeometry(t *testing.T) {
	info := testingInfo()
	assert.EqualValues(t, 1<<18, info.Piece(0).Length())
	assert.EqualValues(t, 1<<18, info.Piece(1).Length())
	assert.EqualValues(t, 1337, info.Piece(2).Length())
	assert.EqualValues(t, 2<<18, info.Piece(2).Offset())
	assert.Panics(t, func() { info.Piece(3).Length() })
}

func TestUpvertedFilesSingle(t *testing.T) {
	info := testingInfo()
	files := info.UpvertedFiles()
	require.Len(t, files, 1)
	assert.EqualValues(t, info.Length, files[0].Length)
	assert.Nil(t, files[0].Path)
	assert.EqualValues(t, "a.iso", files[0].DisplayPath(&info))
}
