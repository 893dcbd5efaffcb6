package bencode

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type torrent_file struct {
	Info struct {
		Name        string `bencode:"name"`
		Length      int64  `bencode:"length"`
		MD5Sum      string `bencode:"md5sum,omitempty"`
		PieceLength int64  `bencode:"piece length"`
		Pieces      string `bencode:"pieces"`
		Private     bool   `bencode:"private,omitempty"`
	} `bencode:"info"`

	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	CreationDate int64      `bencode:"creation date,omitempty"`
	Comment      string     `bencode:"comment,omitempty"`
	CreatedBy    string     `bencode:"created by,omitempty"`
}

func testFileBytes(t *testing.T) []byte {
	var f torrent_file
	f.Info.Name = "a.iso"
	f.Info.Length = 3 << 20
	f.Info.PieceLength = 1 << 20
	f.Info.Pieces = string(bytes.Repeat([]byte("01234567890123456789"), 3))
	f.Announce = "http://tracker.example.com:6969/announce"
	f.CreationDate = time.Date(2011, 8, 19, 0, 0, 0, 0, time.UTC).Unix()
	f.CreatedBy = "mktorrent 1.0"
	data, err := Marshal(&f)
	require.NoError(t, err)
	return data
}

func TestBothInterface(t *testing.T) {
	data1 := testFileBytes(t)
	var iface interface{}

	err := Unmarshal(data1, &iface)
	require.NoError(t, err)

	data2, err := Marshal(iface)
	require.NoError(t, err)

	require.True(t, bytes.Equal(data1, data2))
}

func TestBoth(t *testing.T) {
	data1 := testFileBytes(t)
	var f torrent_file

	err := Unmarshal(data1, &f)
	require.NoError(t, err)

	t.Logf("Name: %s", f.Info.Name)
	t.Logf("Length: %v bytes", f.Info.Length)
	t.Logf("Announce: %s", f.Announce)
	t.Logf("CreationDate: %s", time.Unix(f.CreationDate, 0).String())

	data2, err := Marshal(&f)
	require.NoError(t, err)

	require.True(t, bytes.Equal(data1, data2))
}
