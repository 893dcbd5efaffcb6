package peer_protocol

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclarey/torrent/metainfo"
)

func testHash(b byte) (h metainfo.Hash) {
	for i := range h {
		h[i] = b
	}
	return
}

func testPeerID(b byte) (id [20]byte) {
	for i := range id {
		id[i] = b
	}
	return
}

func TestHandshakeExchange(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ih := testHash(1)
	dialerDone := make(chan error, 1)
	var dialerRes HandshakeResult
	go func() {
		var err error
		dialerRes, err = Handshake(a, ih, testPeerID(2), PeerExtensionBits{})
		dialerDone <- err
	}()
	res, err := ReceiveHandshake(b, testPeerID(3), PeerExtensionBits{}, func(h metainfo.Hash) bool {
		return h == ih
	})
	require.NoError(t, err)
	require.NoError(t, <-dialerDone)
	assert.Equal(t, ih, res.Hash)
	assert.Equal(t, testPeerID(2), res.PeerID)
	assert.Equal(t, ih, dialerRes.Hash)
	assert.Equal(t, testPeerID(3), dialerRes.PeerID)
}

// A handshake for an infohash we don't know must be abandoned without
// writing anything back.
func TestReceiveHandshakeUnknownInfoHash(t *testing.T) {
	var in, out bytes.Buffer
	require.NoError(t, writeHandshake(&in, testHash(1), testPeerID(2), PeerExtensionBits{}))
	rw := struct {
		io.Reader
		io.Writer
	}{&in, &out}
	_, err := ReceiveHandshake(rw, testPeerID(3), PeerExtensionBits{}, func(metainfo.Hash) bool {
		return false
	})
	require.Error(t, err)
	assert.Zero(t, out.Len())
}

func TestReadHandshakeRejectsBadProtocolString(t *testing.T) {
	b := bytes.Repeat([]byte("z"), 68)
	_, err := readHandshake(bytes.NewReader(b))
	require.Error(t, err)
}
