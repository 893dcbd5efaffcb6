package peer_protocol

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/anacrolix/missinggo/v2/panicif"

	"github.com/rclarey/torrent/metainfo"
)

// The 8 reserved bytes in a handshake. We don't implement any of the
// extension bits, so ours are always zero.
type PeerExtensionBits [8]byte

func (pex PeerExtensionBits) String() string {
	return hex.EncodeToString(pex[:])
}

type HandshakeResult struct {
	PeerExtensionBits
	PeerID [20]byte
	metainfo.Hash
}

func writeHandshake(w io.Writer, ih metainfo.Hash, peerID [20]byte, extensions PeerExtensionBits) error {
	b := make([]byte, 0, 68)
	b = append(b, Protocol...)
	b = append(b, extensions[:]...)
	b = append(b, ih[:]...)
	b = append(b, peerID[:]...)
	_, err := w.Write(b)
	return err
}

func readHandshake(r io.Reader) (res HandshakeResult, err error) {
	// Read in one hit to avoid potential overhead in the underlying reader.
	b := make([]byte, 68)
	_, err = io.ReadFull(r, b)
	if err != nil {
		return res, fmt.Errorf("while reading: %w", err)
	}
	if string(b[:len(Protocol)]) != Protocol {
		return res, fmt.Errorf("unexpected protocol string %q", b[:len(Protocol)])
	}
	b = b[len(Protocol):]
	read := func(dst []byte) {
		n := copy(dst, b)
		panicif.NotEq(n, len(dst))
		b = b[n:]
	}
	read(res.PeerExtensionBits[:])
	read(res.Hash[:])
	read(res.PeerID[:])
	panicif.NotEq(len(b), 0)
	return
}

// Performs the initiating side of a handshake: we already know what we want,
// and send our half first.
func Handshake(
	sock io.ReadWriter,
	ih metainfo.Hash,
	peerID [20]byte,
	extensions PeerExtensionBits,
) (
	res HandshakeResult, err error,
) {
	err = writeHandshake(sock, ih, peerID, extensions)
	if err != nil {
		return res, fmt.Errorf("writing handshake: %w", err)
	}
	return readHandshake(sock)
}

// Performs the receiving side of a handshake. The reply is sent only if
// accept approves the infohash the peer declared; a rejected handshake is
// abandoned without writing anything.
func ReceiveHandshake(
	sock io.ReadWriter,
	peerID [20]byte,
	extensions PeerExtensionBits,
	accept func(metainfo.Hash) bool,
) (
	res HandshakeResult, err error,
) {
	res, err = readHandshake(sock)
	if err != nil {
		return
	}
	if !accept(res.Hash) {
		err = fmt.Errorf("unknown infohash %x", res.Hash.Bytes())
		return
	}
	err = writeHandshake(sock, res.Hash, peerID, extensions)
	return
}
