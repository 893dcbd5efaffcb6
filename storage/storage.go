// Package storage defines how torrent payload data is read and written.
// Implementations are provided to the Client; the peer paths only ever reach
// storage through these interfaces.
package storage

import "github.com/rclarey/torrent/metainfo"

// Creates per-torrent storage.
type Client interface {
	OpenTorrent(info *metainfo.Info, infoHash metainfo.Hash) (Torrent, error)
}

// Access to one torrent's data. Offsets are absolute within the torrent's
// concatenated payload.
type Torrent interface {
	// Returns the bytes at [offset, offset+length). A nil slice with a nil
	// error means the data isn't available yet; that's recoverable and the
	// caller just declines whatever it was doing.
	Get(offset, length int64) ([]byte, error)
	// Stores b at offset. Failures are recoverable in the same way.
	Set(offset int64, b []byte) error
	// Whether the complete payload is present.
	Exists() bool
	Close() error
}
