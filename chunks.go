package torrent

import (
	"fmt"

	"github.com/rclarey/torrent/metainfo"
	pp "github.com/rclarey/torrent/peer_protocol"
)

// The block size used on the wire, and the granularity storage writes happen
// at.
const defaultChunkSize = 0x4000 // 16KiB

// Checks a request's geometry against the piece structure: a known piece, a
// positive length, and no overrun of the piece's effective length. Peers
// whose requests fail this have their sessions torn down.
func validateRequestSpec(info *metainfo.Info, r pp.RequestSpec) error {
	if r.Index.Int() >= info.NumPieces() {
		return fmt.Errorf("piece index %v not less than %v", r.Index, info.NumPieces())
	}
	if r.Length <= 0 {
		return fmt.Errorf("length %v not positive", r.Length)
	}
	pieceLength := info.Piece(r.Index.Int()).Length()
	if int64(r.Begin)+int64(r.Length) > pieceLength {
		return fmt.Errorf("%v overruns piece of length %v", r, pieceLength)
	}
	return nil
}

// Checks a received block's geometry: the request rules, plus a block-aligned
// offset, and a full block except for the tail of the final piece.
func validateReceivedChunk(info *metainfo.Info, r pp.RequestSpec) error {
	err := validateRequestSpec(info, r)
	if err != nil {
		return err
	}
	if r.Begin%defaultChunkSize != 0 {
		return fmt.Errorf("offset %v not aligned to %v", r.Begin, defaultChunkSize)
	}
	if r.Length == defaultChunkSize {
		return nil
	}
	if r.Length > defaultChunkSize {
		return fmt.Errorf("block %v longer than %v", r, defaultChunkSize)
	}
	lastPiece := info.NumPieces() - 1
	lastLen := info.Piece(lastPiece).Length()
	// Only the residual final block of the final piece may be short.
	if r.Index.Int() != lastPiece ||
		int64(r.Begin) != lastLen/defaultChunkSize*defaultChunkSize ||
		int64(r.Begin)+int64(r.Length) != lastLen {
		return fmt.Errorf("short block %v isn't the tail of the final piece", r)
	}
	return nil
}
