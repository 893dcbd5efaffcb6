package torrent

import (
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"

	"github.com/rclarey/torrent/storage"
)

// Probably not safe to modify this after it's given to a Client.
type ClientConfig struct {
	// The port to listen for new BitTorrent protocol connections on. 0 means
	// an ephemeral port.
	ListenPort              int
	NoDefaultPortForwarding bool
	UpnpID                  string

	// Don't announce to trackers. Peers can still be added manually.
	DisableTrackers bool

	// Called to instantiate storage for each added torrent. If not set, the
	// in-memory implementation is used.
	DefaultStorage storage.Client

	// Only applies to data uploaded to peers. Each limiter token represents
	// one byte. If nil, no rate limiting is applied.
	UploadRateLimiter *rate.Limiter

	// Peer ID client identifier prefix. The remaining bytes of the peer id
	// are random.
	Bep20 string

	// Limit how long a handshake can take. This is to reduce the lingering
	// impact of a few bad apples.
	HandshakesTimeout time.Duration
	// How long to wait on reads from a peer before assuming it's gone.
	PeerReadTimeout time.Duration

	HTTPUserAgent string

	Logger log.Logger

	// Maximum framed message length accepted from peers. Needs to fit a
	// bitfield for the largest torrent served, and a block.
	MaxPeerMessageLength int
}

func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		UpnpID:               "rclarey/torrent",
		Bep20:                "-GT0002-",
		HandshakesTimeout:    4 * time.Second,
		PeerReadTimeout:      150 * time.Second,
		HTTPUserAgent:        "rclarey-torrent/2.0",
		DefaultStorage:       storage.NewMemory(),
		MaxPeerMessageLength: 256 * 1024,
	}
}
