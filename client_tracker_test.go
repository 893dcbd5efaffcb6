package torrent

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclarey/torrent/storage"
	httpTrackerServer "github.com/rclarey/torrent/tracker/http/server"
	trackerServer "github.com/rclarey/torrent/tracker/server"
)

// Two clients find each other through a local HTTP tracker and exchange
// handshakes and bitfields.
func TestClientsMeetThroughTracker(t *testing.T) {
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	im := trackerServer.NewInMemory(log.Default)
	go trackerServer.Serve(ctx, im, nil,
		&httpTrackerServer.Server{Listener: l, Logger: log.Default})

	payload := testPayload()
	mi := testMetaInfo(t, payload)
	mi.Announce = fmt.Sprintf("http://%s/announce", l.Addr().String())

	seederCfg := NewDefaultClientConfig()
	seederCfg.NoDefaultPortForwarding = true
	seederCfg.DefaultStorage = storage.NewMemoryWithData(payload)
	seeder, err := NewClient(seederCfg)
	require.NoError(t, err)
	defer seeder.Close()
	seederTor, err := seeder.AddTorrent(mi)
	require.NoError(t, err)
	require.EqualValues(t, 0, seederTor.bytesLeft())

	leecherCfg := NewDefaultClientConfig()
	leecherCfg.NoDefaultPortForwarding = true
	leecher, err := NewClient(leecherCfg)
	require.NoError(t, err)
	defer leecher.Close()
	leecherTor, err := leecher.AddTorrent(mi)
	require.NoError(t, err)

	// The leecher may announce before the seeder has registered; keep
	// nudging its announcer until the swarm connects.
	require.Eventually(t, func() bool {
		if leecherTor.numConns() != 0 {
			return true
		}
		leecherTor.RequestMorePeers()
		return false
	}, 15*time.Second, 250*time.Millisecond)

	// The seeder's full bitfield reaches the leecher's peer state.
	require.Eventually(t, func() bool {
		leecherTor.mu.Lock()
		defer leecherTor.mu.Unlock()
		for _, c := range leecherTor.conns {
			if c.peerId == seeder.PeerID() && c.gotBitfield {
				for i := 0; i < leecherTor.NumPieces(); i++ {
					if !c.peerBitfield[i] {
						return false
					}
				}
				return true
			}
		}
		return false
	}, 15*time.Second, 100*time.Millisecond)

	assert.EqualValues(t, len(payload), leecherTor.bytesLeft())
}
