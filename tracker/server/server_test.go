package trackerServer_test

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclarey/torrent/metainfo"
	"github.com/rclarey/torrent/tracker"
	httpTrackerServer "github.com/rclarey/torrent/tracker/http/server"
	trackerServer "github.com/rclarey/torrent/tracker/server"
	"github.com/rclarey/torrent/tracker/udp"
	udpTrackerServer "github.com/rclarey/torrent/tracker/udp/server"
)

type testTracker struct {
	im       *trackerServer.InMemory
	httpAddr string
	udpAddr  string
	cancel   context.CancelFunc
}

func startTestTracker(t *testing.T, filter trackerServer.Filter) *testTracker {
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	pc, err := net.ListenPacket("udp4", "localhost:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	im := trackerServer.NewInMemory(log.Default)
	go trackerServer.Serve(ctx, im, filter,
		&httpTrackerServer.Server{Listener: l, Logger: log.Default},
		&udpTrackerServer.Server{PacketConn: pc, Logger: log.Default},
	)
	t.Cleanup(cancel)
	return &testTracker{
		im:       im,
		httpAddr: l.Addr().String(),
		udpAddr:  pc.LocalAddr().String(),
		cancel:   cancel,
	}
}

func testAnnounce(ih metainfo.Hash, peerId byte, port uint16, left int64) tracker.AnnounceRequest {
	var req tracker.AnnounceRequest
	req.InfoHash = ih
	for i := range req.PeerId {
		req.PeerId[i] = peerId
	}
	req.Left = left
	req.Port = port
	req.NumWant = -1
	req.Event = tracker.Started
	return req
}

func TestServerAnnounceOverBothTransports(t *testing.T) {
	tt := startTestTracker(t, nil)
	ih := metainfo.HashBytes([]byte("both transports"))

	// First peer arrives over HTTP.
	res, err := tracker.Announce{
		TrackerUrl: fmt.Sprintf("http://%s/announce", tt.httpAddr),
		Request:    testAnnounce(ih, 'a', 6881, 0),
	}.Do()
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Seeders)
	assert.EqualValues(t, 0, res.Leechers)
	assert.Empty(t, res.Peers)

	// Second peer arrives over UDP and hears about the first.
	res, err = tracker.Announce{
		TrackerUrl: fmt.Sprintf("udp://%s/announce", tt.udpAddr),
		Request:    testAnnounce(ih, 'b', 6882, 100),
		UdpNetwork: "udp4",
	}.Do()
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Seeders)
	assert.EqualValues(t, 1, res.Leechers)
	require.Len(t, res.Peers, 1)
	assert.EqualValues(t, 6881, res.Peers[0].Port)

	// And both show up in an HTTP scrape.
	sc, err := tracker.Scrape(context.Background(),
		fmt.Sprintf("http://%s/announce", tt.httpAddr), []metainfo.Hash{ih})
	require.NoError(t, err)
	require.Len(t, sc, 1)
	assert.EqualValues(t, 1, sc[0].Seeders)
	assert.EqualValues(t, 1, sc[0].Leechers)

	// UDP scrape agrees.
	sc, err = tracker.Scrape(context.Background(),
		fmt.Sprintf("udp://%s/announce", tt.udpAddr), []metainfo.Hash{ih})
	require.NoError(t, err)
	require.Len(t, sc, 1)
	assert.EqualValues(t, 1, sc[0].Seeders)
}

func TestServerFilterRejectsUnknownInfoHash(t *testing.T) {
	allowed := metainfo.HashBytes([]byte("allowed"))
	tt := startTestTracker(t, trackerServer.AllowList([]trackerServer.InfoHash{allowed}))

	_, err := tracker.Announce{
		TrackerUrl: fmt.Sprintf("http://%s/announce", tt.httpAddr),
		Request:    testAnnounce(metainfo.HashBytes([]byte("other")), 'a', 6881, 0),
	}.Do()
	require.Error(t, err)

	_, err = tracker.Announce{
		TrackerUrl: fmt.Sprintf("http://%s/announce", tt.httpAddr),
		Request:    testAnnounce(allowed, 'a', 6881, 0),
	}.Do()
	require.NoError(t, err)
}

// Announces that don't present a connection id from a connect exchange are
// dropped without any reply.
func TestServerUdpUnknownConnectionIdDropped(t *testing.T) {
	tt := startTestTracker(t, nil)
	conn, err := net.Dial("udp4", tt.udpAddr)
	require.NoError(t, err)
	defer conn.Close()

	var buf bytes.Buffer
	udp.Write(&buf, udp.RequestHeader{
		ConnectionId:  0x1234,
		Action:        udp.ActionAnnounce,
		TransactionId: 787,
	})
	var ar udp.AnnounceRequest
	udp.Write(&buf, ar)
	_, err = conn.Write(buf.Bytes())
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	var b [0x800]byte
	_, err = conn.Read(b[:])
	nerr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, nerr.Timeout())
}

// A known connection id with a short announce body gets an error frame.
func TestServerUdpShortAnnounce(t *testing.T) {
	tt := startTestTracker(t, nil)
	conn, err := net.Dial("udp4", tt.udpAddr)
	require.NoError(t, err)
	defer conn.Close()

	var buf bytes.Buffer
	udp.Write(&buf, udp.RequestHeader{
		ConnectionId:  udp.ConnectRequestConnectionId,
		Action:        udp.ActionConnect,
		TransactionId: 1,
	})
	_, err = conn.Write(buf.Bytes())
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var b [0x800]byte
	n, err := conn.Read(b[:])
	require.NoError(t, err)
	r := bytes.NewReader(b[:n])
	var h udp.ResponseHeader
	require.NoError(t, udp.Read(r, &h))
	require.EqualValues(t, udp.ActionConnect, h.Action)
	var cr udp.ConnectionResponse
	require.NoError(t, udp.Read(r, &cr))

	buf.Reset()
	udp.Write(&buf, udp.RequestHeader{
		ConnectionId:  cr.ConnectionId,
		Action:        udp.ActionAnnounce,
		TransactionId: 2,
	})
	// No announce body at all.
	_, err = conn.Write(buf.Bytes())
	require.NoError(t, err)
	n, err = conn.Read(b[:])
	require.NoError(t, err)
	r = bytes.NewReader(b[:n])
	require.NoError(t, udp.Read(r, &h))
	assert.EqualValues(t, udp.ActionError, h.Action)
	assert.EqualValues(t, 2, h.TransactionId)
}
