package tracker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rclarey/torrent/tracker/udp"
)

// Replies to a single connect and then a single announce, like a tracker
// would, asserting the frames on the way through.
func scriptedUdpTracker(t *testing.T, pc net.PacketConn, connId uint64) {
	b := make([]byte, 0x800)

	n, addr, err := pc.ReadFrom(b)
	require.NoError(t, err)
	var h udp.RequestHeader
	require.NoError(t, udp.Read(bytes.NewReader(b[:n]), &h))
	require.EqualValues(t, udp.ActionConnect, h.Action)
	require.EqualValues(t, 0x41727101980, h.ConnectionId)
	var buf bytes.Buffer
	udp.Write(&buf, udp.ResponseHeader{Action: udp.ActionConnect, TransactionId: h.TransactionId})
	udp.Write(&buf, udp.ConnectionResponse{ConnectionId: connId})
	pc.WriteTo(buf.Bytes(), addr)

	n, addr, err = pc.ReadFrom(b)
	require.NoError(t, err)
	r := bytes.NewReader(b[:n])
	require.NoError(t, udp.Read(r, &h))
	require.EqualValues(t, udp.ActionAnnounce, h.Action)
	require.EqualValues(t, connId, h.ConnectionId)
	var ar udp.AnnounceRequest
	require.NoError(t, udp.Read(r, &ar))
	assert.EqualValues(t, 6882, ar.Port)

	buf.Reset()
	udp.Write(&buf, udp.ResponseHeader{Action: udp.ActionAnnounce, TransactionId: h.TransactionId})
	udp.Write(&buf, udp.AnnounceResponseHeader{Interval: 900, Leechers: 1, Seeders: 0})
	buf.Write([]byte{192, 168, 0, 42})
	binary.Write(&buf, binary.BigEndian, uint16(8080))
	pc.WriteTo(buf.Bytes(), addr)
}

func TestAnnounceUdpHappyPath(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "localhost:0")
	require.NoError(t, err)
	defer pc.Close()
	go scriptedUdpTracker(t, pc, 0xdeadbeefcafe)

	res, err := Announce{
		TrackerUrl: fmt.Sprintf("udp://%s/announce", pc.LocalAddr().String()),
		Request:    testAnnounceRequest(),
		UdpNetwork: "udp4",
	}.Do()
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Seeders)
	assert.EqualValues(t, 1, res.Leechers)
	assert.EqualValues(t, 900, res.Interval)
	require.Len(t, res.Peers, 1)
	assert.Equal(t, "192.168.0.42", res.Peers[0].IP.String())
	assert.Equal(t, 8080, res.Peers[0].Port)
}

// An error frame from the tracker surfaces its message.
func TestAnnounceUdpRejected(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "localhost:0")
	require.NoError(t, err)
	defer pc.Close()
	go func() {
		b := make([]byte, 0x800)
		n, addr, err := pc.ReadFrom(b)
		if err != nil {
			return
		}
		var h udp.RequestHeader
		udp.Read(bytes.NewReader(b[:n]), &h)
		var buf bytes.Buffer
		udp.Write(&buf, udp.ResponseHeader{Action: udp.ActionError, TransactionId: h.TransactionId})
		buf.WriteString("go away")
		pc.WriteTo(buf.Bytes(), addr)
	}()

	_, err = Announce{
		TrackerUrl: fmt.Sprintf("udp://%s/announce", pc.LocalAddr().String()),
		Request:    testAnnounceRequest(),
		UdpNetwork: "udp4",
	}.Do()
	var rejected udp.ErrorResponse
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "go away", rejected.Message)
}
