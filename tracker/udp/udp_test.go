package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/stretchr/testify/require"
)

// Ensure net.IPs are stored big-endian, to match the way they're read from
// the wire.
func TestNetIPv4Bytes(t *testing.T) {
	ip := net.IP([]byte{127, 0, 0, 1})
	if ip.String() != "127.0.0.1" {
		t.FailNow()
	}
	if string(ip) != "\x7f\x00\x00\x01" {
		t.Fatal([]byte(ip))
	}
}

func TestMarshalAnnounceResponse(t *testing.T) {
	require.EqualValues(t, 12, binary.Size(AnnounceResponseHeader{}))
	require.EqualValues(t, 16, binary.Size(RequestHeader{}))
	require.EqualValues(t, 8, binary.Size(ResponseHeader{}))
	require.EqualValues(t, 82, binary.Size(AnnounceRequest{}))
}

func TestShortBinaryRead(t *testing.T) {
	var data ResponseHeader
	err := binary.Read(bytes.NewBufferString("\x00\x00\x00\x01"), binary.BigEndian, &data)
	if err != io.ErrUnexpectedEOF {
		t.FailNow()
	}
}

func TestConvertInt16ToInt(t *testing.T) {
	i := 50000
	if int(uint16(int16(i))) != 50000 {
		t.FailNow()
	}
}

func TestTimeoutBackoff(t *testing.T) {
	c := qt.New(t)
	c.Check(timeout(0), qt.Equals, 15*time.Second)
	c.Check(timeout(1), qt.Equals, 30*time.Second)
	c.Check(timeout(3), qt.Equals, 120*time.Second)
	// The exponent saturates.
	c.Check(timeout(8), qt.Equals, timeout(9))
}

func TestDispatcherRoutesByTransactionId(t *testing.T) {
	c := qt.New(t)
	var d Dispatcher
	got := make(chan DispatchedResponse, 1)
	tx := d.NewTransaction(func(dr DispatchedResponse) {
		got <- dr
	})
	defer tx.End()

	var buf bytes.Buffer
	Write(&buf, ResponseHeader{Action: ActionAnnounce, TransactionId: tx.Id()})
	buf.WriteString("body")
	c.Assert(d.Dispatch(buf.Bytes(), nil), qt.IsNil)
	dr := <-got
	c.Check(dr.Header.Action, qt.Equals, ActionAnnounce)
	c.Check(string(dr.Body), qt.Equals, "body")

	// A mismatched transaction id is reported, not delivered.
	buf.Reset()
	Write(&buf, ResponseHeader{Action: ActionAnnounce, TransactionId: tx.Id() + 1})
	c.Check(d.Dispatch(buf.Bytes(), nil), qt.IsNotNil)
	select {
	case <-got:
		t.Fatal("mismatched transaction delivered")
	default:
	}
}

// A response with the wrong transaction id must not abort a pending request;
// the matching response that follows still completes it.
func TestRequestIgnoresMismatchedTransaction(t *testing.T) {
	var cl Client
	var d Dispatcher
	cl.Dispatcher = &d
	written := make(chan []byte, 16)
	cl.Writer = writerFunc(func(p []byte) (int, error) {
		written <- append([]byte(nil), p...)
		return len(p), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		err := cl.doConnectRoundTrip(ctx)
		done <- err
	}()

	req := <-written
	var h RequestHeader
	require.NoError(t, Read(bytes.NewReader(req), &h))
	require.EqualValues(t, ActionConnect, h.Action)

	// Feed garbage with a different transaction id first.
	var buf bytes.Buffer
	Write(&buf, ResponseHeader{Action: ActionConnect, TransactionId: h.TransactionId + 1})
	Write(&buf, ConnectionResponse{ConnectionId: 42})
	d.Dispatch(buf.Bytes(), nil)

	buf.Reset()
	Write(&buf, ResponseHeader{Action: ActionConnect, TransactionId: h.TransactionId})
	Write(&buf, ConnectionResponse{ConnectionId: 0xcafe})
	require.NoError(t, d.Dispatch(buf.Bytes(), nil))

	require.NoError(t, <-done)
	require.EqualValues(t, 0xcafe, cl.connId)
}

type writerFunc func(p []byte) (int, error)

func (me writerFunc) Write(p []byte) (int, error) {
	return me(p)
}
