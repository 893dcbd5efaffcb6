package torrent

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	pp "github.com/rclarey/torrent/peer_protocol"
)

// The session state for a single connected peer. Field mutation happens
// under the owning Torrent's lock; writes to the socket are serialized
// separately so the read loop and piece acquisition don't contend.
type peerConn struct {
	t      *Torrent
	conn   net.Conn
	peerId [20]byte
	logger log.Logger

	writeMu sync.Mutex
	closed  chansync.SetOnce

	// Protected by t.mu.
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerBitfield   []bool
	gotBitfield    bool
	gotFirst       bool
}

func (c *peerConn) String() string {
	return fmt.Sprintf("%x at %v", c.peerId, c.conn.RemoteAddr())
}

func (c *peerConn) close() {
	if c.closed.Set() {
		c.conn.Close()
	}
}

// Marshals and writes a single message. Serialized so messages from the
// handler path and the piece-acquisition path don't interleave on the wire.
func (c *peerConn) post(msg pp.Message) error {
	b := msg.MustMarshalBinary()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// Whether the remote has the given piece, per its bitfield and haves.
func (c *peerConn) peerHasPiece(index int) bool {
	return index < len(c.peerBitfield) && c.peerBitfield[index]
}

func (c *peerConn) mainReadLoop() (err error) {
	decoder := pp.Decoder{
		R:         bufio.NewReader(c.conn),
		MaxLength: pp.Integer(c.t.cl.config.MaxPeerMessageLength),
	}
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.t.cl.config.PeerReadTimeout))
		var msg pp.Message
		err = decoder.Decode(&msg)
		if err != nil {
			return
		}
		if msg.Keepalive {
			continue
		}
		err = c.t.onMessage(c, &msg)
		if err != nil {
			return
		}
	}
}

func (c *peerConn) setAmInterested(interested bool) error {
	if c.amInterested == interested {
		return nil
	}
	c.amInterested = interested
	mt := pp.Interested
	if !interested {
		mt = pp.NotInterested
	}
	return c.post(pp.Message{Type: mt})
}

func (c *peerConn) setAmChoking(choking bool) error {
	if c.amChoking == choking {
		return nil
	}
	c.amChoking = choking
	mt := pp.Choke
	if !choking {
		mt = pp.Unchoke
	}
	return c.post(pp.Message{Type: mt})
}
