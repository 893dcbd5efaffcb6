package torrent

import (
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/rclarey/torrent/metainfo"
	pp "github.com/rclarey/torrent/peer_protocol"
	"github.com/rclarey/torrent/storage"
	"github.com/rclarey/torrent/tracker"
)

// Maintains state for a single swarm we participate in: the pieces we hold,
// the peers we're connected to, and the announce loop feeding us more.
type Torrent struct {
	cl          *Client
	infoHash    metainfo.Hash
	info        *metainfo.Info
	storage     storage.Torrent
	announceUrl string
	logger      log.Logger

	closed         chansync.SetOnce
	wantPeersEvent chansync.BroadcastCond

	mu       sync.Mutex
	bitfield []bool
	conns    map[[20]byte]*peerConn
	// Addresses with a dial in flight, so tracker responses don't double up.
	dialing    map[string]struct{}
	uploaded   int64
	downloaded int64
}

func (t *Torrent) InfoHash() metainfo.Hash {
	return t.infoHash
}

func (t *Torrent) Info() *metainfo.Info {
	return t.info
}

func (t *Torrent) Name() string {
	return t.info.Name
}

func (t *Torrent) String() string {
	return t.Name()
}

func (t *Torrent) NumPieces() int {
	return t.info.NumPieces()
}

func (t *Torrent) numConns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Torrent) havePiece(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitfield[index]
}

func (t *Torrent) BytesCompleted() (ret int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesCompletedLocked()
}

func (t *Torrent) bytesCompletedLocked() (ret int64) {
	for i, have := range t.bitfield {
		if have {
			ret += t.info.Piece(i).Length()
		}
	}
	return
}

func (t *Torrent) bytesLeft() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info.TotalLength() - t.bytesCompletedLocked()
}

// Wakes the announcer to ask the tracker for more peers before the usual
// interval elapses.
func (t *Torrent) RequestMorePeers() {
	t.wantPeersEvent.Broadcast()
}

// When storage holds the complete payload, marks each piece whose data
// matches its hash, so a pre-seeded torrent announces as a seed and serves
// requests immediately. Storage that is only partly filled marks nothing.
func (t *Torrent) verifyStorage() {
	if !t.storage.Exists() {
		return
	}
	for i := 0; i < t.NumPieces(); i++ {
		p := t.info.Piece(i)
		b, err := t.storage.Get(p.Offset(), p.Length())
		if err != nil || b == nil {
			continue
		}
		if metainfo.HashBytes(b) == p.Hash() {
			t.mu.Lock()
			t.bitfield[i] = true
			t.mu.Unlock()
		}
	}
}

// Runs a fully established connection: advertise our bitfield, then serve
// the read loop until the peer errors or we're closed. Any exit removes the
// peer from the registry and closes the socket.
func (t *Torrent) runConnection(conn net.Conn, peerId [20]byte) {
	c := &peerConn{
		t:           t,
		conn:        conn,
		peerId:      peerId,
		logger:      t.logger.WithContextText(fmt.Sprintf("peer %x", peerId[:4])),
		amChoking:   true,
		peerChoking: true,
	}
	defer c.close()
	if !t.addConn(c) {
		return
	}
	defer t.deleteConn(c)

	// The bitfield must be the first message, even if we have nothing.
	t.mu.Lock()
	bf := append([]bool(nil), t.bitfield...)
	t.mu.Unlock()
	err := c.post(pp.Message{Type: pp.Bitfield, Bitfield: bf})
	if err != nil {
		c.logger.Levelf(log.Debug, "error sending bitfield: %v", err)
		return
	}

	err = c.mainReadLoop()
	if err != nil {
		c.logger.Levelf(log.Debug, "read loop finished: %v", err)
	}
}

func (t *Torrent) addConn(c *peerConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.IsSet() {
		return false
	}
	if old, ok := t.conns[c.peerId]; ok {
		// Latest connection for a peer id wins.
		old.close()
	}
	t.conns[c.peerId] = c
	return true
}

func (t *Torrent) deleteConn(c *peerConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[c.peerId] == c {
		delete(t.conns, c.peerId)
	}
}

// Handles one inbound message for the peer. A non-nil return tears down the
// session.
func (t *Torrent) onMessage(c *peerConn, msg *pp.Message) error {
	switch msg.Type {
	case pp.Bitfield:
		return t.onBitfield(c, msg.Bitfield)
	}
	t.mu.Lock()
	c.gotFirst = true
	t.mu.Unlock()
	switch msg.Type {
	case pp.Choke:
		t.mu.Lock()
		c.peerChoking = true
		t.mu.Unlock()
	case pp.Unchoke:
		t.mu.Lock()
		c.peerChoking = false
		t.mu.Unlock()
	case pp.Interested:
		t.mu.Lock()
		c.peerInterested = true
		// We serve anyone who asks.
		err := c.setAmChoking(false)
		t.mu.Unlock()
		return err
	case pp.NotInterested:
		t.mu.Lock()
		c.peerInterested = false
		err := c.setAmChoking(true)
		t.mu.Unlock()
		return err
	case pp.Have:
		return t.onHave(c, msg.Index.Int())
	case pp.Request:
		return t.onRequest(c, msg.RequestSpec())
	case pp.Piece:
		return t.onPiece(c, msg)
	case pp.Cancel:
		// Requests are served synchronously, so there's never a queued
		// request to withdraw.
		c.logger.Levelf(log.Debug, "peer cancelled %v", msg.RequestSpec())
	default:
		return fmt.Errorf("unexpected message type %v", msg.Type)
	}
	return nil
}

func (t *Torrent) onBitfield(c *peerConn, bf []bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.gotBitfield || c.gotFirst {
		return fmt.Errorf("bitfield out of sequence")
	}
	c.gotBitfield = true
	c.gotFirst = true
	if len(bf) < t.NumPieces() || len(bf) >= t.NumPieces()+8 {
		return fmt.Errorf("bitfield has %v bits for %v pieces", len(bf), t.NumPieces())
	}
	for _, spare := range bf[t.NumPieces():] {
		if spare {
			return fmt.Errorf("spare bit set in bitfield")
		}
	}
	c.peerBitfield = append([]bool(nil), bf[:t.NumPieces()]...)
	return nil
}

func (t *Torrent) onHave(c *peerConn, index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index >= t.NumPieces() {
		return fmt.Errorf("have for piece %v of %v", index, t.NumPieces())
	}
	if c.peerBitfield == nil {
		c.peerBitfield = make([]bool, t.NumPieces())
	}
	c.peerBitfield[index] = true
	return nil
}

func (t *Torrent) onRequest(c *peerConn, r pp.RequestSpec) error {
	err := validateRequestSpec(t.info, r)
	if err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	t.mu.Lock()
	choking := c.amChoking
	t.mu.Unlock()
	if choking {
		// No reply for peers we're choking.
		return nil
	}
	b, err := t.storage.Get(
		int64(r.Index)*t.info.PieceLength+int64(r.Begin), int64(r.Length))
	if err != nil {
		c.logger.Levelf(log.Error, "storage read for %v failed: %v", r, err)
		return nil
	}
	if b == nil {
		return nil
	}
	if lim := t.cl.config.UploadRateLimiter; lim != nil {
		err = lim.WaitN(t.cl.ctx, len(b))
		if err != nil {
			return nil
		}
	}
	err = c.post(pp.Message{
		Type:  pp.Piece,
		Index: r.Index,
		Begin: r.Begin,
		Piece: b,
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.uploaded += int64(len(b))
	t.mu.Unlock()
	return nil
}

func (t *Torrent) onPiece(c *peerConn, msg *pp.Message) error {
	r := msg.RequestSpec()
	err := validateReceivedChunk(t.info, r)
	if err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}
	err = t.storage.Set(int64(r.Index)*t.info.PieceLength+int64(r.Begin), msg.Piece)
	if err != nil {
		// Storage trouble doesn't kill the session; we just don't make
		// progress on this piece.
		c.logger.Levelf(log.Error, "storage write for %v failed: %v", r, err)
		return nil
	}
	t.mu.Lock()
	t.downloaded += int64(len(msg.Piece))
	t.mu.Unlock()
	t.checkPieceCompletion(r.Index.Int())
	return nil
}

// If the piece is fully present in storage and its hash matches, mark it
// held and tell everyone.
func (t *Torrent) checkPieceCompletion(index int) {
	if t.havePiece(index) {
		return
	}
	p := t.info.Piece(index)
	b, err := t.storage.Get(p.Offset(), p.Length())
	if err != nil || b == nil {
		return
	}
	if metainfo.HashBytes(b) != p.Hash() {
		t.logger.Levelf(log.Warning, "piece %v failed hash check", index)
		return
	}
	t.mu.Lock()
	if t.bitfield[index] {
		t.mu.Unlock()
		return
	}
	t.bitfield[index] = true
	conns := make([]*peerConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		go func(c *peerConn) {
			err := c.post(pp.Message{Type: pp.Have, Index: pp.Integer(index)})
			if err != nil {
				c.logger.Levelf(log.Debug, "error sending have: %v", err)
			}
		}(c)
	}
}

// Dials tracker-provided peers we aren't already talking to.
func (t *Torrent) addPeers(peers []tracker.Peer) {
	for _, p := range peers {
		addr := net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port))
		var expectId [20]byte
		hasId := copy(expectId[:], p.ID) == 20
		if hasId && expectId == t.cl.peerID {
			continue
		}
		t.mu.Lock()
		_, alreadyDialing := t.dialing[addr]
		if !alreadyDialing {
			t.dialing[addr] = struct{}{}
		}
		t.mu.Unlock()
		if alreadyDialing {
			continue
		}
		go t.outgoingConnection(addr, expectId, hasId)
	}
}

func (t *Torrent) outgoingConnection(addr string, expectId [20]byte, hasId bool) {
	defer func() {
		t.mu.Lock()
		delete(t.dialing, addr)
		t.mu.Unlock()
	}()
	conn, err := net.DialTimeout("tcp", addr, t.cl.config.HandshakesTimeout)
	if err != nil {
		t.logger.Levelf(log.Debug, "error dialing %v: %v", addr, err)
		return
	}
	conn.SetDeadline(time.Now().Add(t.cl.config.HandshakesTimeout))
	res, err := pp.Handshake(conn, t.infoHash, t.cl.peerID, pp.PeerExtensionBits{})
	if err != nil {
		t.logger.Levelf(log.Debug, "handshake with %v failed: %v", addr, err)
		conn.Close()
		return
	}
	if res.Hash != t.infoHash {
		t.logger.Levelf(log.Debug, "%v handshook for the wrong swarm", addr)
		conn.Close()
		return
	}
	// The tracker told us who should be here; hold the peer to it.
	if hasId && res.PeerID != expectId {
		t.logger.Levelf(log.Debug, "%v has peer id %x, expected %x", addr, res.PeerID, expectId)
		conn.Close()
		return
	}
	if res.PeerID == t.cl.peerID {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	t.runConnection(conn, res.PeerID)
}

func (t *Torrent) close() {
	if !t.closed.Set() {
		return
	}
	t.mu.Lock()
	conns := make([]*peerConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	t.storage.Close()
}

func (t *Torrent) announceRequest(event tracker.AnnounceEvent, numWant int32) tracker.AnnounceRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return tracker.AnnounceRequest{
		InfoHash:   t.infoHash,
		PeerId:     t.cl.peerID,
		Uploaded:   t.uploaded,
		Downloaded: t.downloaded,
		Left:       t.info.TotalLength() - t.bytesCompletedLocked(),
		Event:      event,
		Key:        t.cl.announceKey,
		NumWant:    numWant,
		Port:       uint16(t.cl.incomingPeerPort()),
	}
}
