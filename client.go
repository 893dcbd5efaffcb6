package torrent

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/rclarey/torrent/metainfo"
	pp "github.com/rclarey/torrent/peer_protocol"
	"github.com/rclarey/torrent/storage"
)

// Clients contain zero or more Torrents. A Client manages a blocklist-free
// listen socket shared by all its torrents, and the peer id presented to the
// rest of the swarm.
type Client struct {
	config *ClientConfig
	logger log.Logger

	peerID      [20]byte
	announceKey int32

	listener  net.Listener
	closed    chansync.SetOnce
	ctx       context.Context
	ctxCancel context.CancelFunc

	mu       sync.Mutex
	torrents map[metainfo.Hash]*Torrent
}

func NewClient(cfg *ClientConfig) (cl *Client, err error) {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	if cfg.Logger.IsZero() {
		cfg.Logger = log.Default
	}
	if cfg.DefaultStorage == nil {
		cfg.DefaultStorage = storage.NewMemory()
	}
	cl = &Client{
		config:   cfg,
		logger:   cfg.Logger,
		torrents: make(map[metainfo.Hash]*Torrent),
	}
	cl.ctx, cl.ctxCancel = context.WithCancel(context.Background())

	o := copy(cl.peerID[:], cfg.Bep20)
	_, err = rand.Read(cl.peerID[o:])
	if err != nil {
		panic("error generating peer id")
	}
	var keyBytes [4]byte
	rand.Read(keyBytes[:])
	cl.announceKey = int32(binary.BigEndian.Uint32(keyBytes[:]))

	cl.listener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		return nil, fmt.Errorf("opening listen socket: %w", err)
	}
	go cl.acceptConnections()
	if !cfg.NoDefaultPortForwarding {
		go cl.forwardPort()
	}
	return
}

func (cl *Client) PeerID() [20]byte {
	return cl.peerID
}

func (cl *Client) ListenAddr() net.Addr {
	return cl.listener.Addr()
}

func (cl *Client) incomingPeerPort() int {
	return cl.listener.Addr().(*net.TCPAddr).Port
}

func (cl *Client) Close() {
	if !cl.closed.Set() {
		return
	}
	cl.ctxCancel()
	cl.listener.Close()
	cl.mu.Lock()
	torrents := make([]*Torrent, 0, len(cl.torrents))
	for _, t := range cl.torrents {
		torrents = append(torrents, t)
	}
	cl.mu.Unlock()
	for _, t := range torrents {
		t.close()
	}
}

// Starts participating in the torrent's swarm. The metainfo must carry a
// valid info dictionary; a torrent that fails validation is not started.
func (cl *Client) AddTorrent(mi *metainfo.MetaInfo) (*Torrent, error) {
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("unmarshalling info: %w", err)
	}
	infoHash := mi.HashInfoBytes()

	cl.mu.Lock()
	if _, ok := cl.torrents[infoHash]; ok {
		cl.mu.Unlock()
		return nil, errors.New("torrent already added")
	}
	cl.mu.Unlock()

	stor, err := cl.config.DefaultStorage.OpenTorrent(&info, infoHash)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	t := &Torrent{
		cl:          cl,
		infoHash:    infoHash,
		info:        &info,
		storage:     stor,
		announceUrl: mi.Announce,
		logger:      cl.logger.WithContextText(fmt.Sprintf("torrent %v", infoHash)),
		bitfield:    make([]bool, info.NumPieces()),
		conns:       make(map[[20]byte]*peerConn),
		dialing:     make(map[string]struct{}),
	}
	t.verifyStorage()

	cl.mu.Lock()
	if _, ok := cl.torrents[infoHash]; ok {
		cl.mu.Unlock()
		stor.Close()
		return nil, errors.New("torrent already added")
	}
	cl.torrents[infoHash] = t
	cl.mu.Unlock()

	if t.announceUrl != "" && !cl.config.DisableTrackers {
		go t.announcer()
	}
	return t, nil
}

func (cl *Client) Torrent(ih metainfo.Hash) (t *Torrent, ok bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	t, ok = cl.torrents[ih]
	return
}

// Stops participating in the swarm: peers are disconnected, the announcer
// stops after telling the tracker, and storage is released.
func (cl *Client) DropTorrent(ih metainfo.Hash) error {
	cl.mu.Lock()
	t, ok := cl.torrents[ih]
	delete(cl.torrents, ih)
	cl.mu.Unlock()
	if !ok {
		return errors.New("no such torrent")
	}
	t.close()
	return nil
}

func (cl *Client) acceptConnections() {
	for {
		conn, err := cl.listener.Accept()
		if err != nil {
			if cl.closed.IsSet() {
				return
			}
			cl.logger.Levelf(log.Warning, "error accepting connection: %v", err)
			return
		}
		go cl.incomingConnection(conn)
	}
}

func (cl *Client) incomingConnection(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(cl.config.HandshakesTimeout))
	res, err := pp.ReceiveHandshake(conn, cl.peerID, pp.PeerExtensionBits{}, func(ih metainfo.Hash) bool {
		_, ok := cl.Torrent(ih)
		return ok
	})
	if err != nil {
		cl.logger.Levelf(log.Debug, "inbound handshake from %v failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	if res.PeerID == cl.peerID {
		conn.Close()
		return
	}
	t, ok := cl.Torrent(res.Hash)
	if !ok {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	t.runConnection(conn, res.PeerID)
}
