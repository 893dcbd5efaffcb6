package trackerServer

import (
	"context"
	"math/rand"
	"net/netip"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/rclarey/torrent/tracker/udp"
)

const (
	// Peers that haven't announced for this long are swept.
	DefaultPeerExpiry = 15 * time.Minute
	// What we tell peers to wait between announces.
	DefaultAnnounceInterval = 15 * time.Minute
	// Peers returned per announce when the announcer doesn't say.
	defaultNumWant = 50
)

type swarmPeer struct {
	peerId      [20]byte
	addr        netip.AddrPort
	seeder      bool
	lastUpdated time.Time
}

type swarm struct {
	complete   int32
	incomplete int32
	downloaded int32
	// Keyed by the peer's dialable ip:port.
	peers map[netip.AddrPort]*swarmPeer
}

// A tracker that keeps all swarm state in memory. Implements Handler.
type InMemory struct {
	AnnounceInterval time.Duration
	PeerExpiry       time.Duration
	Logger           log.Logger

	mu     sync.Mutex
	swarms map[InfoHash]*swarm
}

func NewInMemory(logger log.Logger) *InMemory {
	return &InMemory{
		AnnounceInterval: DefaultAnnounceInterval,
		PeerExpiry:       DefaultPeerExpiry,
		Logger:           logger,
		swarms:           make(map[InfoHash]*swarm),
	}
}

func (me *InMemory) logger() log.Logger {
	if me.Logger.IsZero() {
		return log.Default
	}
	return me.Logger
}

func (me *InMemory) HandleAnnounce(ctx context.Context, req *AnnounceRequest) {
	resp := me.trackAnnounce(req)
	err := req.Respond(resp)
	if err != nil {
		me.logger().Levelf(log.Warning, "error responding to announce from %v: %v", req.Source, err)
	}
}

func (me *InMemory) trackAnnounce(req *AnnounceRequest) AnnounceResponse {
	me.mu.Lock()
	defer me.mu.Unlock()

	g.MakeMapIfNil(&me.swarms)
	sw, ok := me.swarms[req.InfoHash]
	if !ok {
		sw = &swarm{peers: make(map[netip.AddrPort]*swarmPeer)}
		me.swarms[req.InfoHash] = sw
	}

	key := req.Source
	if req.Event == udp.AnnounceEventStopped {
		if p, ok := sw.peers[key]; ok {
			sw.dropPeer(p, key)
		}
		return me.responseLocked(sw, key, 0)
	}

	seeder := req.Event == udp.AnnounceEventCompleted || req.Left == 0
	p, ok := sw.peers[key]
	if !ok {
		p = &swarmPeer{
			peerId: req.PeerId,
			addr:   key,
			seeder: seeder,
		}
		sw.peers[key] = p
		if seeder {
			sw.complete++
		} else {
			sw.incomplete++
		}
		if req.Event == udp.AnnounceEventCompleted {
			sw.downloaded++
		}
	} else if seeder != p.seeder {
		if seeder {
			sw.complete++
			sw.incomplete--
			sw.downloaded++
		} else {
			sw.complete--
			sw.incomplete++
		}
		p.seeder = seeder
	}
	p.peerId = req.PeerId
	p.lastUpdated = time.Now()

	numWant := int(req.NumWant)
	if numWant < 0 {
		numWant = defaultNumWant
	}
	return me.responseLocked(sw, key, numWant)
}

// Assembles a response with a uniform random sample of up to numWant peers,
// never including the requester itself.
func (me *InMemory) responseLocked(sw *swarm, requester netip.AddrPort, numWant int) (resp AnnounceResponse) {
	resp.Interval = int32(me.AnnounceInterval / time.Second)
	resp.Seeders = sw.complete
	resp.Leechers = sw.incomplete
	resp.Compact = true
	if numWant == 0 {
		return
	}
	others := make([]*swarmPeer, 0, len(sw.peers))
	for key, p := range sw.peers {
		if key == requester {
			continue
		}
		others = append(others, p)
	}
	if numWant > len(others) {
		numWant = len(others)
	}
	for _, i := range rand.Perm(len(others))[:numWant] {
		p := others[i]
		resp.Peers = append(resp.Peers, Peer{
			IP:   p.addr.Addr().AsSlice(),
			Port: int(p.addr.Port()),
			ID:   append([]byte(nil), p.peerId[:]...),
		})
	}
	return
}

func (sw *swarm) dropPeer(p *swarmPeer, key netip.AddrPort) {
	if p.seeder {
		sw.complete--
	} else {
		sw.incomplete--
	}
	delete(sw.peers, key)
}

func (me *InMemory) HandleScrape(ctx context.Context, req *ScrapeRequest) {
	me.mu.Lock()
	resp := make(ScrapeResponse)
	ihs := req.InfoHashes
	if len(ihs) == 0 {
		for ih := range me.swarms {
			ihs = append(ihs, ih)
		}
	}
	for _, ih := range ihs {
		var result udp.ScrapeInfohashResult
		if sw, ok := me.swarms[ih]; ok {
			result = udp.ScrapeInfohashResult{
				Seeders:   sw.complete,
				Completed: sw.downloaded,
				Leechers:  sw.incomplete,
			}
		}
		resp[ih] = result
	}
	me.mu.Unlock()
	err := req.Respond(resp)
	if err != nil {
		me.logger().Levelf(log.Warning, "error responding to scrape from %v: %v", req.Source, err)
	}
}

// Periodically evicts peers that haven't announced within PeerExpiry. Locks
// per swarm so announce handling can interleave with a large sweep.
func (me *InMemory) Run(ctx context.Context) error {
	ticker := time.NewTicker(me.PeerExpiry)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			me.sweep(time.Now().Add(-me.PeerExpiry))
		}
	}
}

func (me *InMemory) sweep(deadline time.Time) {
	me.mu.Lock()
	ihs := make([]InfoHash, 0, len(me.swarms))
	for ih := range me.swarms {
		ihs = append(ihs, ih)
	}
	me.mu.Unlock()
	for _, ih := range ihs {
		me.mu.Lock()
		sw, ok := me.swarms[ih]
		if ok {
			var evicted int
			for key, p := range sw.peers {
				if p.lastUpdated.Before(deadline) {
					sw.dropPeer(p, key)
					evicted++
				}
			}
			if evicted != 0 {
				me.logger().Levelf(log.Debug, "swept %v stale peers from %x", evicted, ih)
			}
		}
		me.mu.Unlock()
	}
}
