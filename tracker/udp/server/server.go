// Package udpTrackerServer feeds announces and scrapes received over UDP
// into a tracker request stream, implementing the server half of the BEP 15
// connect challenge.
package udpTrackerServer

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	trackerServer "github.com/rclarey/torrent/tracker/server"
	"github.com/rclarey/torrent/tracker/udp"
)

type ConnectionTrackerAddr = string

type ConnectionTracker interface {
	Add(ctx context.Context, addr ConnectionTrackerAddr, id udp.ConnectionId) error
	Check(ctx context.Context, addr ConnectionTrackerAddr, id udp.ConnectionId) (bool, error)
}

// How long a connection id issued to a client stays valid.
const DefaultConnectionIdTtl = 2 * time.Minute

// In-memory ConnectionTracker with timed expiry.
type connectionTracker struct {
	ttl time.Duration

	mu     sync.Mutex
	issued map[connectionKey]time.Time
}

type connectionKey struct {
	addr ConnectionTrackerAddr
	id   udp.ConnectionId
}

func NewConnectionTracker(ttl time.Duration) ConnectionTracker {
	return &connectionTracker{
		ttl:    ttl,
		issued: make(map[connectionKey]time.Time),
	}
}

func (me *connectionTracker) Add(ctx context.Context, addr ConnectionTrackerAddr, id udp.ConnectionId) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.expireLocked()
	me.issued[connectionKey{addr, id}] = time.Now().Add(me.ttl)
	return nil
}

func (me *connectionTracker) Check(ctx context.Context, addr ConnectionTrackerAddr, id udp.ConnectionId) (bool, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	deadline, ok := me.issued[connectionKey{addr, id}]
	if ok && time.Now().After(deadline) {
		delete(me.issued, connectionKey{addr, id})
		ok = false
	}
	return ok, nil
}

func (me *connectionTracker) expireLocked() {
	now := time.Now()
	for key, deadline := range me.issued {
		if now.After(deadline) {
			delete(me.issued, key)
		}
	}
}

// Minimum datagram sizes per action, per BEP 15.
const (
	connectRequestLen  = 16
	announceRequestLen = 98
	scrapeRequestLen   = 16
)

// Binds an address and serves tracker requests over UDP. Implements
// trackerServer.Source.
type Server struct {
	Addr string
	// Used instead of binding Addr when non-nil.
	PacketConn  net.PacketConn
	ConnTracker ConnectionTracker
	Logger      log.Logger
}

func (me *Server) logger() log.Logger {
	if me.Logger.IsZero() {
		return log.Default
	}
	return me.Logger
}

func (me *Server) Serve(ctx context.Context, requests chan<- trackerServer.Request) error {
	pc := me.PacketConn
	if pc == nil {
		var err error
		pc, err = net.ListenPacket("udp", me.Addr)
		if err != nil {
			return fmt.Errorf("listening on %q: %w", me.Addr, err)
		}
	}
	go func() {
		<-ctx.Done()
		pc.Close()
	}()
	if me.ConnTracker == nil {
		me.ConnTracker = NewConnectionTracker(DefaultConnectionIdTtl)
	}
	var b [0x800]byte
	for {
		n, addr, err := pc.ReadFrom(b[:])
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		body := append([]byte(nil), b[:n]...)
		err = me.handleRequest(ctx, pc, addr, body, requests)
		if err != nil {
			me.logger().Levelf(log.Debug, "handling %v byte request from %v: %v", n, addr, err)
		}
	}
}

func (me *Server) sendResponse(pc net.PacketConn, addr net.Addr, data []byte) error {
	n, err := pc.WriteTo(data, addr)
	if err != nil {
		return err
	}
	if n < len(data) {
		return io.ErrShortWrite
	}
	return nil
}

func (me *Server) sendError(pc net.PacketConn, addr net.Addr, tid udp.TransactionId, reason string) error {
	var buf bytes.Buffer
	udp.Write(&buf, udp.ResponseHeader{
		Action:        udp.ActionError,
		TransactionId: tid,
	})
	buf.WriteString(reason)
	return me.sendResponse(pc, addr, buf.Bytes())
}

func (me *Server) handleRequest(
	ctx context.Context,
	pc net.PacketConn,
	addr net.Addr,
	body []byte,
	requests chan<- trackerServer.Request,
) error {
	if len(body) < connectRequestLen {
		// Can't even parse a header; nothing useful to reply to.
		return fmt.Errorf("packet too short: %v bytes", len(body))
	}
	var r bytes.Reader
	r.Reset(body)
	var h udp.RequestHeader
	err := udp.Read(&r, &h)
	if err != nil {
		return fmt.Errorf("reading request header: %w", err)
	}
	switch h.Action {
	case udp.ActionConnect:
		return me.handleConnect(ctx, pc, addr, h)
	case udp.ActionAnnounce:
		return me.handleAnnounce(ctx, pc, addr, h, &r, len(body), requests)
	case udp.ActionScrape:
		return me.handleScrape(ctx, pc, addr, h, &r, requests)
	default:
		if ok, _ := me.ConnTracker.Check(ctx, addr.String(), h.ConnectionId); ok {
			me.sendError(pc, addr, h.TransactionId, "unknown action")
		}
		return fmt.Errorf("unimplemented action %v", h.Action)
	}
}

func (me *Server) handleConnect(ctx context.Context, pc net.PacketConn, addr net.Addr, h udp.RequestHeader) error {
	if h.ConnectionId != udp.ConnectRequestConnectionId {
		return fmt.Errorf("connect with bad magic %x", h.ConnectionId)
	}
	connId := randomConnectionId()
	err := me.ConnTracker.Add(ctx, addr.String(), connId)
	if err != nil {
		return fmt.Errorf("recording conn id: %w", err)
	}
	var buf bytes.Buffer
	udp.Write(&buf, udp.ResponseHeader{
		Action:        udp.ActionConnect,
		TransactionId: h.TransactionId,
	})
	udp.Write(&buf, udp.ConnectionResponse{ConnectionId: connId})
	return me.sendResponse(pc, addr, buf.Bytes())
}

func (me *Server) handleAnnounce(
	ctx context.Context,
	pc net.PacketConn,
	addr net.Addr,
	h udp.RequestHeader,
	r *bytes.Reader,
	packetLen int,
	requests chan<- trackerServer.Request,
) error {
	ok, err := me.ConnTracker.Check(ctx, addr.String(), h.ConnectionId)
	if err != nil {
		return fmt.Errorf("checking conn id: %w", err)
	}
	if !ok {
		// Unknown connection ids are dropped without a reply, so we can't be
		// used to reflect traffic.
		return fmt.Errorf("incorrect connection id: %x", h.ConnectionId)
	}
	if packetLen < announceRequestLen {
		me.sendError(pc, addr, h.TransactionId, "announce packet too short")
		return fmt.Errorf("announce packet too short: %v bytes", packetLen)
	}
	var req udp.AnnounceRequest
	err = udp.Read(r, &req)
	if err != nil {
		me.sendError(pc, addr, h.TransactionId, "malformed announce")
		return err
	}
	source, err := announceAddr(addr, &req)
	if err != nil {
		return err
	}

	ar := &trackerServer.AnnounceRequest{
		AnnounceRequest: req,
		Source:          source,
	}
	ar.RespondFunc = func(resp trackerServer.AnnounceResponse) error {
		var buf bytes.Buffer
		udp.Write(&buf, udp.ResponseHeader{
			Action:        udp.ActionAnnounce,
			TransactionId: h.TransactionId,
		})
		udp.Write(&buf, udp.AnnounceResponseHeader{
			Interval: resp.Interval,
			Leechers: resp.Leechers,
			Seeders:  resp.Seeders,
		})
		nas := make([]krpc.NodeAddr, 0, len(resp.Peers))
		for _, p := range resp.Peers {
			ip4 := p.IP.To4()
			if ip4 == nil {
				continue
			}
			nas = append(nas, krpc.NodeAddr{
				IP:   ip4,
				Port: p.Port,
			})
		}
		b, err := krpc.CompactIPv4NodeAddrs(nas).MarshalBinary()
		if err != nil {
			return fmt.Errorf("marshalling compact node addrs: %w", err)
		}
		buf.Write(b)
		return me.sendResponse(pc, addr, buf.Bytes())
	}
	ar.RejectFunc = func(reason string) error {
		return me.sendError(pc, addr, h.TransactionId, reason)
	}

	select {
	case requests <- trackerServer.Request{Announce: ar}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (me *Server) handleScrape(
	ctx context.Context,
	pc net.PacketConn,
	addr net.Addr,
	h udp.RequestHeader,
	r *bytes.Reader,
	requests chan<- trackerServer.Request,
) error {
	ok, err := me.ConnTracker.Check(ctx, addr.String(), h.ConnectionId)
	if err != nil {
		return fmt.Errorf("checking conn id: %w", err)
	}
	if !ok {
		return fmt.Errorf("incorrect connection id: %x", h.ConnectionId)
	}
	if r.Len()%20 != 0 {
		me.sendError(pc, addr, h.TransactionId, "malformed scrape")
		return fmt.Errorf("scrape body has %v bytes", r.Len())
	}
	var ihs []trackerServer.InfoHash
	for r.Len() != 0 {
		var ih trackerServer.InfoHash
		udp.Read(r, &ih)
		ihs = append(ihs, ih)
	}
	source, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return err
	}

	sr := &trackerServer.ScrapeRequest{
		InfoHashes: ihs,
		Source:     source,
	}
	sr.RespondFunc = func(resp trackerServer.ScrapeResponse) error {
		var buf bytes.Buffer
		udp.Write(&buf, udp.ResponseHeader{
			Action:        udp.ActionScrape,
			TransactionId: h.TransactionId,
		})
		// Results go back in request order.
		for _, ih := range ihs {
			udp.Write(&buf, resp[ih])
		}
		return me.sendResponse(pc, addr, buf.Bytes())
	}
	sr.RejectFunc = func(reason string) error {
		return me.sendError(pc, addr, h.TransactionId, reason)
	}

	select {
	case requests <- trackerServer.Request{Scrape: sr}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// The address peers should dial the announcer on: the packet source, with
// the announced port applied when one was given.
func announceAddr(addr net.Addr, req *udp.AnnounceRequest) (_ netip.AddrPort, err error) {
	source, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return
	}
	if req.Port != 0 {
		source = netip.AddrPortFrom(source.Addr(), req.Port)
	}
	return source, nil
}

func randomConnectionId() udp.ConnectionId {
	var b [8]byte
	_, err := rand.Read(b[:])
	if err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint64(b[:])
}
