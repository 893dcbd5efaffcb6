// Package trackerServer multiplexes validated announce and scrape requests
// from HTTP and UDP listeners into a single stream for a tracker
// implementation to consume.
package trackerServer

import (
	"context"
	"net/netip"

	"golang.org/x/sync/errgroup"

	trHttp "github.com/rclarey/torrent/tracker/http"
	"github.com/rclarey/torrent/tracker/udp"
)

type InfoHash = [20]byte

type Peer = trHttp.Peer

// A validated announce, plus the capabilities to get a response back to the
// sender. Transports set RespondFunc/RejectFunc; consumers must call exactly
// one of Respond or Reject.
type AnnounceRequest struct {
	udp.AnnounceRequest
	// The announcer's address as the transport saw it, with the announced
	// port applied when one was given.
	Source netip.AddrPort

	RespondFunc func(AnnounceResponse) error
	RejectFunc  func(reason string) error
}

func (me *AnnounceRequest) Respond(resp AnnounceResponse) error {
	return me.RespondFunc(resp)
}

func (me *AnnounceRequest) Reject(reason string) error {
	return me.RejectFunc(reason)
}

type AnnounceResponse struct {
	Interval int32
	Leechers int32
	Seeders  int32
	Peers    []Peer
	// Respond with the 6-bytes-per-peer form where the transport has a
	// choice.
	Compact bool
}

// A scrape, with the same response capabilities as AnnounceRequest. An empty
// InfoHashes means "everything you track".
type ScrapeRequest struct {
	InfoHashes []InfoHash
	Source     netip.AddrPort

	RespondFunc func(ScrapeResponse) error
	RejectFunc  func(reason string) error
}

func (me *ScrapeRequest) Respond(resp ScrapeResponse) error {
	return me.RespondFunc(resp)
}

func (me *ScrapeRequest) Reject(reason string) error {
	return me.RejectFunc(reason)
}

type ScrapeResponse map[InfoHash]udp.ScrapeInfohashResult

// Exactly one of the fields is non-nil.
type Request struct {
	Announce *AnnounceRequest
	Scrape   *ScrapeRequest
}

// A listener that produces requests, such as the HTTP and UDP transports.
// Serve returns when ctx is cancelled or the listener fails.
type Source interface {
	Serve(ctx context.Context, requests chan<- Request) error
}

// What consumes the unified request stream.
type Handler interface {
	HandleAnnounce(ctx context.Context, req *AnnounceRequest)
	HandleScrape(ctx context.Context, req *ScrapeRequest)
}

// Restricts the infohashes a server will track. A nil Filter allows
// everything.
type Filter func(InfoHash) bool

func AllowList(ihs []InfoHash) Filter {
	allowed := make(map[InfoHash]struct{}, len(ihs))
	for _, ih := range ihs {
		allowed[ih] = struct{}{}
	}
	return func(ih InfoHash) bool {
		_, ok := allowed[ih]
		return ok
	}
}

// Runs all the sources, fanning their requests in to the handler, until ctx
// is cancelled or a source fails. Announces for filtered infohashes are
// rejected without reaching the handler; filtered scrape hashes are dropped
// from the request.
func Serve(ctx context.Context, h Handler, filter Filter, sources ...Source) error {
	requests := make(chan Request)
	eg, ctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		eg.Go(func() error {
			return src.Serve(ctx, requests)
		})
	}
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case req := <-requests:
				serveRequest(ctx, h, filter, req)
			}
		}
	})
	return eg.Wait()
}

func serveRequest(ctx context.Context, h Handler, filter Filter, req Request) {
	switch {
	case req.Announce != nil:
		if filter != nil && !filter(req.Announce.InfoHash) {
			req.Announce.Reject("info hash not tracked here")
			return
		}
		h.HandleAnnounce(ctx, req.Announce)
	case req.Scrape != nil:
		if filter != nil {
			kept := req.Scrape.InfoHashes[:0]
			for _, ih := range req.Scrape.InfoHashes {
				if filter(ih) {
					kept = append(kept, ih)
				}
			}
			if len(kept) == 0 && len(req.Scrape.InfoHashes) != 0 {
				req.Scrape.Reject("no tracked info hashes in scrape")
				return
			}
			req.Scrape.InfoHashes = kept
		}
		h.HandleScrape(ctx, req.Scrape)
	}
}
