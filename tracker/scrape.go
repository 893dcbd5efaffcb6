package tracker

import (
	"context"
	"net/url"

	"github.com/rclarey/torrent/metainfo"
	trHttp "github.com/rclarey/torrent/tracker/http"
	"github.com/rclarey/torrent/tracker/udp"
)

type ScrapeResponse = udp.ScrapeResponse

// One-shot scrape of the given infohashes against a tracker URL.
func Scrape(ctx context.Context, trackerUrl string, ihs []metainfo.Hash) (res ScrapeResponse, err error) {
	_url, err := url.Parse(trackerUrl)
	if err != nil {
		return
	}
	switch _url.Scheme {
	case "http", "https":
		cl := trHttp.NewClient(_url, trHttp.NewClientOpts{})
		return cl.Scrape(ctx, ihs)
	case "udp", "udp4", "udp6":
		cl, err := udp.NewConnClient(udp.NewConnClientOpts{
			Network: _url.Scheme,
			Host:    _url.Host,
		})
		if err != nil {
			return nil, err
		}
		defer cl.Close()
		udpIhs := make([]udp.InfoHash, len(ihs))
		for i, ih := range ihs {
			udpIhs[i] = ih
		}
		return cl.Scrape(ctx, udpIhs)
	default:
		err = ErrBadScheme
		return
	}
}
