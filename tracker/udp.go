package tracker

import (
	"net/url"

	"github.com/rclarey/torrent/tracker/udp"
)

type udpAnnounce struct {
	url url.URL
	a   *Announce
}

func (c *udpAnnounce) Do(req AnnounceRequest) (res AnnounceResponse, err error) {
	cl, err := udp.NewConnClient(udp.NewConnClientOpts{
		Network: c.dialNetwork(),
		Host:    c.url.Host,
		Logger:  c.a.Logger,
	})
	if err != nil {
		return
	}
	defer cl.Close()
	h, nas, err := cl.Announce(c.a.context(), req, udp.Options{RequestUri: c.url.RequestURI()})
	if err != nil {
		return
	}
	res.Interval = h.Interval
	res.Leechers = h.Leechers
	res.Seeders = h.Seeders
	for _, cp := range nas {
		res.Peers = append(res.Peers, Peer{}.FromNodeAddr(cp))
	}
	return
}

func (c *udpAnnounce) dialNetwork() string {
	if c.a.UdpNetwork != "" {
		return c.a.UdpNetwork
	}
	return "udp"
}

func announceUDP(opt Announce, _url *url.URL) (AnnounceResponse, error) {
	ua := udpAnnounce{
		url: *_url,
		a:   &opt,
	}
	return ua.Do(opt.Request)
}
