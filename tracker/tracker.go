package tracker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"github.com/anacrolix/log"

	trHttp "github.com/rclarey/torrent/tracker/http"
	"github.com/rclarey/torrent/tracker/udp"
)

type (
	AnnounceRequest  = udp.AnnounceRequest
	AnnounceResponse = trHttp.AnnounceResponse
	AnnounceEvent    = udp.AnnounceEvent
	Peer             = trHttp.Peer
)

const (
	None      = udp.AnnounceEventNone
	Started   = udp.AnnounceEventStarted
	Completed = udp.AnnounceEventCompleted
	Stopped   = udp.AnnounceEventStopped
)

var ErrBadScheme = errors.New("unknown scheme")

type Announce struct {
	Context    context.Context
	TrackerUrl string
	Request    AnnounceRequest
	HostHeader string
	UserAgent  string
	HttpProxy  func(*http.Request) (*url.URL, error)
	ClientIp4  net.IP
	ClientIp6  net.IP
	// The network to use for UDP announces, such as "udp4". Defaults to
	// "udp".
	UdpNetwork string
	Logger     log.Logger
}

func (me Announce) context() context.Context {
	if me.Context != nil {
		return me.Context
	}
	return context.Background()
}

func (me Announce) Do() (res AnnounceResponse, err error) {
	_url, err := url.Parse(me.TrackerUrl)
	if err != nil {
		return
	}
	switch _url.Scheme {
	case "http", "https":
		cl := trHttp.NewClient(_url, trHttp.NewClientOpts{
			Proxy: me.HttpProxy,
		})
		return cl.Announce(me.context(), me.Request, trHttp.AnnounceOpt{
			UserAgent:  me.UserAgent,
			HostHeader: me.HostHeader,
			ClientIp4:  me.ClientIp4,
			ClientIp6:  me.ClientIp6,
		})
	case "udp", "udp4", "udp6":
		return announceUDP(me, _url)
	default:
		err = ErrBadScheme
		return
	}
}
