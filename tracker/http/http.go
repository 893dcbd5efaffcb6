package httpTracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/anacrolix/missinggo/httptoo"

	"github.com/rclarey/torrent/bencode"
	"github.com/rclarey/torrent/tracker/udp"
)

type AnnounceOpt struct {
	UserAgent  string
	HostHeader string
	ClientIp4  net.IP
	ClientIp6  net.IP
}

type AnnounceRequest = udp.AnnounceRequest

// The tracker returned a top-level failure reason.
type ErrorResponse struct {
	FailureReason string
}

func (me ErrorResponse) Error() string {
	return fmt.Sprintf("tracker gave failure reason: %q", me.FailureReason)
}

func setAnnounceParams(_url *url.URL, ar *AnnounceRequest, opts AnnounceOpt) {
	numWant := ar.NumWant
	if numWant < 0 {
		numWant = 50
	}
	res := "info_hash" + "=" + EscapeBinary(ar.InfoHash[:]) +
		"&" + "peer_id" + "=" + EscapeBinary(ar.PeerId[:]) +
		// AFAICT, port is mandatory, and there's no implied port key.
		"&" + "port" + "=" + strconv.FormatInt(int64(ar.Port), 10) +
		"&" + "uploaded" + "=" + strconv.FormatInt(ar.Uploaded, 10) +
		"&" + "downloaded" + "=" + strconv.FormatInt(ar.Downloaded, 10) +

		// Negative values of left are used to mean unknown, but some
		// trackers reject anything outside [0, MaxInt64], so any negative
		// value is sent as MaxInt64.
		"&" + "left" + "=" + strconv.FormatInt(func() int64 {
		if ar.Left < 0 {
			return math.MaxInt64
		}
		return ar.Left
	}(), 10) +

		func() (event string) {
			if ar.Event != udp.AnnounceEventNone {
				event = "&" + "event" + "=" + ar.Event.String()
			}
			return
		}() +

		"&" + "numwant" + "=" + strconv.FormatInt(int64(numWant), 10) +

		// http://stackoverflow.com/questions/17418004/why-does-tracker-server-not-understand-my-request-bittorrent-protocol
		"&" + "compact" + "=" + "1" +

		func() (keystr string) {
			if ar.Key != 0 {
				keystr = "&" + "key" + "=" + strconv.FormatInt(int64(ar.Key), 10)
			}
			return
		}() +

		// BEP 3 mentions an "ip" param for announcers whose socket address
		// isn't the one peers should dial.
		func() (ipstr string) {
			if opts.ClientIp4 != nil {
				ipstr = "&" + "ip" + "=" + url.QueryEscape(opts.ClientIp4.String())
			} else if opts.ClientIp6 != nil {
				ipstr = "&" + "ip" + "=" + url.QueryEscape(opts.ClientIp6.String())
			}
			return
		}() +

		func() (qstr string) {
			if qstr = _url.Query().Encode(); qstr != "" {
				qstr = "&" + qstr
			}
			return
		}() +

		""

	_url.RawQuery = res
}

func (cl Client) Announce(ctx context.Context, ar AnnounceRequest, opt AnnounceOpt) (ret AnnounceResponse, err error) {
	_url := httptoo.CopyURL(cl.url_)
	setAnnounceParams(_url, &ar, opt)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, _url.String(), nil)
	if err != nil {
		return
	}
	if opt.UserAgent != "" {
		req.Header.Set("User-Agent", opt.UserAgent)
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Host = opt.HostHeader
	resp, err := cl.hc.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	io.Copy(&buf, resp.Body)
	if resp.StatusCode != 200 {
		err = fmt.Errorf("response from tracker: %s: %s", resp.Status, buf.String())
		return
	}
	var trackerResponse HttpResponse
	err = bencode.Unmarshal(buf.Bytes(), &trackerResponse)
	if _, ok := err.(bencode.ErrUnusedTrailingBytes); ok {
		err = nil
	} else if err != nil {
		err = fmt.Errorf("error decoding %q: %s", buf.Bytes(), err)
		return
	}
	if trackerResponse.FailureReason != "" {
		err = ErrorResponse{FailureReason: trackerResponse.FailureReason}
		return
	}
	vars.Add("successful http announces", 1)
	ret.Interval = trackerResponse.Interval
	ret.Leechers = trackerResponse.Incomplete
	ret.Seeders = trackerResponse.Complete
	ret.Peers = trackerResponse.Peers.List
	return
}

type AnnounceResponse struct {
	Interval int32 // Minimum seconds the local peer should wait before next announce.
	Leechers int32
	Seeders  int32
	Peers    []Peer
}
