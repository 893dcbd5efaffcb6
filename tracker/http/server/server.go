// Package httpTrackerServer feeds announces and scrapes received over HTTP
// into a tracker request stream.
package httpTrackerServer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/anacrolix/log"

	"github.com/rclarey/torrent/bencode"
	httpTracker "github.com/rclarey/torrent/tracker/http"
	trackerServer "github.com/rclarey/torrent/tracker/server"
	"github.com/rclarey/torrent/tracker/udp"
)

// Binds an address and serves tracker requests over HTTP. Implements
// trackerServer.Source.
type Server struct {
	Addr string
	// Used instead of binding Addr when non-nil.
	Listener net.Listener
	// Called to derive an announcer's IP if non-nil. If not specified, the
	// Request.RemoteAddr is used, overridden by the first X-Forwarded-For hop
	// and then an "ip" query parameter. Necessary for instances running
	// behind reverse proxies for example.
	RequestHost func(r *http.Request) (netip.Addr, error)
	Logger      log.Logger
}

func (me *Server) logger() log.Logger {
	if me.Logger.IsZero() {
		return log.Default
	}
	return me.Logger
}

func (me *Server) Serve(ctx context.Context, requests chan<- trackerServer.Request) error {
	l := me.Listener
	if l == nil {
		var err error
		l, err = net.Listen("tcp", me.Addr)
		if err != nil {
			return fmt.Errorf("listening on %q: %w", me.Addr, err)
		}
	}
	srv := http.Server{
		Handler: Handler{
			requests:    requests,
			requestHost: me.RequestHost,
			logger:      me.logger(),
		},
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	err := srv.Serve(l)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

type Handler struct {
	requests    chan<- trackerServer.Request
	requestHost func(r *http.Request) (netip.Addr, error)
	logger      log.Logger
}

func NewHandler(
	requests chan<- trackerServer.Request,
	requestHost func(r *http.Request) (netip.Addr, error),
	logger log.Logger,
) Handler {
	return Handler{
		requests:    requests,
		requestHost: requestHost,
		logger:      logger,
	}
}

// Query values whose escapes decode to raw binary rather than UTF-8. These
// must be pulled byte-verbatim from the raw query before anything re-encodes
// them.
func isBinaryParam(key string) bool {
	switch key {
	case "info_hash", "peer_id", "key":
		return true
	}
	return false
}

// Splits a raw query, decoding binary values with the tracker escaping and
// leaving the rest to the stdlib. Repeated keys accumulate.
func parseQuery(rawQuery string) (params map[string][]string, err error) {
	params = make(map[string][]string)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		if isBinaryParam(key) {
			b, err := httpTracker.UnescapeBinary(value)
			if err != nil {
				return nil, fmt.Errorf("bad escape in %q: %w", key, err)
			}
			params[key] = append(params[key], string(b))
			continue
		}
		decoded, err := url.QueryUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("bad escape in %q: %w", key, err)
		}
		params[key] = append(params[key], decoded)
	}
	return
}

func first(params map[string][]string, key string) string {
	if vs := params[key]; len(vs) != 0 {
		return vs[0]
	}
	return ""
}

// The announcer's IP, per the precedence socket < X-Forwarded-For < ip
// param.
func (me Handler) requestAddr(r *http.Request, params map[string][]string) (addr netip.Addr, err error) {
	if me.requestHost != nil {
		return me.requestHost(r)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return
	}
	addr, err = netip.ParseAddr(host)
	if err != nil {
		return
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hop, _, _ := strings.Cut(xff, ",")
		if parsed, xffErr := netip.ParseAddr(strings.TrimSpace(hop)); xffErr == nil {
			addr = parsed
		}
	}
	if ipParam := first(params, "ip"); ipParam != "" {
		if parsed, ipErr := netip.ParseAddr(ipParam); ipErr == nil {
			addr = parsed
		}
	}
	return
}

func (me Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch strings.TrimSuffix(r.URL.Path, "/") {
	case "/announce":
		me.serveAnnounce(w, r)
	case "/scrape":
		me.serveScrape(w, r)
	default:
		http.NotFound(w, r)
	}
}

func bencodeFailure(w http.ResponseWriter, reason string) error {
	return bencode.NewEncoder(w).Encode(map[string]string{
		"failure reason": reason,
	})
}

func (me Handler) serveAnnounce(w http.ResponseWriter, r *http.Request) {
	params, err := parseQuery(r.URL.RawQuery)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req udp.AnnounceRequest
	if len(first(params, "info_hash")) != 20 {
		http.Error(w, "info_hash has wrong length", http.StatusBadRequest)
		return
	}
	copy(req.InfoHash[:], first(params, "info_hash"))
	if len(first(params, "peer_id")) != 20 {
		http.Error(w, "peer_id has wrong length", http.StatusBadRequest)
		return
	}
	copy(req.PeerId[:], first(params, "peer_id"))
	err = req.Event.UnmarshalText([]byte(first(params, "event")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	portU64, _ := strconv.ParseUint(first(params, "port"), 10, 16)
	req.Port = uint16(portU64)
	req.Uploaded, _ = strconv.ParseInt(first(params, "uploaded"), 10, 64)
	req.Downloaded, _ = strconv.ParseInt(first(params, "downloaded"), 10, 64)
	req.Left, err = strconv.ParseInt(first(params, "left"), 10, 64)
	if err != nil {
		req.Left = -1
	}
	if numWantStr := first(params, "numwant"); numWantStr != "" {
		nw, err := strconv.ParseInt(numWantStr, 10, 32)
		if err == nil {
			req.NumWant = int32(nw)
		} else {
			req.NumWant = -1
		}
	} else {
		req.NumWant = -1
	}
	// Any byte length is accepted here; only the low 4 bytes are retained.
	if key := first(params, "key"); key != "" {
		var k int32
		for _, b := range []byte(key) {
			k = k<<8 | int32(b)
		}
		req.Key = k
	}
	compact := first(params, "compact") == "1"

	addr, err := me.requestAddr(r, params)
	if err != nil {
		me.logger.Levelf(log.Warning, "error getting requester IP: %v", err)
		http.Error(w, "error determining your IP", http.StatusBadGateway)
		return
	}
	source := netip.AddrPortFrom(addr, req.Port)

	done := make(chan struct{})
	ar := &trackerServer.AnnounceRequest{
		AnnounceRequest: req,
		Source:          source,
	}
	ar.RespondFunc = func(resp trackerServer.AnnounceResponse) error {
		defer close(done)
		var body httpTracker.HttpResponse
		body.Interval = resp.Interval
		body.Complete = resp.Seeders
		body.Incomplete = resp.Leechers
		body.Peers.Compact = resp.Compact && compact
		body.Peers.List = resp.Peers
		return bencode.NewEncoder(w).Encode(body)
	}
	ar.RejectFunc = func(reason string) error {
		defer close(done)
		return bencodeFailure(w, reason)
	}

	select {
	case me.requests <- trackerServer.Request{Announce: ar}:
	case <-r.Context().Done():
		return
	}
	select {
	case <-done:
	case <-r.Context().Done():
	}
}

func (me Handler) serveScrape(w http.ResponseWriter, r *http.Request) {
	params, err := parseQuery(r.URL.RawQuery)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var ihs []trackerServer.InfoHash
	for _, s := range params["info_hash"] {
		if len(s) != 20 {
			http.Error(w, "info_hash has wrong length", http.StatusBadRequest)
			return
		}
		var ih trackerServer.InfoHash
		copy(ih[:], s)
		ihs = append(ihs, ih)
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	addr, _ := netip.ParseAddr(host)

	done := make(chan struct{})
	sr := &trackerServer.ScrapeRequest{
		InfoHashes: ihs,
		Source:     netip.AddrPortFrom(addr, 0),
	}
	sr.RespondFunc = func(resp trackerServer.ScrapeResponse) error {
		defer close(done)
		files := make(map[string]udp.ScrapeInfohashResult, len(resp))
		for ih, result := range resp {
			files[string(ih[:])] = result
		}
		return bencode.NewEncoder(w).Encode(map[string]interface{}{
			"files": files,
		})
	}
	sr.RejectFunc = func(reason string) error {
		defer close(done)
		return bencodeFailure(w, reason)
	}

	select {
	case me.requests <- trackerServer.Request{Scrape: sr}:
	case <-r.Context().Done():
		return
	}
	select {
	case <-done:
	case <-r.Context().Done():
	}
}
