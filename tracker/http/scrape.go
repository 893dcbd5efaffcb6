package httpTracker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/anacrolix/missinggo/httptoo"

	"github.com/rclarey/torrent/bencode"
	"github.com/rclarey/torrent/metainfo"
	"github.com/rclarey/torrent/tracker/udp"
)

type scrapeResponse struct {
	Files files `bencode:"files"`
}

// The dict keys are raw infohashes; bencode byte-string keys come through as
// Go strings so nothing is lost.
type files = map[string]udp.ScrapeInfohashResult

// Derives the scrape URL from an announce URL per BEP 48: the last path
// component must be "announce", and becomes "scrape".
func ScrapeURL(announce *url.URL) (*url.URL, error) {
	u := httptoo.CopyURL(announce)
	i := strings.LastIndex(u.Path, "/")
	if u.Path[i+1:] != "announce" {
		return nil, errors.New("announce URL has no announce path component to derive scrape from")
	}
	u.Path = u.Path[:i+1] + "scrape"
	return u, nil
}

func (cl Client) Scrape(ctx context.Context, ihs []metainfo.Hash) (out udp.ScrapeResponse, err error) {
	_url, err := ScrapeURL(cl.url_)
	if err != nil {
		return
	}
	var q strings.Builder
	if _url.RawQuery != "" {
		q.WriteString(_url.RawQuery)
	}
	for _, ih := range ihs {
		if q.Len() != 0 {
			q.WriteByte('&')
		}
		q.WriteString("info_hash=")
		q.WriteString(EscapeBinary(ih.Bytes()))
	}
	_url.RawQuery = q.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, _url.String(), nil)
	if err != nil {
		return
	}
	req.Header.Set("Cache-Control", "no-store")
	resp, err := cl.hc.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	var decodedResp scrapeResponse
	err = bencode.NewDecoder(resp.Body).Decode(&decodedResp)
	if err != nil {
		return
	}
	for _, ih := range ihs {
		out = append(out, decodedResp.Files[ih.AsString()])
	}
	return
}
