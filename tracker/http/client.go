package httpTracker

import (
	"net/http"
	"net/url"
	"time"
)

type Client struct {
	hc   *http.Client
	url_ *url.URL
}

type NewClientOpts struct {
	Proxy func(*http.Request) (*url.URL, error)
}

func NewClient(u *url.URL, opts NewClientOpts) Client {
	return Client{
		url_: u,
		hc: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				Proxy:               opts.Proxy,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}
