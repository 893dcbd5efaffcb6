package main

import (
	"log"
	"math"
	"net/url"
	"sync"

	"github.com/anacrolix/tagflag"
	"github.com/davecgh/go-spew/spew"

	"github.com/rclarey/torrent/metainfo"
	"github.com/rclarey/torrent/tracker"
)

func main() {
	flags := struct {
		Port uint16
		tagflag.StartPos
		Torrents []string `arity:"+"`
	}{
		Port: 6881,
	}
	tagflag.Parse(&flags)
	ar := tracker.AnnounceRequest{
		NumWant: -1,
		Left:    math.MaxInt64,
		Port:    flags.Port,
	}
	var wg sync.WaitGroup
	for _, arg := range flags.Torrents {
		mi, err := metainfo.LoadFromFile(arg)
		if err != nil {
			log.Fatal(err)
		}
		ar.InfoHash = mi.HashInfoBytes()
		wg.Add(1)
		go doTracker(mi.Announce, ar, wg.Done)
	}
	wg.Wait()
}

func doTracker(tURI string, ar tracker.AnnounceRequest, done func()) {
	defer done()
	for _, res := range announces(tURI, ar) {
		err := res.error
		resp := res.AnnounceResponse
		if err != nil {
			log.Printf("error announcing to %q: %s", tURI, err)
			continue
		}
		log.Printf("tracker response from %q: %s", tURI, spew.Sdump(resp))
	}
}

type announceResult struct {
	tracker.AnnounceResponse
	error
}

func announces(uri string, ar tracker.AnnounceRequest) (ret []announceResult) {
	u, err := url.Parse(uri)
	if err != nil {
		return []announceResult{{error: err}}
	}
	a := tracker.Announce{
		TrackerUrl: uri,
		Request:    ar,
	}
	if u.Scheme == "udp" {
		a.UdpNetwork = "udp4"
		ret = append(ret, announce(a))
		a.UdpNetwork = "udp6"
		ret = append(ret, announce(a))
		return
	}
	return []announceResult{announce(a)}
}

func announce(a tracker.Announce) announceResult {
	resp, err := a.Do()
	return announceResult{resp, err}
}
