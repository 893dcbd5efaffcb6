package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/tagflag"

	"github.com/rclarey/torrent/metainfo"
	httpTrackerServer "github.com/rclarey/torrent/tracker/http/server"
	trackerServer "github.com/rclarey/torrent/tracker/server"
	udpTrackerServer "github.com/rclarey/torrent/tracker/udp/server"
)

func main() {
	err := mainErr()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error in main: %v\n", err)
		os.Exit(1)
	}
}

func mainErr() error {
	flags := struct {
		HttpAddr   string        `help:"HTTP listen address, empty to disable"`
		UdpAddr    string        `help:"UDP listen address, empty to disable"`
		Interval   time.Duration `help:"announce interval handed to peers"`
		PeerExpiry time.Duration `help:"how long peers stay listed without announcing"`
		Allowed    string        `help:"comma separated hex infohashes to restrict the tracker to"`
	}{
		HttpAddr:   ":8000",
		UdpAddr:    ":8000",
		Interval:   trackerServer.DefaultAnnounceInterval,
		PeerExpiry: trackerServer.DefaultPeerExpiry,
	}
	tagflag.Parse(&flags)

	var filter trackerServer.Filter
	if flags.Allowed != "" {
		var ihs []trackerServer.InfoHash
		for _, s := range strings.Split(flags.Allowed, ",") {
			h := metainfo.NewHashFromHex(strings.TrimSpace(s))
			ihs = append(ihs, h)
		}
		filter = trackerServer.AllowList(ihs)
	}

	var sources []trackerServer.Source
	if flags.HttpAddr != "" {
		sources = append(sources, &httpTrackerServer.Server{
			Addr:   flags.HttpAddr,
			Logger: log.Default,
		})
	}
	if flags.UdpAddr != "" {
		sources = append(sources, &udpTrackerServer.Server{
			Addr:   flags.UdpAddr,
			Logger: log.Default,
		})
	}
	if len(sources) == 0 {
		return fmt.Errorf("all listeners disabled")
	}

	ctx := context.Background()
	im := trackerServer.NewInMemory(log.Default)
	im.AnnounceInterval = flags.Interval
	im.PeerExpiry = flags.PeerExpiry
	go im.Run(ctx)
	log.Printf("serving on http=%q udp=%q", flags.HttpAddr, flags.UdpAddr)
	return trackerServer.Serve(ctx, im, filter, sources...)
}
