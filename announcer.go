package torrent

import (
	"context"
	"time"

	"github.com/anacrolix/log"

	"github.com/rclarey/torrent/tracker"
)

// What we wait before retrying a tracker that errored or returned no
// interval.
const defaultAnnounceInterval = 5 * time.Minute

// The announce loop for a torrent. Runs until the torrent is closed; fires a
// final stopped announce on the way out. After the first announce the event
// resets to none and numwant to zero, until something asks for more peers.
func (t *Torrent) announcer() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-t.closed.Done()
		cancel()
	}()

	event := tracker.Started
	numWant := int32(50)
	for {
		interval := defaultAnnounceInterval
		res, err := t.announce(ctx, event, numWant)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			t.logger.Levelf(log.Warning, "error announcing to %q: %v", t.announceUrl, err)
		} else {
			event = tracker.None
			numWant = 0
			t.addPeers(res.Peers)
			if res.Interval > 0 {
				interval = time.Duration(res.Interval) * time.Second
			}
		}

		// Grab the signal before sleeping so a wake that arrives while we
		// were announcing isn't lost.
		wake := t.wantPeersEvent.Signaled()
		select {
		case <-t.closed.Done():
		case <-time.After(interval):
		case <-wake:
			numWant = 50
		}
		if t.closed.IsSet() {
			break
		}
	}

	// Let the tracker reclaim our slot promptly.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_, err := t.announce(stopCtx, tracker.Stopped, 0)
	if err != nil {
		t.logger.Levelf(log.Debug, "error sending stopped announce: %v", err)
	}
}

func (t *Torrent) announce(ctx context.Context, event tracker.AnnounceEvent, numWant int32) (tracker.AnnounceResponse, error) {
	return tracker.Announce{
		Context:    ctx,
		TrackerUrl: t.announceUrl,
		Request:    t.announceRequest(event, numWant),
		UserAgent:  t.cl.config.HTTPUserAgent,
		Logger:     t.logger,
	}.Do()
}
