package udp

import (
	"context"
	"net"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/log"
)

type NewConnClientOpts struct {
	// The network to operate over, such as "udp", "udp4" or "udp6".
	Network string
	// Tracker address.
	Host string
	// Logger to use for dispatch errors.
	Logger log.Logger
}

// Manages a Client with a specific connection.
type ConnClient struct {
	Client  Client
	conn    net.PacketConn
	d       Dispatcher
	readErr error
	closed  bool
	newOpts NewConnClientOpts
}

func (cc *ConnClient) reader() {
	b := make([]byte, 0x800)
	for {
		n, addr, err := cc.conn.ReadFrom(b)
		if err != nil {
			// TODO: Do bad things to the dispatcher, and incoming calls to
			// the client if we have a read error.
			cc.readErr = err
			break
		}
		err = cc.d.Dispatch(b[:n], addr)
		if err != nil {
			cc.logger().Levelf(log.Debug, "dispatching packet received on %v (%q): %v", cc.conn, string(b[:n]), err)
		}
	}
}

func (cc *ConnClient) logger() log.Logger {
	if cc.newOpts.Logger.IsZero() {
		return log.Default
	}
	return cc.newOpts.Logger
}

// Allows a UDP Client to write packets to an endpoint without knowing about
// the network specifics.
type clientWriter struct {
	pc      net.PacketConn
	network string
	address string
}

func (me clientWriter) Write(p []byte) (n int, err error) {
	addr, err := net.ResolveUDPAddr(me.network, me.address)
	if err != nil {
		return
	}
	return me.pc.WriteTo(p, addr)
}

func NewConnClient(opts NewConnClientOpts) (cc *ConnClient, err error) {
	conn, err := net.ListenPacket(opts.Network, ":0")
	if err != nil {
		return
	}
	cc = &ConnClient{
		Client: Client{
			Writer: clientWriter{
				pc:      conn,
				network: opts.Network,
				address: opts.Host,
			},
		},
		conn:    conn,
		newOpts: opts,
	}
	cc.Client.Dispatcher = &cc.d
	go cc.reader()
	return
}

func (c *ConnClient) Close() error {
	c.closed = true
	return c.conn.Close()
}

func (c *ConnClient) Announce(
	ctx context.Context, req AnnounceRequest, opts Options,
) (
	h AnnounceResponseHeader, nas krpc.CompactIPv4NodeAddrs, err error,
) {
	return c.Client.Announce(ctx, req, opts)
}

func (c *ConnClient) Scrape(ctx context.Context, ihs []InfoHash) (ScrapeResponse, error) {
	return c.Client.Scrape(ctx, ihs)
}
