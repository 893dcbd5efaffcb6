package torrent

import (
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/upnp"
)

func (cl *Client) addPortMapping(d upnp.Device, proto upnp.Protocol, internalPort int) {
	externalPort, err := d.AddPortMapping(proto, internalPort, internalPort, cl.config.UpnpID, 0)
	if err != nil {
		cl.logger.Levelf(log.Warning, "error adding %s port mapping: %s", proto, err)
	} else if externalPort != internalPort {
		cl.logger.Levelf(log.Warning, "external port %d does not match internal port %d in port mapping", externalPort, internalPort)
	} else {
		cl.logger.Levelf(log.Debug, "forwarded external %s port %d", proto, externalPort)
	}
}

func (cl *Client) forwardPort() {
	ds := upnp.Discover(0, 2*time.Second, cl.logger)
	cl.logger.Levelf(log.Debug, "discovered %d upnp devices", len(ds))
	port := cl.incomingPeerPort()
	for _, d := range ds {
		go cl.addPortMapping(d, upnp.TCP, port)
	}
}
