package dispatch

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/wiesiekpap/opentxs-sub020/core/identifier"
	"github.com/wiesiekpap/opentxs-sub020/transport"
	"github.com/wiesiekpap/opentxs-sub020/transport/otxgrpc"
	"golang.org/x/xerrors"
)

// GRPCConnector opens one gRPC connection per notary and reuses it for every
// pair of that notary.
//
// - implements dispatch.Connector
// - implements io.Closer
type GRPCConnector struct {
	sync.Mutex

	addrs   map[identifier.Notary]string
	opts    []otxgrpc.ClientOption
	clients map[identifier.Notary]*otxgrpc.Client
}

// NewGRPCConnector creates a connector to the notaries of the address book.
func NewGRPCConnector(addrs map[identifier.Notary]string, opts ...otxgrpc.ClientOption) *GRPCConnector {
	return &GRPCConnector{
		addrs:   addrs,
		opts:    opts,
		clients: make(map[identifier.Notary]*otxgrpc.Client),
	}
}

// Transport implements dispatch.Connector.
func (c *GRPCConnector) Transport(notary identifier.Notary) (transport.Transport, error) {
	c.Lock()
	defer c.Unlock()

	client, found := c.clients[notary]
	if found {
		return client, nil
	}

	addr, found := c.addrs[notary]
	if !found {
		return nil, xerrors.Errorf("unknown notary %s", notary)
	}

	client, err := otxgrpc.Dial(addr, c.opts...)
	if err != nil {
		return nil, xerrors.Errorf("couldn't dial %s: %v", addr, err)
	}

	c.clients[notary] = client

	return client, nil
}

// Close implements io.Closer. It closes every connection.
func (c *GRPCConnector) Close() error {
	c.Lock()
	defer c.Unlock()

	var result *multierror.Error

	for notary, client := range c.clients {
		err := client.Close()
		if err != nil {
			result = multierror.Append(result, xerrors.Errorf("%s: %v", notary, err))
		}
	}

	c.clients = make(map[identifier.Notary]*otxgrpc.Client)

	return result.ErrorOrNil()
}
