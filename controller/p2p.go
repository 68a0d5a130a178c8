package controller

import (
	"context"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
	"github.com/skalenetwork/skale-consensus-sub001/p2p"
)

// p2pNetwork joins the zmq transport and the reliable broadcaster into a Network
type p2pNetwork struct {
	transport   *p2p.Transport
	broadcaster *p2p.Broadcaster
	log         lib.LoggerI
}

// newP2PNetwork() creates the transport and a broadcaster that persists every outbound envelope to outbound
func newP2PNetwork(config lib.P2PConfig, self uint64, privateKey crypto.PrivateKeyI, outbound p2p.OutboundLog, metrics *lib.Metrics, l lib.LoggerI) (*p2pNetwork, lib.ErrorI) {
	transport, err := p2p.NewTransport(config, self, metrics, l)
	if err != nil {
		return nil, err
	}
	return &p2pNetwork{
		transport:   transport,
		broadcaster: p2p.NewBroadcaster(config, self, privateKey, transport, outbound, metrics, l),
		log:         l,
	}, nil
}

// Start() opens the sockets and runs the delayed send sweep until ctx is cancelled
func (n *p2pNetwork) Start(ctx context.Context) lib.ErrorI {
	if err := n.transport.Start(ctx); err != nil {
		return err
	}
	go n.broadcaster.StartSweep(ctx)
	return nil
}

func (n *p2pNetwork) Stop() { n.transport.Stop() }

func (n *p2pNetwork) Inbox() <-chan *lib.Envelope { return n.transport.Inbox() }

func (n *p2pNetwork) Broadcast(ctx context.Context, msg lib.Message) lib.ErrorI {
	return n.broadcaster.Broadcast(ctx, msg)
}

func (n *p2pNetwork) Requeue(envelopes [][]byte) { n.broadcaster.Requeue(envelopes) }

// outbox adapts the controller's network to the coordinator's fire and forget bft.Outbox
type outbox struct{ c *Controller }

// Broadcast() blocks the dispatcher until a quorum of peers holds msg or the node stops
func (o *outbox) Broadcast(msg lib.Message) {
	if err := o.c.network.Broadcast(o.c.ctx, msg); err != nil {
		o.c.log.Warnf("Broadcast of %s for %s failed: %s", msg.Kind(), msg.Key(), err.Error())
	}
}
