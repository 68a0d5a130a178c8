package controller

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/skalenetwork/skale-consensus-sub001/bft"
	"github.com/skalenetwork/skale-consensus-sub001/finalize"
	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
	"github.com/skalenetwork/skale-consensus-sub001/store"
)

var _ bft.DecisionHandler = new(Controller)

// ProposalSource reports which proposer slots of a block are known to be available network wide
type ProposalSource interface {
	AvailabilityVector(id lib.BlockId) (lib.AvailabilityVector, bool)
}

// Application consumes committed blocks in increasing BlockId order
type Application interface {
	OnBlockDecided(id lib.BlockId, slot uint64, b *lib.Block)
}

// Store is the persistence the controller needs on top of the resolver's
type Store interface {
	finalize.BlockStore
	PreviousBlockHash(id lib.BlockId) ([]byte, lib.ErrorI)
	CommitBlock(b *lib.Block) lib.ErrorI
	SaveDecisionCertificate(c *lib.DecisionCertificate) lib.ErrorI
	OutboundMessages(id lib.BlockId) ([][]byte, lib.ErrorI)
	PruneOutbound(below lib.BlockId) lib.ErrorI
}

// Resolver turns a decided proposer slot into its block
type Resolver interface {
	Resolve(ctx context.Context, id lib.BlockId, slot uint64) (*lib.Block, lib.ErrorI)
}

// Network is the consensus message plane: verified inbound envelopes and reliable outbound broadcast
type Network interface {
	Service
	Inbox() <-chan *lib.Envelope
	Broadcast(ctx context.Context, msg lib.Message) lib.ErrorI
	Requeue(envelopes [][]byte)
}

// Service is a background component started and stopped with the controller
type Service interface {
	Start(ctx context.Context) lib.ErrorI
	Stop()
}

// Controller acts as the 'manager' of the modules of the node. A single dispatcher goroutine owns the
// coordinator and the router; everything else reaches it through channels.
type Controller struct {
	Config lib.Config
	n      uint64

	coordinator *bft.Coordinator
	router      *bft.Router
	network     Network
	resolver    Resolver
	services    []Service // started after the network, stopped in reverse
	store       Store
	proposals   ProposalSource
	app         Application

	resolved chan *lib.Block
	pending  map[lib.BlockId]*lib.Block // resolved ahead of the commit order
	started  map[lib.BlockId]time.Time  // agreement start per block, for commit latency

	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	metrics *lib.Metrics
	log     lib.LoggerI
}

// New() creates a Controller wired to the production modules: the zmq transport, the reliable broadcaster,
// the fragment server and the fragment resolver, all backed by db
func New(c lib.Config, keys *crypto.NodeKeys, db *store.Store, proposals ProposalSource, app Application, metrics *lib.Metrics, l lib.LoggerI) (*Controller, lib.ErrorI) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	self, ok := c.Node(c.SelfSlot)
	if !ok {
		return nil, lib.ErrInvalidConfig("self slot not in node list")
	}
	if !bytes.Equal(self.PublicKey, keys.PrivateKey.PublicKey().Bytes()) {
		return nil, ErrNodeKeyMismatch(c.SelfSlot, "ed25519")
	}
	if !bytes.Equal(self.BLSPublicKey, keys.BLSPrivateKey.PublicKey().Bytes()) {
		return nil, ErrNodeKeyMismatch(c.SelfSlot, "bls")
	}
	network, err := newP2PNetwork(c.P2PConfig, c.SelfSlot, keys.PrivateKey, db, metrics, l)
	if err != nil {
		return nil, err
	}
	blsPublicKeys := BLSPublicKeys(c.P2PConfig)
	client := finalize.NewClient(c.FinalizeConfig, c.P2PConfig, l)
	resolver := finalize.NewResolver(c.FinalizeConfig, c.SelfSlot, blsPublicKeys, db, client, metrics, l)
	server := finalize.NewServer(c.FinalizeConfig, c.NodeCount(), db, l)
	return newController(c, keys.BLSPrivateKey, db, network, resolver, proposals, app, metrics, l, server)
}

// newController() assembles a Controller from its dependencies
func newController(c lib.Config, blsKey crypto.PrivateKeyI, db Store, network Network, resolver Resolver, proposals ProposalSource,
	app Application, metrics *lib.Metrics, l lib.LoggerI, services ...Service) (*Controller, lib.ErrorI) {
	controller := &Controller{
		Config:    c,
		n:         c.NodeCount(),
		network:   network,
		resolver:  resolver,
		services:  services,
		store:     db,
		proposals: proposals,
		app:       app,
		resolved:  make(chan *lib.Block, c.MaxActiveConsensuses),
		pending:   make(map[lib.BlockId]*lib.Block),
		started:   make(map[lib.BlockId]time.Time),
		metrics:   metrics,
		log:       l,
	}
	coordinator, err := bft.NewCoordinator(controller.n, c.SelfSlot, blsKey, BLSPublicKeys(c.P2PConfig), &outbox{controller}, controller, metrics, l)
	if err != nil {
		return nil, err
	}
	controller.coordinator = coordinator
	controller.router = bft.NewRouter(db.LastCommitted(), c.ConsensusConfig, coordinator, metrics, l)
	return controller, nil
}

// Start() begins the network and the background services, then runs the dispatcher until ctx is cancelled or Stop() is called
func (c *Controller) Start(ctx context.Context) lib.ErrorI {
	c.ctx, c.stop = context.WithCancel(ctx)
	if err := c.network.Start(c.ctx); err != nil {
		return err
	}
	for _, s := range c.services {
		if err := s.Start(c.ctx); err != nil {
			c.network.Stop()
			return err
		}
	}
	c.resendOutbound()
	c.wg.Add(1)
	go c.dispatch()
	return nil
}

// Stop() terminates the dispatcher and every service
func (c *Controller) Stop() {
	if c.stop == nil {
		return
	}
	c.stop()
	c.wg.Wait()
	for i := len(c.services) - 1; i >= 0; i-- {
		c.services[i].Stop()
	}
	c.network.Stop()
}

// LastCommitted() returns the id of the last committed block
func (c *Controller) LastCommitted() lib.BlockId { return c.store.LastCommitted() }

// dispatch() is the only goroutine touching the coordinator and the router
func (c *Controller) dispatch() {
	defer c.wg.Done()
	defer lib.CatchPanic(c.log)
	sweep := time.NewTicker(c.Config.DeferredSweep())
	defer sweep.Stop()
	poll := time.NewTicker(time.Duration(c.Config.AvailabilityPollMS) * time.Millisecond)
	defer poll.Stop()
	c.tryStartNext()
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.network.Inbox():
			c.router.Route(bft.Inbound{Sender: env.Sender, Message: env.Message})
		case b := <-c.resolved:
			c.onResolved(b)
		case <-sweep.C:
			c.router.Sweep()
		case <-poll.C:
			c.tryStartNext()
		}
	}
}

// resendOutbound() queues this node's own messages for blocks that may still be under agreement after a restart
func (c *Controller) resendOutbound() {
	last := c.store.LastCommitted()
	var envelopes [][]byte
	for id := last + 1; id <= last+lib.BlockId(c.Config.MaxActiveConsensuses); id++ {
		msgs, err := c.store.OutboundMessages(id)
		if err != nil {
			c.log.Errorf("Loading outbound messages of block %d failed: %s", id, err.Error())
			continue
		}
		envelopes = append(envelopes, msgs...)
	}
	if len(envelopes) == 0 {
		return
	}
	c.log.Infof("Resending %d outbound messages from before the restart", len(envelopes))
	c.network.Requeue(envelopes)
}

// BLSPublicKeys() returns the BLS keys of the peer set indexed by slot-1
func BLSPublicKeys(config lib.P2PConfig) [][]byte {
	keys := make([][]byte, config.NodeCount())
	for _, node := range config.Nodes {
		if node.Slot >= 1 && node.Slot <= uint64(len(keys)) {
			keys[node.Slot-1] = node.BLSPublicKey
		}
	}
	return keys
}
