package p2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
)

/*
	Transport moves signed envelopes between the fixed set of nodes over ZeroMQ: one ROUTER socket
	receives from every peer, one DEALER socket per peer sends. Inbound envelopes are size checked,
	de-duplicated by hash, attributed to their sender slot and signature verified before they are
	handed to the dispatcher.
*/

const inboxSize = 10_000

// Transport is the zmq implementation of Sender plus the inbound side of the network
type Transport struct {
	self    uint64
	config  lib.P2PConfig
	peers   map[uint64]*peer // fixed after construction
	router  zmq4.Socket
	known   *lru.Cache[string, struct{}] // recently seen envelope hashes
	inbox   chan *lib.Envelope
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	metrics *lib.Metrics
	log     lib.LoggerI
}

// peer is the static identity and lazily dialed socket of one remote node
type peer struct {
	info      lib.NodeInfo
	publicKey crypto.PublicKeyI
	mu        sync.Mutex
	dealer    zmq4.Socket
	redialAt  time.Time // sends fail fast until then after a failed dial or send
}

// NewTransport() validates the peer keys of the config; sockets open in Start()
func NewTransport(config lib.P2PConfig, self uint64, metrics *lib.Metrics, log lib.LoggerI) (*Transport, lib.ErrorI) {
	known, err := lru.New[string, struct{}](config.KnownMessageCacheSize)
	if err != nil {
		return nil, lib.ErrInvalidConfig(err.Error())
	}
	t := &Transport{
		self:    self,
		config:  config,
		peers:   make(map[uint64]*peer),
		known:   known,
		inbox:   make(chan *lib.Envelope, inboxSize),
		metrics: metrics,
		log:     log,
	}
	for _, node := range config.Nodes {
		publicKey, e := crypto.NewED25519PublicKeyFromBytes(node.PublicKey)
		if e != nil {
			return nil, ErrInvalidPublicKey(node.Slot, e)
		}
		t.peers[node.Slot] = &peer{info: node, publicKey: publicKey}
	}
	if _, ok := t.peers[self]; !ok {
		return nil, ErrUnknownPeer(self)
	}
	return t, nil
}

// Start() binds the ROUTER socket and starts the receive loop
func (t *Transport) Start(ctx context.Context) lib.ErrorI {
	t.ctx, t.stop = context.WithCancel(ctx)
	t.router = zmq4.NewRouter(t.ctx, zmq4.WithID(t.identity()))
	if err := t.router.Listen(t.config.ListenAddress); err != nil {
		return ErrListenFailed(err)
	}
	t.log.Infof("Listening for consensus messages on %s", t.config.ListenAddress)
	t.wg.Add(1)
	go t.receive()
	return nil
}

// Stop() closes every socket and waits for the receive loop to exit
func (t *Transport) Stop() {
	if t.stop == nil {
		return
	}
	t.stop()
	if t.router != nil {
		_ = t.router.Close()
	}
	for _, p := range t.peers {
		p.mu.Lock()
		if p.dealer != nil {
			_ = p.dealer.Close()
			p.dealer = nil
		}
		p.mu.Unlock()
	}
	t.wg.Wait()
}

// Inbox() returns verified envelopes in arrival order
func (t *Transport) Inbox() <-chan *lib.Envelope { return t.inbox }

// Send() delivers bz to the peer, dialing on first use; after a failed dial or send the socket is dropped and
// sends fail fast until RedialBackoffMS passed
func (t *Transport) Send(slot uint64, bz []byte) lib.ErrorI {
	p, ok := t.peers[slot]
	if !ok || slot == t.self {
		return ErrUnknownPeer(slot)
	}
	if t.ctx == nil || t.ctx.Err() != nil {
		return ErrTransportStopped()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dealer == nil {
		if wait := time.Until(p.redialAt); wait > 0 {
			return ErrPeerBackoff(slot, wait)
		}
		dealer := zmq4.NewDealer(t.ctx,
			zmq4.WithID(t.identity()),
			zmq4.WithDialerTimeout(time.Duration(t.config.DialTimeoutMS)*time.Millisecond),
			zmq4.WithDialerMaxRetries(0),
		)
		if err := dealer.Dial(p.info.ConsensusAddress); err != nil {
			_ = dealer.Close()
			p.redialAt = time.Now().Add(t.redialBackoff())
			return ErrDialFailed(p.info.ConsensusAddress, err)
		}
		p.dealer = dealer
	}
	if err := p.dealer.Send(zmq4.NewMsg(bz)); err != nil {
		_ = p.dealer.Close()
		p.dealer = nil
		p.redialAt = time.Now().Add(t.redialBackoff())
		return ErrSendFailed(slot, err)
	}
	return nil
}

func (t *Transport) redialBackoff() time.Duration {
	return time.Duration(t.config.RedialBackoffMS) * time.Millisecond
}

// receive() reads the ROUTER socket until the transport stops
func (t *Transport) receive() {
	defer t.wg.Done()
	defer lib.CatchPanic(t.log)
	for {
		msg, err := t.router.Recv()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.log.Debugf("Receive failed: %s", err.Error())
			continue
		}
		// the router prepends the sender identity frame; the payload is the last frame
		if len(msg.Frames) == 0 {
			continue
		}
		env, e := t.handle(msg.Frames[len(msg.Frames)-1])
		if e != nil {
			if e.Code() != lib.CodeDuplicateMessage {
				t.log.Warnf("Rejected inbound envelope: %s", e.Error())
				t.metrics.UpdateRejectedMessage()
			}
			continue
		}
		select {
		case t.inbox <- env:
		case <-t.ctx.Done():
			return
		}
	}
}

// handle() validates one raw envelope
func (t *Transport) handle(bz []byte) (*lib.Envelope, lib.ErrorI) {
	if limit := t.config.MaxMessageSize; limit > 0 && len(bz) > limit {
		return nil, lib.ErrMessageTooLarge(len(bz), limit)
	}
	if exists, _ := t.known.ContainsOrAdd(crypto.HashString(bz), struct{}{}); exists {
		return nil, ErrDuplicateMessage()
	}
	env, err := lib.DecodeEnvelope(bz)
	if err != nil {
		return nil, err
	}
	p, ok := t.peers[env.Sender]
	if !ok || env.Sender == t.self {
		return nil, ErrUnknownPeer(env.Sender)
	}
	signBytes, err := env.SignBytes()
	if err != nil {
		return nil, err
	}
	if !p.publicKey.VerifyBytes(signBytes, env.Signature) {
		return nil, ErrInvalidSignature(env.Sender)
	}
	return env, nil
}

func (t *Transport) identity() zmq4.SocketIdentity {
	return zmq4.SocketIdentity(fmt.Sprintf("node-%d", t.self))
}
