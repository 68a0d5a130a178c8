package controller

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
	"github.com/skalenetwork/skale-consensus-sub001/store"
	"github.com/stretchr/testify/require"
)

// testHub connects in-memory networks; a broadcast lands in every other node's inbox immediately
type testHub struct {
	mu      sync.Mutex
	inboxes map[uint64]chan *lib.Envelope
}

func newTestHub() *testHub { return &testHub{inboxes: make(map[uint64]chan *lib.Envelope)} }

func (h *testHub) join(slot uint64) *testNetwork {
	h.mu.Lock()
	defer h.mu.Unlock()
	inbox := make(chan *lib.Envelope, 1<<16)
	h.inboxes[slot] = inbox
	return &testNetwork{hub: h, self: slot, inbox: inbox}
}

// testNetwork is one node's view of the hub
type testNetwork struct {
	hub      *testHub
	self     uint64
	inbox    chan *lib.Envelope
	mu       sync.Mutex
	requeued [][]byte
}

func (n *testNetwork) Start(context.Context) lib.ErrorI { return nil }

func (n *testNetwork) Stop() {}

func (n *testNetwork) Inbox() <-chan *lib.Envelope { return n.inbox }

func (n *testNetwork) Broadcast(ctx context.Context, msg lib.Message) lib.ErrorI {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	for slot, inbox := range n.hub.inboxes {
		if slot == n.self {
			continue
		}
		select {
		case inbox <- &lib.Envelope{Sender: n.self, Message: msg}:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (n *testNetwork) Requeue(envelopes [][]byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requeued = append(n.requeued, envelopes...)
}

// testProposals serves a fixed availability vector for every block up to upTo (0 is every block)
type testProposals struct {
	vector lib.AvailabilityVector
	upTo   lib.BlockId
}

func (p *testProposals) AvailabilityVector(id lib.BlockId) (lib.AvailabilityVector, bool) {
	if p.vector == nil || (p.upTo != 0 && id > p.upTo) {
		return nil, false
	}
	return p.vector, true
}

// testResolver returns the deterministic proposal of every (id, slot)
type testResolver struct{}

func (testResolver) Resolve(_ context.Context, id lib.BlockId, slot uint64) (*lib.Block, lib.ErrorI) {
	return newTestBlock(id, slot), nil
}

// failingResolver fails until healed
type failingResolver struct {
	mu     sync.Mutex
	healed bool
	calls  int
}

func (r *failingResolver) Resolve(_ context.Context, id lib.BlockId, slot uint64) (*lib.Block, lib.ErrorI) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if !r.healed {
		return nil, lib.ErrInvalidArgument()
	}
	return newTestBlock(id, slot), nil
}

func (r *failingResolver) heal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healed = true
}

type testCommit struct {
	id    lib.BlockId
	slot  uint64
	block *lib.Block
}

// testApp records commits and signals each one
type testApp struct {
	mu      sync.Mutex
	commits []testCommit
	events  chan testCommit
}

func newTestApp() *testApp { return &testApp{events: make(chan testCommit, 1024)} }

func (a *testApp) OnBlockDecided(id lib.BlockId, slot uint64, b *lib.Block) {
	a.mu.Lock()
	c := testCommit{id: id, slot: slot, block: b}
	a.commits = append(a.commits, c)
	a.mu.Unlock()
	a.events <- c
}

func (a *testApp) committed() []testCommit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]testCommit(nil), a.commits...)
}

func newTestBlock(id lib.BlockId, slot uint64) *lib.Block {
	return &lib.Block{
		BlockId:      id,
		ProposerSlot: slot,
		Timestamp:    1700000000000 + uint64(id),
		Transactions: []lib.HexBytes{bytes.Repeat([]byte{byte(slot)}, 32)},
	}
}

// newTestConfig() returns a config for n nodes with fast tickers, and the BLS keys of every slot
func newTestConfig(t *testing.T, n int, self uint64) (lib.Config, []crypto.PrivateKeyI) {
	config := lib.DefaultConfig()
	config.SelfSlot = self
	config.AvailabilityPollMS = 10
	config.DeferredSweepMS = 50
	config.RetryBackoffMS = 10
	var keys []crypto.PrivateKeyI
	for slot := uint64(1); slot <= uint64(n); slot++ {
		k, err := crypto.NewBLSPrivateKey()
		require.NoError(t, err)
		keys = append(keys, k)
		config.Nodes = append(config.Nodes, lib.NodeInfo{Slot: slot, BLSPublicKey: k.PublicKey().Bytes()})
	}
	return config, keys
}

func newTestStore(t *testing.T) *store.Store {
	db, err := store.NewStoreInMemory(lib.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
