package p2p

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// testSender delivers to reachable slots and fails for the rest
type testSender struct {
	mu        sync.Mutex
	reachable map[uint64]bool
	sent      map[uint64][][]byte
	attempts  map[uint64]int
	failAfter map[uint64]int // succeed this many times, then fail
}

func newTestSender(reachable ...uint64) *testSender {
	s := &testSender{reachable: make(map[uint64]bool), sent: make(map[uint64][][]byte), attempts: make(map[uint64]int), failAfter: make(map[uint64]int)}
	for _, slot := range reachable {
		s.reachable[slot] = true
	}
	return s
}

func (s *testSender) Send(slot uint64, bz []byte) lib.ErrorI {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[slot]++
	limit, limited := s.failAfter[slot]
	if !s.reachable[slot] || (limited && len(s.sent[slot]) >= limit) {
		return ErrSendFailed(slot, errors.New("unreachable"))
	}
	s.sent[slot] = append(s.sent[slot], bz)
	return nil
}

func (s *testSender) setReachable(slot uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reachable[slot] = true
}

func (s *testSender) sentTo(slot uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent[slot])
}

// testOutbound records persisted envelopes
type testOutbound struct{ saved map[lib.BlockId][][]byte }

func (o *testOutbound) SaveOutbound(id lib.BlockId, bz []byte) lib.ErrorI {
	o.saved[id] = append(o.saved[id], bz)
	return nil
}

func newTestP2PConfig(t *testing.T, n int) (lib.P2PConfig, []crypto.PrivateKeyI) {
	config := lib.DefaultP2PConfig()
	config.BroadcastRetryMS = 10
	config.StallWarnAfterMS = 20
	var keys []crypto.PrivateKeyI
	for slot := uint64(1); slot <= uint64(n); slot++ {
		pk, err := crypto.NewEd25519PrivateKey()
		require.NoError(t, err)
		keys = append(keys, pk)
		config.Nodes = append(config.Nodes, lib.NodeInfo{
			Slot:             slot,
			ConsensusAddress: "tcp://127.0.0.1:0",
			PublicKey:        pk.PublicKey().Bytes(),
		})
	}
	return config, keys
}

var testMsg = &lib.BVBroadcast{BlockId: 3, ProposerSlot: 2, Round: 1, Value: true}

func TestBroadcastQuorum(t *testing.T) {
	tests := []struct {
		name        string
		detail      string
		n           int
		reachable   []uint64
		unreachable []uint64
	}{
		{
			name:        "one of four unreachable",
			detail:      "self plus 2 peers gives 3*3 >= 2*4 so the call returns after one pass",
			n:           4,
			reachable:   []uint64{2, 3},
			unreachable: []uint64{4},
		},
		{
			name:        "two of seven unreachable",
			detail:      "self plus 4 peers gives 3*5 >= 2*7",
			n:           7,
			reachable:   []uint64{2, 3, 4, 5},
			unreachable: []uint64{6, 7},
		},
		{
			name:      "all reachable",
			detail:    "nothing is left for the delayed queues",
			n:         4,
			reachable: []uint64{2, 3, 4},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config, keys := newTestP2PConfig(t, test.n)
			sender, outbound := newTestSender(test.reachable...), &testOutbound{saved: make(map[lib.BlockId][][]byte)}
			b := NewBroadcaster(config, 1, keys[0], sender, outbound, nil, lib.NewNullLogger())
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()
			require.NoError(t, b.Broadcast(ctx, testMsg))
			for _, slot := range test.reachable {
				require.Equal(t, 1, sender.sentTo(slot))
				require.Zero(t, b.Delayed(slot))
			}
			for _, slot := range test.unreachable {
				require.Zero(t, sender.sentTo(slot))
				require.Equal(t, 1, b.Delayed(slot))
			}
			// the envelope was persisted before sending
			require.Len(t, outbound.saved[3], 1)
			// a peer coming back receives the message from its delayed queue
			for _, slot := range test.unreachable {
				sender.setReachable(slot)
			}
			b.SendDelayed()
			for _, slot := range test.unreachable {
				require.Equal(t, 1, sender.sentTo(slot))
				require.Zero(t, b.Delayed(slot))
			}
		})
	}
}

func TestBroadcastSealedEnvelope(t *testing.T) {
	config, keys := newTestP2PConfig(t, 4)
	sender := newTestSender(2, 3, 4)
	b := NewBroadcaster(config, 1, keys[0], sender, nil, nil, lib.NewNullLogger())
	require.NoError(t, b.Broadcast(context.Background(), testMsg))
	env, err := lib.DecodeEnvelope(sender.sent[2][0])
	require.NoError(t, err)
	require.Equal(t, uint64(1), env.Sender)
	require.Equal(t, testMsg, env.Message)
	signBytes, err := env.SignBytes()
	require.NoError(t, err)
	require.True(t, keys[0].PublicKey().VerifyBytes(signBytes, env.Signature))
}

func TestBroadcastBlocksBelowQuorum(t *testing.T) {
	config, keys := newTestP2PConfig(t, 4)
	// self plus one peer is 3*2 < 2*4
	sender := newTestSender(2)
	b := NewBroadcaster(config, 1, keys[0], sender, nil, nil, lib.NewNullLogger())
	done := make(chan lib.ErrorI, 1)
	go func() { done <- b.Broadcast(context.Background(), testMsg) }()
	select {
	case <-done:
		t.Fatal("broadcast returned below quorum")
	case <-time.After(100 * time.Millisecond):
	}
	// the retry loop picks up a peer that becomes reachable
	sender.setReachable(3)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("timeout")
	}
	require.Equal(t, 1, sender.sentTo(2))
	require.Equal(t, 1, sender.sentTo(3))
	require.Equal(t, 1, b.Delayed(4))
}

func TestBroadcastCancelled(t *testing.T) {
	config, keys := newTestP2PConfig(t, 4)
	b := NewBroadcaster(config, 1, keys[0], newTestSender(), nil, nil, lib.NewNullLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Broadcast(ctx, testMsg)
	require.Error(t, err)
	require.Equal(t, lib.CodeBroadcastCancelled, err.Code())
}

func TestDelayedSendQueueOverflow(t *testing.T) {
	q := newDelayedSendQueue(2)
	require.False(t, q.push([]byte("a")))
	require.False(t, q.push([]byte("b")))
	require.True(t, q.push([]byte("c")))
	require.Equal(t, 2, q.len())
	var got []string
	sent, err := q.flush(func(bz []byte) lib.ErrorI {
		got = append(got, string(bz))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, sent)
	require.Equal(t, []string{"b", "c"}, got)
}

func TestDelayedSendQueuePushDuringSend(t *testing.T) {
	q := newDelayedSendQueue(2)
	q.push([]byte("a"))
	q.push([]byte("b"))
	sending, release := make(chan struct{}, 3), make(chan struct{})
	var got []string
	done := make(chan int, 1)
	go func() {
		sent, _ := q.flush(func(bz []byte) lib.ErrorI {
			sending <- struct{}{}
			<-release
			got = append(got, string(bz))
			return nil
		})
		done <- sent
	}()
	select {
	case <-sending:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for the first send")
	}
	// a push while "a" is in flight does not wait for the send and drops "a" at capacity
	pushed := make(chan bool, 1)
	go func() { pushed <- q.push([]byte("c")) }()
	select {
	case dropped := <-pushed:
		require.True(t, dropped)
	case <-time.After(testTimeout):
		t.Fatal("push blocked behind an in-flight send")
	}
	close(release)
	select {
	case sent := <-done:
		require.Equal(t, 3, sent)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for flush")
	}
	// "a" went out once and was not popped twice, so "b" was not lost
	require.Equal(t, []string{"a", "b", "c"}, got)
	require.Zero(t, q.len())
}

func TestSendDelayedStopsOnFailure(t *testing.T) {
	config, keys := newTestP2PConfig(t, 4)
	sender := newTestSender(2, 3)
	b := NewBroadcaster(config, 1, keys[0], sender, nil, nil, lib.NewNullLogger())
	// queue three messages for slot 4
	for round := uint64(0); round < 3; round++ {
		require.NoError(t, b.Broadcast(context.Background(), &lib.BVBroadcast{BlockId: 3, ProposerSlot: 2, Round: round}))
	}
	require.Equal(t, 3, b.Delayed(4))
	// slot 4 comes back but fails again after one message
	sender.setReachable(4)
	sender.mu.Lock()
	sender.failAfter[4] = 1
	sender.mu.Unlock()
	b.SendDelayed()
	require.Equal(t, 1, sender.sentTo(4))
	require.Equal(t, 2, b.Delayed(4))
	// the pass stopped at the first failure: one success plus one failed attempt
	sender.mu.Lock()
	require.Equal(t, 2, sender.attempts[4]-3)
	sender.mu.Unlock()
	// the remaining messages keep their order
	sender.mu.Lock()
	delete(sender.failAfter, 4)
	sender.mu.Unlock()
	b.SendDelayed()
	require.Equal(t, 3, sender.sentTo(4))
	for i, bz := range sender.sent[4] {
		env, err := lib.DecodeEnvelope(bz)
		require.NoError(t, err)
		require.Equal(t, uint64(i), env.Message.(*lib.BVBroadcast).Round)
	}
}

func TestRequeue(t *testing.T) {
	config, keys := newTestP2PConfig(t, 4)
	sender := newTestSender(2, 3, 4)
	b := NewBroadcaster(config, 1, keys[0], sender, nil, nil, lib.NewNullLogger())
	bz, err := b.Seal(testMsg)
	require.NoError(t, err)
	b.Requeue([][]byte{bz, bz})
	for slot := uint64(2); slot <= 4; slot++ {
		require.Equal(t, 2, b.Delayed(slot))
	}
	require.Zero(t, b.Delayed(1))
	b.SendDelayed()
	for slot := uint64(2); slot <= 4; slot++ {
		require.Zero(t, b.Delayed(slot))
		require.Equal(t, 2, sender.sentTo(slot))
	}
}
