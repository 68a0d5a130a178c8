package bft

import (
	"encoding/binary"
	"testing"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
	"github.com/stretchr/testify/require"
)

func TestSelectWinner(t *testing.T) {
	tests := []struct {
		name     string
		detail   string
		n        uint64
		seed     uint64
		trueSet  []uint64
		falseSet []uint64
		winner   uint64
		decided  bool
	}{
		{
			name:     "three available one missing",
			detail:   "vector [1,1,1,0] with seed mod 4 == 2 scans slot 3 first and it wins",
			n:        4,
			seed:     6,
			trueSet:  []uint64{1, 2, 3},
			falseSet: []uint64{4},
			winner:   3,
			decided:  true,
		},
		{
			name:     "all false",
			detail:   "every instance decided 0 so the empty block N+1 wins",
			n:        4,
			seed:     1,
			falseSet: []uint64{1, 2, 3, 4},
			winner:   5,
			decided:  true,
		},
		{
			name:     "scan stops at undecided slot",
			detail:   "slot 2 is scanned first and has not decided, so no winner yet even though slot 3 is true",
			n:        4,
			seed:     1,
			trueSet:  []uint64{3},
			falseSet: []uint64{1},
			decided:  false,
		},
		{
			name:     "skips false slots",
			detail:   "slot 2 decided false so the scan moves on to slot 3",
			n:        4,
			seed:     1,
			trueSet:  []uint64{3},
			falseSet: []uint64{2},
			winner:   3,
			decided:  true,
		},
		{
			name:     "scan wraps around",
			detail:   "seed 7 starts at slot 4 then wraps to slot 1",
			n:        4,
			seed:     7,
			trueSet:  []uint64{1},
			falseSet: []uint64{4},
			winner:   1,
			decided:  true,
		},
		{
			name:     "nothing decided",
			detail:   "an empty record never selects",
			n:        4,
			seed:     0,
			decided:  false,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			winner, ok := selectWinner(test.n, test.seed, toSet(test.trueSet), toSet(test.falseSet))
			require.Equal(t, test.decided, ok)
			if test.decided {
				require.Equal(t, test.winner, winner)
			}
		})
	}
}

func TestWinnerSeed(t *testing.T) {
	hash := make([]byte, 32)
	binary.LittleEndian.PutUint64(hash, 42)
	tests := []struct {
		name     string
		detail   string
		id       lib.BlockId
		prevHash []byte
		expected uint64
	}{
		{
			name:     "genesis",
			detail:   "block 0 and 1 use seed 1",
			id:       1,
			prevHash: hash,
			expected: 1,
		},
		{
			name:     "short hash",
			detail:   "a hash shorter than 8 bytes falls back to seed 1",
			id:       5,
			prevHash: []byte{1, 2},
			expected: 1,
		},
		{
			name:     "little endian prefix",
			detail:   "the first 8 bytes of the previous hash are read little endian",
			id:       5,
			prevHash: hash,
			expected: 42,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, winnerSeed(test.id, test.prevHash))
		})
	}
}

func TestStartAgreement(t *testing.T) {
	tests := []struct {
		name    string
		detail  string
		vector  lib.AvailabilityVector
		twice   bool
		errCode lib.ErrorCode
	}{
		{
			name:   "enough availability",
			detail: "3 of 4 is more than 2/3",
			vector: lib.AvailabilityVector{true, true, true, false},
		},
		{
			name:    "not enough availability",
			detail:  "2 of 4 is not more than 2/3",
			vector:  lib.AvailabilityVector{true, false, true, false},
			errCode: lib.CodeNotEnoughAvailability,
		},
		{
			name:    "wrong length",
			detail:  "the vector must have N entries",
			vector:  lib.AvailabilityVector{true, true, true},
			errCode: lib.CodeWrongAvailabilityLength,
		},
		{
			name:    "already started",
			detail:  "a block's agreement starts once",
			vector:  lib.AvailabilityVector{true, true, true, true},
			twice:   true,
			errCode: lib.CodeAgreementAlreadyStarted,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, out, _, _ := newTestCoordinator(t, 4, 1)
			err := c.StartAgreement(1, test.vector, testPrevHash)
			if test.twice {
				require.NoError(t, err)
				err = c.StartAgreement(1, test.vector, testPrevHash)
			}
			if test.errCode != 0 {
				require.Error(t, err)
				require.Equal(t, test.errCode, err.Code())
				return
			}
			require.NoError(t, err)
			require.True(t, c.Started(1))
			require.Equal(t, 4, c.registry.Len())
			// every instance broadcast its availability bit at round 0
			require.Len(t, out.sent, 4)
			for i, m := range out.sent {
				bv, ok := m.(*lib.BVBroadcast)
				require.True(t, ok)
				require.Equal(t, uint64(i+1), bv.ProposerSlot)
				require.Equal(t, test.vector[i], bv.Value)
				require.Equal(t, uint64(0), bv.Round)
			}
		})
	}
}

func TestOnChildDecisionOrderings(t *testing.T) {
	type childDecision struct {
		slot  uint64
		value bool
	}
	// a zero previous hash gives seed 0, so the scan order is 1, 2, 3, 4
	zeroHash := make([]byte, 32)
	tests := []struct {
		name   string
		detail string
		order  []childDecision
	}{
		{
			name:   "in scan order",
			detail: "slot 1 false then slot 2 true decides slot 2 immediately",
			order:  []childDecision{{1, false}, {2, true}, {3, false}, {4, true}},
		},
		{
			name:   "winner first",
			detail: "slot 2 true waits on undecided slot 1",
			order:  []childDecision{{2, true}, {4, true}, {3, false}, {1, false}},
		},
		{
			name:   "later slots first",
			detail: "slots 3 and 4 never influence the winner",
			order:  []childDecision{{4, true}, {3, false}, {1, false}, {2, true}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, _, handler, _ := newTestCoordinator(t, 4, 1)
			require.NoError(t, c.StartAgreement(2, lib.AvailabilityVector{true, true, true, true}, zeroHash))
			for _, d := range test.order {
				require.NoError(t, c.OnChildDecision(2, d.slot, d.value))
			}
			// repeated and conflicting reports after the decision are no-ops
			require.NoError(t, c.OnChildDecision(2, 1, true))
			require.Equal(t, []BlockDecision{{BlockId: 2, Slot: 2}}, handler.decisions)
			rec, err := c.Record(2)
			require.NoError(t, err)
			require.True(t, rec.Decided)
			require.Equal(t, uint64(2), rec.Winner)
		})
	}
}

func TestOnChildDecisionErrors(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, 4, 1)
	err := c.OnChildDecision(9, 1, true)
	require.Error(t, err)
	require.Equal(t, lib.CodeUnknownDecisionRecord, err.Code())
	require.NoError(t, c.StartAgreement(1, lib.AvailabilityVector{true, true, true, true}, testPrevHash))
	err = c.OnChildDecision(1, 5, true)
	require.Error(t, err)
	require.Equal(t, lib.CodeInvalidProposerSlot, err.Code())
}

func TestDecisionCertificate(t *testing.T) {
	c, out, handler, keys := newTestCoordinator(t, 4, 1)
	zeroHash := make([]byte, 32)
	require.NoError(t, c.StartAgreement(2, lib.AvailabilityVector{true, true, true, true}, zeroHash))
	share := func(signer int, slot uint64) *lib.BlockSignBroadcast {
		return &lib.BlockSignBroadcast{BlockId: 2, ProposerSlot: slot, SignatureShare: keys[signer].Sign(lib.BlockSignBytes(2, slot))}
	}
	// a share arriving before the local decision is held
	require.NoError(t, c.HandleMessage(2, share(1, 1)))
	require.NoError(t, c.OnChildDecision(2, 1, true))
	require.Len(t, handler.decisions, 1)
	// this node broadcast its own share
	last, ok := out.sent[len(out.sent)-1].(*lib.BlockSignBroadcast)
	require.True(t, ok)
	require.Equal(t, uint64(1), last.ProposerSlot)
	// self + slot 2 is not yet more than 2/3
	require.Empty(t, handler.certificates)
	// a share signed by the wrong key is rejected
	err := c.HandleMessage(3, share(3, 1))
	require.Error(t, err)
	require.Equal(t, lib.CodeInvalidSignatureShare, err.Code())
	// a share for another slot is rejected
	err = c.HandleMessage(3, share(2, 4))
	require.Error(t, err)
	require.Equal(t, lib.CodeMismatchedDecision, err.Code())
	// the third valid share completes the certificate
	require.NoError(t, c.HandleMessage(3, share(2, 1)))
	require.Len(t, handler.certificates, 1)
	// further shares do not produce a second certificate
	require.NoError(t, c.HandleMessage(4, share(3, 1)))
	require.Len(t, handler.certificates, 1)
	// the certificate verifies against the bitmap of signers
	cert := handler.certificates[0]
	require.Equal(t, uint64(1), cert.Slot)
	var publicKeys [][]byte
	for _, k := range keys {
		publicKeys = append(publicKeys, k.PublicKey().Bytes())
	}
	verifier, e := crypto.NewMultiBLS(publicKeys, cert.Bitmap)
	require.NoError(t, e)
	require.Equal(t, 3, verifier.SignerCount())
	require.True(t, verifier.VerifyBytes(lib.BlockSignBytes(2, 1), cert.Signature))
}

func TestDecisionFromSignShares(t *testing.T) {
	c, out, handler, keys := newTestCoordinator(t, 4, 4)
	require.NoError(t, c.StartAgreement(2, lib.AvailabilityVector{true, true, true, true}, make([]byte, 32)))
	share := func(signer int, slot uint64) *lib.BlockSignBroadcast {
		return &lib.BlockSignBroadcast{BlockId: 2, ProposerSlot: slot, SignatureShare: keys[signer].Sign(lib.BlockSignBytes(2, slot))}
	}
	require.NoError(t, c.HandleMessage(1, share(0, 3)))
	// a repeated share from the same sender is not counted twice
	require.NoError(t, c.HandleMessage(1, share(0, 3)))
	// a share signed by the wrong key is rejected before it is held
	err := c.HandleMessage(2, share(2, 3))
	require.Error(t, err)
	require.Equal(t, lib.CodeInvalidSignatureShare, err.Code())
	// a share beyond the empty slot is rejected
	err = c.HandleMessage(2, share(1, 6))
	require.Error(t, err)
	require.Equal(t, lib.CodeInvalidProposerSlot, err.Code())
	require.NoError(t, c.HandleMessage(2, share(1, 3)))
	require.Empty(t, handler.decisions)
	// the third share for the same proposer decides the block without any local instance decision
	require.NoError(t, c.HandleMessage(3, share(2, 3)))
	require.Equal(t, []BlockDecision{{BlockId: 2, Slot: 3}}, handler.decisions)
	rec, e := c.Record(2)
	require.NoError(t, e)
	require.True(t, rec.Decided)
	require.Equal(t, uint64(3), rec.Winner)
	// this node signed the adopted decision and the held shares completed the certificate
	last, ok := out.sent[len(out.sent)-1].(*lib.BlockSignBroadcast)
	require.True(t, ok)
	require.Equal(t, uint64(3), last.ProposerSlot)
	require.Len(t, handler.certificates, 1)
	require.Equal(t, uint64(3), handler.certificates[0].Slot)
	// later instance decisions do not produce a second decision
	require.NoError(t, c.OnChildDecision(2, 1, true))
	require.Len(t, handler.decisions, 1)
}

func TestSignSharesSplitAcrossProposers(t *testing.T) {
	tests := []struct {
		name    string
		detail  string
		slots   []uint64 // claimed proposer of the shares from slots 1, 2, 3
		decided bool
	}{
		{
			name:    "split",
			detail:  "two shares for slot 1 and one for slot 3 is not more than 2/3 for either",
			slots:   []uint64{1, 1, 3},
			decided: false,
		},
		{
			name:    "empty block",
			detail:  "three shares for the empty slot N+1 decide the empty block",
			slots:   []uint64{5, 5, 5},
			decided: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, _, handler, keys := newTestCoordinator(t, 4, 4)
			require.NoError(t, c.StartAgreement(2, lib.AvailabilityVector{true, true, true, true}, make([]byte, 32)))
			for i, slot := range test.slots {
				msg := &lib.BlockSignBroadcast{BlockId: 2, ProposerSlot: slot, SignatureShare: keys[i].Sign(lib.BlockSignBytes(2, slot))}
				require.NoError(t, c.HandleMessage(uint64(i+1), msg))
			}
			if !test.decided {
				require.Empty(t, handler.decisions)
				return
			}
			require.Equal(t, []BlockDecision{{BlockId: 2, Slot: 5, Empty: true}}, handler.decisions)
		})
	}
}

func TestCoordinatorDisconnect(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t, 4, 1)
	require.NoError(t, c.StartAgreement(1, lib.AvailabilityVector{true, true, true, true}, testPrevHash))
	bv := &lib.BVBroadcast{BlockId: 1, ProposerSlot: 3, Round: 0, Value: true}
	require.NoError(t, c.HandleMessage(2, bv))
	c.Disconnect(1)
	require.Equal(t, 0, c.registry.Len())
	// votes for a disconnected block are dropped silently
	require.NoError(t, c.HandleMessage(2, bv))
	// the record survives until pruned so late sign shares can still certify
	require.True(t, c.Started(1))
	c.Prune(2)
	require.False(t, c.Started(1))
	// fragment traffic is not a consensus message
	err := c.HandleMessage(2, &lib.FragmentRequest{BlockId: 1, ProposerSlot: 1, FragmentIndex: 1})
	require.Error(t, err)
	require.Equal(t, lib.CodeUnknownConsensusMessage, err.Code())
}

func TestBlockAgreementNetwork(t *testing.T) {
	const n = 4
	keys, publicKeys := newTestBLSKeys(t, n)
	net := newTestNetwork(n, 3)
	coordinators, handlers := make(map[uint64]*Coordinator), make(map[uint64]*testHandler)
	for slot := uint64(1); slot <= n; slot++ {
		handlers[slot] = &testHandler{}
		c, err := NewCoordinator(n, slot, keys[slot-1], publicKeys, net.outbox(slot), handlers[slot], nil, lib.NewNullLogger())
		require.NoError(t, err)
		coordinators[slot] = c
	}
	net.deliver = func(d testDelivery) {
		_ = coordinators[d.to].HandleMessage(d.from, d.msg)
	}
	// slot 4's proposal is unavailable everywhere
	for slot := uint64(1); slot <= n; slot++ {
		require.NoError(t, coordinators[slot].StartAgreement(1, lib.AvailabilityVector{true, true, true, false}, nil))
	}
	net.run(t, 10_000_000)
	// block 1 uses seed 1: the scan starts at slot 2, which every node saw
	for slot := uint64(1); slot <= n; slot++ {
		require.Equal(t, []BlockDecision{{BlockId: 1, Slot: 2}}, handlers[slot].decisions, "slot %d", slot)
		require.Len(t, handlers[slot].certificates, 1)
		require.Equal(t, uint64(2), handlers[slot].certificates[0].Slot)
	}
}

func TestBlockAgreementLaggingNode(t *testing.T) {
	const n, lagging = 4, 4
	for seed := int64(1); seed <= 20; seed++ {
		keys, publicKeys := newTestBLSKeys(t, n)
		net := newTestNetwork(n, seed)
		coordinators, handlers := make(map[uint64]*Coordinator), make(map[uint64]*testHandler)
		for slot := uint64(1); slot <= n; slot++ {
			handlers[slot] = &testHandler{}
			c, err := NewCoordinator(n, slot, keys[slot-1], publicKeys, net.outbox(slot), handlers[slot], nil, lib.NewNullLogger())
			require.NoError(t, err)
			coordinators[slot] = c
		}
		// the lagging node receives nothing until the others have decided and disconnected
		var held []testDelivery
		released := false
		net.deliver = func(d testDelivery) {
			if d.to == lagging && !released {
				held = append(held, d)
				return
			}
			_ = coordinators[d.to].HandleMessage(d.from, d.msg)
		}
		for slot := uint64(1); slot <= n; slot++ {
			require.NoError(t, coordinators[slot].StartAgreement(1, lib.AvailabilityVector{true, false, true, true}, nil))
		}
		net.run(t, 10_000_000)
		for slot := uint64(1); slot < lagging; slot++ {
			require.Len(t, handlers[slot].decisions, 1, "seed %d slot %d", seed, slot)
			coordinators[slot].Disconnect(1)
		}
		require.Empty(t, handlers[lagging].decisions)
		released = true
		net.pending = append(net.pending, held...)
		net.run(t, 10_000_000)
		require.Equal(t, handlers[1].decisions, handlers[lagging].decisions, "seed %d", seed)
	}
}

// newTestCoordinator() creates a coordinator for slot self that records its broadcasts
func newTestCoordinator(t *testing.T, n int, self uint64) (*Coordinator, *recordingOutbox, *testHandler, []crypto.PrivateKeyI) {
	keys, publicKeys := newTestBLSKeys(t, n)
	out, handler := &recordingOutbox{}, &testHandler{}
	c, err := NewCoordinator(uint64(n), self, keys[self-1], publicKeys, out, handler, nil, lib.NewNullLogger())
	require.NoError(t, err)
	return c, out, handler, keys
}

func toSet(slots []uint64) map[uint64]struct{} {
	set := make(map[uint64]struct{}, len(slots))
	for _, s := range slots {
		set[s] = struct{}{}
	}
	return set
}
