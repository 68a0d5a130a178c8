package bft

import (
	"sort"
	"testing"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/stretchr/testify/require"
)

var testPrevHash = []byte("previous committed block hash 32")

// newTestAgreements() wires one instance per honest slot to an asynchronous network
func newTestAgreements(n uint64, honest []uint64, net *testNetwork) (map[uint64]*BinaryAgreement, map[uint64][]bool) {
	key := lib.ProtocolKey{BlockId: 7, Slot: 2}
	instances, decisions := make(map[uint64]*BinaryAgreement), make(map[uint64][]bool)
	for _, slot := range honest {
		slot := slot
		instances[slot] = NewBinaryAgreement(key, n, slot, testPrevHash, net.outbox(slot), func(_ lib.ProtocolKey, v bool, _ uint64) {
			decisions[slot] = append(decisions[slot], v)
		}, lib.NewNullLogger())
	}
	net.deliver = func(d testDelivery) {
		instance, ok := instances[d.to]
		if !ok {
			return
		}
		switch m := d.msg.(type) {
		case *lib.BVBroadcast:
			_ = instance.OnBVBroadcast(d.from, m.Round, m.Value)
		case *lib.AUXBroadcast:
			_ = instance.OnAUXBroadcast(d.from, m.Round, m.Value)
		}
	}
	return instances, decisions
}

// equivocate() queues conflicting BV and AUX votes for both values from a byzantine slot
func equivocate(net *testNetwork, byzantine uint64, rounds uint64) {
	for r := uint64(0); r < rounds; r++ {
		for _, v := range []bool{true, false} {
			net.send(byzantine, &lib.BVBroadcast{BlockId: 7, ProposerSlot: 2, Round: r, Value: v})
			net.send(byzantine, &lib.AUXBroadcast{BlockId: 7, ProposerSlot: 2, Round: r, Value: v})
		}
	}
}

func TestBinaryAgreement(t *testing.T) {
	tests := []struct {
		name      string
		detail    string
		n         uint64
		proposals map[uint64]bool // honest slot -> proposed bit
		byzantine []uint64
		expected  *bool // nil when any common value is acceptable
	}{
		{
			name:      "unanimous true",
			detail:    "validity: every node proposes 1 so every node decides 1",
			n:         4,
			proposals: map[uint64]bool{1: true, 2: true, 3: true, 4: true},
			expected:  boolPtr(true),
		},
		{
			name:      "unanimous false",
			detail:    "validity: every node proposes 0 so every node decides 0",
			n:         4,
			proposals: map[uint64]bool{1: false, 2: false, 3: false, 4: false},
			expected:  boolPtr(false),
		},
		{
			name:      "honest true with equivocating node",
			detail:    "validity holds for the honest majority despite one node voting both values",
			n:         4,
			proposals: map[uint64]bool{1: true, 2: true, 3: true},
			byzantine: []uint64{4},
			expected:  boolPtr(true),
		},
		{
			name:      "split proposals with equivocating node",
			detail:    "agreement: honest nodes with mixed inputs decide the same value",
			n:         4,
			proposals: map[uint64]bool{1: true, 2: false, 3: true},
			byzantine: []uint64{4},
		},
		{
			name:      "split proposals seven nodes",
			detail:    "agreement with f=2 byzantine nodes out of 7",
			n:         7,
			proposals: map[uint64]bool{1: true, 2: false, 3: true, 4: false, 5: true},
			byzantine: []uint64{6, 7},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			for seed := int64(1); seed <= 5; seed++ {
				net := newTestNetwork(test.n, seed)
				var honest []uint64
				for slot := range test.proposals {
					honest = append(honest, slot)
				}
				sort.Slice(honest, func(i, j int) bool { return honest[i] < honest[j] })
				instances, decisions := newTestAgreements(test.n, honest, net)
				for _, b := range test.byzantine {
					equivocate(net, b, MaxRounds)
				}
				for _, slot := range honest {
					instances[slot].Propose(test.proposals[slot], 0)
				}
				net.run(t, 10_000_000)
				// every honest node decides exactly once and all agree
				var common *bool
				for _, slot := range honest {
					require.Len(t, decisions[slot], 1, "slot %d seed %d", slot, seed)
					got := decisions[slot][0]
					if common == nil {
						common = &got
					}
					require.Equal(t, *common, got)
					value, ok := instances[slot].Decided()
					require.True(t, ok)
					require.Equal(t, got, value)
				}
				if test.expected != nil {
					require.Equal(t, *test.expected, *common)
				}
			}
		})
	}
}

func TestBinaryAgreementRejects(t *testing.T) {
	tests := []struct {
		name    string
		detail  string
		sender  uint64
		round   uint64
		errCode lib.ErrorCode
		records bool
	}{
		{
			name:    "sender zero",
			detail:  "slot 0 is outside [1, N]",
			sender:  0,
			errCode: lib.CodeInvalidSenderSlot,
		},
		{
			name:    "sender above n",
			detail:  "slot N+1 is outside [1, N]",
			sender:  5,
			errCode: lib.CodeInvalidSenderSlot,
		},
		{
			name:   "exhausted round",
			detail: "votes at or beyond MaxRounds are ignored without error",
			sender: 2,
			round:  MaxRounds,
		},
		{
			name:    "valid vote",
			detail:  "a vote from a known slot is recorded",
			sender:  2,
			records: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			out := &recordingOutbox{}
			b := NewBinaryAgreement(lib.ProtocolKey{BlockId: 1, Slot: 1}, 4, 1, testPrevHash, out, nil, lib.NewNullLogger())
			err := b.OnBVBroadcast(test.sender, test.round, true)
			if test.errCode != 0 {
				require.Error(t, err)
				require.Equal(t, test.errCode, err.Code())
				return
			}
			require.NoError(t, err)
			_, exists := b.rounds[test.round]
			require.Equal(t, test.records, exists)
		})
	}
}

func TestBinaryAgreementRelay(t *testing.T) {
	out := &recordingOutbox{}
	b := NewBinaryAgreement(lib.ProtocolKey{BlockId: 1, Slot: 1}, 4, 1, testPrevHash, out, nil, lib.NewNullLogger())
	b.Propose(true, 0)
	require.Len(t, out.sent, 1)
	// a single false vote is below N/3 and must not be relayed
	require.NoError(t, b.OnBVBroadcast(2, 0, false))
	require.Len(t, out.sent, 1)
	// a duplicate changes nothing
	require.NoError(t, b.OnBVBroadcast(2, 0, false))
	require.Len(t, out.sent, 1)
	// two distinct senders exceed N/3 so false is relayed once
	require.NoError(t, b.OnBVBroadcast(3, 0, false))
	require.Len(t, out.sent, 3)
	relay, ok := out.sent[1].(*lib.BVBroadcast)
	require.True(t, ok)
	require.False(t, relay.Value)
	// the relay makes three false votes, more than 2N/3, so false enters bin_values and is AUX-broadcast
	aux, ok := out.sent[2].(*lib.AUXBroadcast)
	require.True(t, ok)
	require.False(t, aux.Value)
	require.Equal(t, uint64(0), aux.Round)
	// a second propose has no effect
	b.Propose(false, 0)
	require.Len(t, out.sent, 3)
}

func boolPtr(b bool) *bool { return &b }
