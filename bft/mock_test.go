package bft

import (
	"math/rand"
	"testing"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
	"github.com/stretchr/testify/require"
)

// testDelivery is one message in flight from one slot to another
type testDelivery struct {
	from, to uint64
	msg      lib.Message
}

// testNetwork is a fully asynchronous network: every pending delivery is equally likely to happen next
type testNetwork struct {
	n       uint64
	pending []testDelivery
	rand    *rand.Rand
	deliver func(d testDelivery)
}

func newTestNetwork(n uint64, seed int64) *testNetwork {
	return &testNetwork{n: n, rand: rand.New(rand.NewSource(seed))}
}

// outbox() returns the Outbox of slot `from`
func (t *testNetwork) outbox(from uint64) Outbox { return &testOutbox{from: from, net: t} }

// send() queues msg from `from` to every other slot
func (t *testNetwork) send(from uint64, msg lib.Message) {
	for to := uint64(1); to <= t.n; to++ {
		if to != from {
			t.pending = append(t.pending, testDelivery{from: from, to: to, msg: msg})
		}
	}
}

// run() delivers pending messages in random order until none remain
func (t *testNetwork) run(tt *testing.T, maxDeliveries int) {
	for i := 0; len(t.pending) > 0; i++ {
		require.Less(tt, i, maxDeliveries, "network did not quiesce")
		j := t.rand.Intn(len(t.pending))
		d := t.pending[j]
		t.pending[j] = t.pending[len(t.pending)-1]
		t.pending = t.pending[:len(t.pending)-1]
		t.deliver(d)
	}
}

type testOutbox struct {
	from uint64
	net  *testNetwork
}

func (o *testOutbox) Broadcast(msg lib.Message) { o.net.send(o.from, msg) }

// recordingOutbox keeps every broadcast message
type recordingOutbox struct{ sent []lib.Message }

func (r *recordingOutbox) Broadcast(msg lib.Message) { r.sent = append(r.sent, msg) }

// testHandler records coordinator outputs
type testHandler struct {
	decisions    []BlockDecision
	certificates []*lib.DecisionCertificate
}

func (h *testHandler) OnBlockDecision(d BlockDecision) { h.decisions = append(h.decisions, d) }

func (h *testHandler) OnDecisionCertificate(c *lib.DecisionCertificate) {
	h.certificates = append(h.certificates, c)
}

// newTestBLSKeys() generates n BLS keys and their slot ordered public key bytes
func newTestBLSKeys(t *testing.T, n int) (keys []crypto.PrivateKeyI, publicKeys [][]byte) {
	for i := 0; i < n; i++ {
		pk, err := crypto.NewBLSPrivateKey()
		require.NoError(t, err)
		keys = append(keys, pk)
		publicKeys = append(publicKeys, pk.PublicKey().Bytes())
	}
	return
}
