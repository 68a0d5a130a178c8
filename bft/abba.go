package bft

import (
	"github.com/skalenetwork/skale-consensus-sub001/lib"
)

/*
	BinaryAgreement is one asynchronous binary Byzantine agreement (ABBA) for a single ProtocolKey.

	Round r:
	  - BV step: broadcast the estimate. A value sent by more than N/3 peers is relayed once; a value sent by
	    more than 2N/3 peers joins bin_values[r]. The first value joining bin_values[r] is AUX-broadcast.
	  - AUX step: once more than 2N/3 distinct peers AUX-broadcast values that are in bin_values[r], flip the
	    common coin for r. A singleton {v} with v == coin decides v. A singleton {v} != coin moves to r+1 with v.
	    Both values move to r+1 with the coin.

	Instances are only touched from the dispatcher goroutine and hold no locks.
*/

// MaxRounds caps the rounds an instance will run; later messages are ignored
const MaxRounds = 100

// Outbox receives the protocol messages an instance or coordinator wants broadcast to every peer
type Outbox interface {
	Broadcast(msg lib.Message)
}

// DecideFunc is notified exactly once per instance with the decided value and the round it was decided in
type DecideFunc func(key lib.ProtocolKey, value bool, round uint64)

// BinaryAgreement is the state machine of one (BlockId, ProposerSlot) agreement
type BinaryAgreement struct {
	key      lib.ProtocolKey
	n        uint64 // number of nodes
	self     uint64 // this node's slot
	coinSeed []byte // previous committed block hash, shared by all honest nodes

	round    uint64 // current round, strictly increasing from 0
	estimate bool   // current estimate
	proposed bool   // whether Propose() was called
	stopped  bool   // MaxRounds reached

	rounds map[uint64]*roundState // per round vote bookkeeping

	decided      bool   // write once
	decidedValue bool   // write once
	decidedRound uint64 // write once

	out      Outbox
	onDecide DecideFunc
	log      lib.LoggerI
}

// roundState is the vote bookkeeping of one round; index 0 is value false, index 1 is value true
type roundState struct {
	bv        [2]map[uint64]struct{} // BV senders per value
	aux       [2]map[uint64]struct{} // AUX senders per value
	sentBV    [2]bool                // whether this node BV-broadcast the value
	sentAUX   bool                   // whether this node AUX-broadcast in this round
	binValues [2]bool                // values confirmed by more than 2N/3 BV senders
}

// NewBinaryAgreement() creates an instance that has not yet proposed
func NewBinaryAgreement(key lib.ProtocolKey, n, self uint64, coinSeed []byte, out Outbox, onDecide DecideFunc, log lib.LoggerI) *BinaryAgreement {
	return &BinaryAgreement{
		key:      key,
		n:        n,
		self:     self,
		coinSeed: coinSeed,
		rounds:   make(map[uint64]*roundState),
		out:      out,
		onDecide: onDecide,
		log:      log,
	}
}

// Key() returns the ProtocolKey of the instance
func (b *BinaryAgreement) Key() lib.ProtocolKey { return b.key }

// Round() returns the current round
func (b *BinaryAgreement) Round() uint64 { return b.round }

// Decided() returns the decided value and whether a decision was reached
func (b *BinaryAgreement) Decided() (value bool, ok bool) { return b.decidedValue, b.decided }

// Propose() seeds the estimate at round and broadcasts it; only the first call has an effect
func (b *BinaryAgreement) Propose(value bool, round uint64) {
	if b.proposed {
		return
	}
	b.proposed = true
	b.proceedToRound(round, value)
}

// OnBVBroadcast() handles a BV vote from sender
func (b *BinaryAgreement) OnBVBroadcast(sender, round uint64, value bool) lib.ErrorI {
	if err := b.checkSender(sender); err != nil {
		return err
	}
	if round >= MaxRounds {
		b.log.Debugf("Ignoring BV for exhausted round %d of %s", round, b.key)
		return nil
	}
	b.addBV(sender, round, value)
	return nil
}

// OnAUXBroadcast() handles an AUX vote from sender
func (b *BinaryAgreement) OnAUXBroadcast(sender, round uint64, value bool) lib.ErrorI {
	if err := b.checkSender(sender); err != nil {
		return err
	}
	if round >= MaxRounds {
		b.log.Debugf("Ignoring AUX for exhausted round %d of %s", round, b.key)
		return nil
	}
	b.addAUX(sender, round, value)
	return nil
}

// checkSender() rejects votes from slots outside [1, N]
func (b *BinaryAgreement) checkSender(sender uint64) lib.ErrorI {
	if sender < 1 || sender > b.n {
		return ErrInvalidSenderSlot(sender, b.n)
	}
	return nil
}

// state() returns the bookkeeping for round r, creating it on first reference
func (b *BinaryAgreement) state(r uint64) *roundState {
	rs, ok := b.rounds[r]
	if !ok {
		rs = &roundState{
			bv:  [2]map[uint64]struct{}{make(map[uint64]struct{}), make(map[uint64]struct{})},
			aux: [2]map[uint64]struct{}{make(map[uint64]struct{}), make(map[uint64]struct{})},
		}
		b.rounds[r] = rs
	}
	return rs
}

// proceedToRound() adopts the estimate for round r and BV-broadcasts it
func (b *BinaryAgreement) proceedToRound(r uint64, estimate bool) {
	if r >= MaxRounds {
		if !b.stopped && !b.decided {
			b.log.Warnf("Agreement %s reached %d rounds without a decision", b.key, MaxRounds)
		}
		b.stopped = true
		return
	}
	b.round, b.estimate = r, estimate
	b.sendBV(r, estimate)
	// votes for r may have arrived while this node was in an earlier round
	b.tryLottery(r)
}

// sendBV() broadcasts a BV vote for (r, v) once and records it as this node's own vote
func (b *BinaryAgreement) sendBV(r uint64, v bool) {
	rs := b.state(r)
	if rs.sentBV[idx(v)] {
		return
	}
	rs.sentBV[idx(v)] = true
	b.out.Broadcast(&lib.BVBroadcast{BlockId: b.key.BlockId, ProposerSlot: b.key.Slot, Round: r, Value: v})
	b.addBV(b.self, r, v)
}

// sendAUX() broadcasts the single AUX vote of round r and records it as this node's own vote
func (b *BinaryAgreement) sendAUX(r uint64, v bool) {
	rs := b.state(r)
	if rs.sentAUX {
		return
	}
	rs.sentAUX = true
	b.out.Broadcast(&lib.AUXBroadcast{BlockId: b.key.BlockId, ProposerSlot: b.key.Slot, Round: r, Value: v})
	b.addAUX(b.self, r, v)
}

// addBV() records a BV vote, relays values backed by more than N/3 and admits values backed by more than 2N/3
func (b *BinaryAgreement) addBV(sender, r uint64, v bool) {
	rs := b.state(r)
	if _, dup := rs.bv[idx(v)][sender]; dup {
		return
	}
	rs.bv[idx(v)][sender] = struct{}{}
	// at least one honest node sent v, so it is safe to echo
	if lib.IsThird(uint64(len(rs.bv[idx(v)])), b.n) && !rs.sentBV[idx(v)] {
		b.sendBV(r, v)
	}
	if !lib.IsTwoThirds(uint64(len(rs.bv[idx(v)])), b.n) || rs.binValues[idx(v)] {
		return
	}
	rs.binValues[idx(v)] = true
	// the first value into bin_values is the one this node AUX-broadcasts
	if !rs.binValues[idx(!v)] {
		b.sendAUX(r, v)
	}
	b.tryLottery(r)
}

// addAUX() records an AUX vote and re-evaluates the round
func (b *BinaryAgreement) addAUX(sender, r uint64, v bool) {
	rs := b.state(r)
	if _, dup := rs.aux[idx(v)][sender]; dup {
		return
	}
	rs.aux[idx(v)][sender] = struct{}{}
	b.tryLottery(r)
}

// tryLottery() completes the current round once enough AUX votes support bin_values
func (b *BinaryAgreement) tryLottery(r uint64) {
	if r != b.round || b.stopped || !b.proposed {
		return
	}
	rs := b.state(r)
	if !rs.binValues[0] && !rs.binValues[1] {
		return
	}
	// count distinct senders whose AUX value is in bin_values
	supporters := make(map[uint64]struct{})
	for i, in := range rs.binValues {
		if !in {
			continue
		}
		for sender := range rs.aux[i] {
			supporters[sender] = struct{}{}
		}
	}
	if !lib.IsTwoThirds(uint64(len(supporters)), b.n) {
		return
	}
	coin := commonCoin(b.coinSeed, b.key, r)
	if rs.binValues[0] && rs.binValues[1] {
		b.log.Debugf("Agreement %s round %d: both values, adopting coin %t", b.key, r, coin)
		b.proceedToRound(r+1, coin)
		return
	}
	v := rs.binValues[1]
	if v == coin {
		b.decide(v, r)
	}
	b.proceedToRound(r+1, v)
}

// decide() sets the write once decision and notifies the coordinator; later decisions are ignored
func (b *BinaryAgreement) decide(v bool, r uint64) {
	if b.decided {
		return
	}
	b.decided, b.decidedValue, b.decidedRound = true, v, r
	b.log.Debugf("Agreement %s decided %t in round %d", b.key, v, r)
	if b.onDecide != nil {
		b.onDecide(b.key, v, r)
	}
}

// idx() maps a binary value to its bookkeeping index
func idx(v bool) int {
	if v {
		return 1
	}
	return 0
}
