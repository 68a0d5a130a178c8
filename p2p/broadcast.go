package p2p

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
)

/*
	Reliable broadcast: a message is sent to every peer and the call returns once the message reached
	enough peers that, counting this node, more than 2/3 of the network holds it (3*(sent+1) >= 2N).
	Peers not reached yet get the message through their delayed send queue, retried in the background.
*/

// Sender delivers an encoded envelope to one peer
type Sender interface {
	Send(slot uint64, bz []byte) lib.ErrorI
}

// OutboundLog persists every envelope this node broadcast
type OutboundLog interface {
	SaveOutbound(id lib.BlockId, bz []byte) lib.ErrorI
}

// Broadcaster signs, persists and reliably sends this node's protocol messages
type Broadcaster struct {
	self       uint64
	n          uint64
	peers      []uint64 // every slot except self, ascending
	privateKey crypto.PrivateKeyI
	sender     Sender
	outbound   OutboundLog
	queues     map[uint64]*delayedSendQueue // fixed after construction

	retry      time.Duration
	stallAfter time.Duration
	interval   time.Duration

	metrics *lib.Metrics
	log     lib.LoggerI
}

// NewBroadcaster() creates a broadcaster for the configured peer set; outbound may be nil
func NewBroadcaster(config lib.P2PConfig, self uint64, privateKey crypto.PrivateKeyI, sender Sender, outbound OutboundLog, metrics *lib.Metrics, log lib.LoggerI) *Broadcaster {
	b := &Broadcaster{
		self:       self,
		n:          config.NodeCount(),
		privateKey: privateKey,
		sender:     sender,
		outbound:   outbound,
		queues:     make(map[uint64]*delayedSendQueue),
		retry:      time.Duration(config.BroadcastRetryMS) * time.Millisecond,
		stallAfter: time.Duration(config.StallWarnAfterMS) * time.Millisecond,
		interval:   time.Duration(config.DelayedSendIntervalMS) * time.Millisecond,
		metrics:    metrics,
		log:        log,
	}
	for _, node := range config.Nodes {
		if node.Slot == self {
			continue
		}
		b.peers = append(b.peers, node.Slot)
		b.queues[node.Slot] = newDelayedSendQueue(config.MaxDelayedMessageSends)
	}
	sort.Slice(b.peers, func(i, j int) bool { return b.peers[i] < b.peers[j] })
	return b
}

// Broadcast() sends msg to every peer, blocking until quorum is reached or ctx is cancelled
func (b *Broadcaster) Broadcast(ctx context.Context, msg lib.Message) lib.ErrorI {
	bz, err := b.Seal(msg)
	if err != nil {
		return err
	}
	if b.outbound != nil {
		if err = b.outbound.SaveOutbound(msg.Key().BlockId, bz); err != nil {
			b.log.Errorf("Saving outbound %s failed: %s", msg.Kind(), err.Error())
		}
	}
	sent, start, stalled := make(map[uint64]struct{}), time.Now(), false
	for {
		for _, slot := range b.peers {
			if _, ok := sent[slot]; ok {
				continue
			}
			if e := b.sender.Send(slot, bz); e != nil {
				b.log.Debugf("Send of %s to slot %d failed: %s", msg.Kind(), slot, e.Error())
				continue
			}
			sent[slot] = struct{}{}
		}
		if lib.QuorumReached(uint64(len(sent))+1, b.n) {
			break
		}
		if !stalled && b.stallAfter > 0 && time.Since(start) >= b.stallAfter {
			stalled = true
			b.log.Warnf("Broadcast of %s for %s reached %d/%d peers after %s", msg.Kind(), msg.Key(), len(sent), len(b.peers), time.Since(start))
			b.metrics.UpdateBroadcastStalled(true)
		}
		if !lib.Sleep(ctx.Done(), b.retry) {
			if stalled {
				b.metrics.UpdateBroadcastStalled(false)
			}
			return ErrBroadcastCancelled()
		}
	}
	if stalled {
		b.metrics.UpdateBroadcastStalled(false)
	}
	// everyone else gets it eventually
	for _, slot := range b.peers {
		if _, ok := sent[slot]; ok {
			continue
		}
		q := b.queues[slot]
		dropped := q.push(bz)
		if dropped {
			b.log.Warnf("Delayed send queue for slot %d is full, dropped the oldest message", slot)
		}
		b.metrics.UpdateDelayedSends(strconv.FormatUint(slot, 10), q.len(), dropped)
	}
	return nil
}

// Seal() wraps msg in an envelope signed by this node and encodes it
func (b *Broadcaster) Seal(msg lib.Message) ([]byte, lib.ErrorI) {
	env := &lib.Envelope{Sender: b.self, Message: msg}
	signBytes, err := env.SignBytes()
	if err != nil {
		return nil, err
	}
	env.Signature = b.privateKey.Sign(signBytes)
	return lib.EncodeEnvelope(env)
}

// SendDelayed() retries every peer's delayed queue front to back, stopping at a peer's first failure
func (b *Broadcaster) SendDelayed() {
	for _, slot := range b.peers {
		q := b.queues[slot]
		sent, err := q.flush(func(bz []byte) lib.ErrorI { return b.sender.Send(slot, bz) })
		if err != nil {
			b.log.Debugf("Delayed send to slot %d stopped after %d messages: %s", slot, sent, err.Error())
		}
		b.metrics.UpdateDelayedSends(strconv.FormatUint(slot, 10), q.len(), false)
	}
}

// Requeue() puts already sealed envelopes on every peer's delayed queue, used to resend a restarted node's
// outbound log for blocks still under agreement
func (b *Broadcaster) Requeue(envelopes [][]byte) {
	for _, slot := range b.peers {
		q := b.queues[slot]
		for _, bz := range envelopes {
			if q.push(bz) {
				b.log.Warnf("Delayed send queue for slot %d is full, dropped the oldest message", slot)
			}
		}
		b.metrics.UpdateDelayedSends(strconv.FormatUint(slot, 10), q.len(), false)
	}
}

// Delayed() returns the number of messages waiting for the peer
func (b *Broadcaster) Delayed(slot uint64) int {
	q, ok := b.queues[slot]
	if !ok {
		return 0
	}
	return q.len()
}

// StartSweep() runs SendDelayed() on an interval until ctx is cancelled
func (b *Broadcaster) StartSweep(ctx context.Context) {
	defer lib.CatchPanic(b.log)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.SendDelayed()
		}
	}
}

// delayedSendQueue is a bounded FIFO of encoded envelopes for one destination
type delayedSendQueue struct {
	mu       sync.Mutex
	items    []delayedSend
	next     uint64 // sequence of the next pushed entry
	capacity int
}

type delayedSend struct {
	seq uint64
	bz  []byte
}

func newDelayedSendQueue(capacity int) *delayedSendQueue {
	return &delayedSendQueue{capacity: capacity}
}

// push() appends bz, dropping the oldest entry at capacity
func (q *delayedSendQueue) push(bz []byte) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.items[0] = delayedSend{}
		q.items = q.items[1:]
		dropped = true
	}
	q.items = append(q.items, delayedSend{seq: q.next, bz: bz})
	q.next++
	return
}

// flush() sends from the front, popping each success; the first failure ends the pass. The lock is only held to
// peek and pop so push() never waits on a send
func (q *delayedSendQueue) flush(send func([]byte) lib.ErrorI) (sent int, err lib.ErrorI) {
	for {
		front, ok := q.front()
		if !ok {
			return
		}
		if err = send(front.bz); err != nil {
			return
		}
		sent++
		q.pop(front.seq)
	}
}

func (q *delayedSendQueue) front() (delayedSend, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return delayedSend{}, false
	}
	return q.items[0], true
}

// pop() removes the front entry unless an overflow already dropped it
func (q *delayedSendQueue) pop(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 && q.items[0].seq == seq {
		q.items[0] = delayedSend{}
		q.items = q.items[1:]
	}
}

func (q *delayedSendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
