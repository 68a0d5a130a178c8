package bft

import (
	"sort"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
)

// Inbound is a verified consensus message and the slot that signed it
type Inbound struct {
	Sender  uint64
	Message lib.Message
}

// Handler is the consumer of routed messages, implemented by the Coordinator
type Handler interface {
	Started(id lib.BlockId) bool
	HandleMessage(sender uint64, m lib.Message) lib.ErrorI
}

// Router forwards consensus messages for the block under agreement and holds messages for future blocks
// until their agreement starts. Messages older than the retention window are dropped.
type Router struct {
	current  lib.BlockId // block under agreement: last committed + 1
	window   uint64      // MaxActiveConsensuses
	maxQueue int         // per block deferral cap
	ahead    uint64      // MaxFutureBlocks
	deferred map[lib.BlockId][]Inbound

	handler Handler
	metrics *lib.Metrics
	log     lib.LoggerI
}

// NewRouter() creates a router whose current block is lastCommitted + 1
func NewRouter(lastCommitted lib.BlockId, config lib.ConsensusConfig, handler Handler, metrics *lib.Metrics, log lib.LoggerI) *Router {
	return &Router{
		current:  lastCommitted + 1,
		window:   config.MaxActiveConsensuses,
		maxQueue: config.MaxDeferredPerBlock,
		ahead:    config.MaxFutureBlocks,
		deferred: make(map[lib.BlockId][]Inbound),
		handler:  handler,
		metrics:  metrics,
		log:      log,
	}
}

// Current() returns the block under agreement
func (r *Router) Current() lib.BlockId { return r.current }

// Route() dispatches, defers or drops one inbound message
func (r *Router) Route(in Inbound) {
	id := in.Message.Key().BlockId
	switch {
	case r.tooFar(id):
		r.log.Debugf("Dropping %s for block %d, more than %d ahead of %d", in.Message.Kind(), id, r.ahead, r.current)
		r.metrics.UpdateDeferred(r.size(), 1)
	case id > r.current:
		r.deferMsg(in)
	case r.tooOld(id):
		r.log.Debugf("Dropping %s for block %d, current is %d", in.Message.Kind(), id, r.current)
		r.metrics.UpdateDeferred(r.size(), 1)
	case !r.handler.Started(id):
		r.deferMsg(in)
	default:
		if err := r.handler.HandleMessage(in.Sender, in.Message); err != nil {
			r.log.Warnf("Rejected %s from slot %d: %s", in.Message.Kind(), in.Sender, err.Error())
		}
	}
}

// DrainDeferred() advances the current block and re-routes every deferred message with BlockId <= current,
// in (BlockId, arrival) order; entries below the retention window are discarded
func (r *Router) DrainDeferred(current lib.BlockId) {
	if current > r.current {
		r.current = current
	}
	var ids []lib.BlockId
	dropped := 0
	for id, queue := range r.deferred {
		switch {
		case r.tooOld(id):
			dropped += len(queue)
			delete(r.deferred, id)
		case id <= r.current:
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		// pop before re-routing; a not yet started block defers back into a fresh list
		queue := r.deferred[id]
		delete(r.deferred, id)
		for _, in := range queue {
			r.Route(in)
		}
	}
	r.metrics.UpdateDeferred(r.size(), dropped)
}

// Sweep() periodically re-offers deferred messages for blocks that started since they arrived
func (r *Router) Sweep() { r.DrainDeferred(r.current) }

// Deferred() returns the number of deferred messages for the block
func (r *Router) Deferred(id lib.BlockId) int { return len(r.deferred[id]) }

// deferMsg() queues the message under its block, dropping the oldest entry at the cap
func (r *Router) deferMsg(in Inbound) {
	id := in.Message.Key().BlockId
	queue := r.deferred[id]
	dropped := 0
	if r.maxQueue > 0 && len(queue) >= r.maxQueue {
		queue = queue[1:]
		dropped = 1
	}
	r.deferred[id] = append(queue, in)
	r.metrics.UpdateDeferred(r.size(), dropped)
}

// tooOld() is true if the block fell out of the retention window
func (r *Router) tooOld(id lib.BlockId) bool { return uint64(id)+r.window <= uint64(r.current) }

// tooFar() is true if the block is beyond the deferral horizon
func (r *Router) tooFar(id lib.BlockId) bool {
	return r.ahead > 0 && uint64(id) > uint64(r.current)+r.ahead
}

func (r *Router) size() (total int) {
	for _, queue := range r.deferred {
		total += len(queue)
	}
	return
}
