package controller

import (
	"context"
	"time"

	"github.com/skalenetwork/skale-consensus-sub001/bft"
	"github.com/skalenetwork/skale-consensus-sub001/lib"
)

/*
	The commit bridge: block decisions from the coordinator are resolved into blocks off the dispatcher,
	then applied strictly in BlockId order back on it. Committing block k starts block k+1 as soon as its
	availability vector carries more than 2/3 of the proposers.
*/

// OnBlockDecision() implements bft.DecisionHandler. The block is produced off the dispatcher: the coordinator
// must not be re-entered from its own callback.
func (c *Controller) OnBlockDecision(d bft.BlockDecision) {
	c.wg.Add(1)
	go c.resolve(c.ctx, d)
}

// OnDecisionCertificate() implements bft.DecisionHandler
func (c *Controller) OnDecisionCertificate(cert *lib.DecisionCertificate) {
	if err := c.store.SaveDecisionCertificate(cert); err != nil {
		c.log.Errorf("Saving decision certificate of block %d failed: %s", cert.BlockId, err.Error())
	}
}

// resolve() retries the resolver until the block is found, committed by another path, or the node stops
func (c *Controller) resolve(ctx context.Context, d bft.BlockDecision) {
	defer c.wg.Done()
	defer lib.CatchPanic(c.log)
	for {
		b, err := c.blockFor(ctx, d)
		if err == nil {
			select {
			case c.resolved <- b:
			case <-ctx.Done():
			}
			return
		}
		if ctx.Err() != nil || c.store.LastCommitted() >= d.BlockId {
			return
		}
		c.log.Errorf("Resolving slot %d of block %d failed: %s", d.Slot, d.BlockId, err.Error())
		if !lib.Sleep(ctx.Done(), c.Config.RetryBackoff()) {
			return
		}
	}
}

// blockFor() returns the empty block or the winning proposal of the decision
func (c *Controller) blockFor(ctx context.Context, d bft.BlockDecision) (*lib.Block, lib.ErrorI) {
	if !d.Empty {
		return c.resolver.Resolve(ctx, d.BlockId, d.Slot)
	}
	prevHash, err := c.store.PreviousBlockHash(d.BlockId)
	if err != nil {
		return nil, err
	}
	return lib.NewEmptyBlock(d.BlockId, c.n, prevHash), nil
}

// onResolved() commits b and any consecutive blocks resolved ahead of it
func (c *Controller) onResolved(b *lib.Block) {
	if b.BlockId <= c.store.LastCommitted() {
		return
	}
	c.pending[b.BlockId] = b
	for {
		next, ok := c.pending[c.store.LastCommitted()+1]
		if !ok {
			return
		}
		delete(c.pending, next.BlockId)
		c.commit(next)
	}
}

// commit() applies the next block of the chain; anything but the direct successor is a broken invariant
func (c *Controller) commit(b *lib.Block) {
	id := b.BlockId
	if expected := c.store.LastCommitted() + 1; id != expected {
		c.log.Fatalf("Commit of block %d out of order, expected %d", id, expected)
		return
	}
	if err := c.store.CommitBlock(b); err != nil {
		c.log.Fatalf("Committing block %d failed: %s", id, err.Error())
		return
	}
	empty := b.IsEmpty(c.n)
	c.app.OnBlockDecided(id, b.ProposerSlot, b)
	c.metrics.UpdateCommit(id, empty, c.started[id])
	delete(c.started, id)
	c.log.Infof("Committed block %d (proposer %d, empty=%t)", id, b.ProposerSlot, empty)
	c.coordinator.Disconnect(id)
	if window := lib.BlockId(c.Config.MaxActiveConsensuses); id >= window {
		below := id + 1 - window
		c.coordinator.Prune(below)
		if err := c.store.PruneOutbound(below); err != nil {
			c.log.Warnf("Pruning outbound messages below %d failed: %s", below, err.Error())
		}
	}
	c.router.DrainDeferred(id + 1)
	c.tryStartNext()
}

// tryStartNext() starts the agreement of the block after the last committed one once enough proposals are available
func (c *Controller) tryStartNext() {
	next := c.store.LastCommitted() + 1
	if c.coordinator.Started(next) {
		return
	}
	vector, ok := c.proposals.AvailabilityVector(next)
	if !ok || !lib.IsTwoThirds(vector.TrueCount(), c.n) {
		return
	}
	prevHash, err := c.store.PreviousBlockHash(next)
	if err != nil {
		c.log.Errorf("Unable to load the previous hash of block %d: %s", next, err.Error())
		return
	}
	if err = c.coordinator.StartAgreement(next, vector, prevHash); err != nil {
		c.log.Errorf("Starting agreement of block %d failed: %s", next, err.Error())
		return
	}
	c.started[next] = time.Now()
	c.router.DrainDeferred(next)
}
