package finalize

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"golang.org/x/sync/errgroup"
)

// BlockStore is the slice of the node's store the resolver reads and writes
type BlockStore interface {
	GetLocalBlock(id lib.BlockId, slot uint64) (*lib.Block, lib.ErrorI)
	StoreBlock(b *lib.Block) lib.ErrorI
	LastCommitted() lib.BlockId
	AvailabilityProof(id lib.BlockId, slot uint64) (*lib.AvailabilityProof, lib.ErrorI)
}

// Requester fetches one fragment from one peer
type Requester interface {
	RequestFragment(ctx context.Context, dst uint64, req *lib.FragmentRequest) (*lib.FragmentResponse, lib.ErrorI)
}

/*
	Resolver turns a decided proposer slot into its block. A block held locally is returned at once;
	otherwise every peer gets a download worker that requests its own disjoint fragment first and then
	helps with random missing fragments until the set is complete. Before every retry a worker checks
	whether the block arrived or was committed by another path.
*/

type Resolver struct {
	config    lib.FinalizeConfig
	n         uint64
	self      uint64
	store     BlockStore
	requester Requester
	verifier  *ProofVerifier
	metrics   *lib.Metrics
	log       lib.LoggerI
}

// NewResolver() creates a resolver; blsPublicKeys are indexed by slot-1
func NewResolver(config lib.FinalizeConfig, self uint64, blsPublicKeys [][]byte, store BlockStore, requester Requester, metrics *lib.Metrics, log lib.LoggerI) *Resolver {
	return &Resolver{
		config:    config,
		n:         uint64(len(blsPublicKeys)),
		self:      self,
		store:     store,
		requester: requester,
		verifier:  NewProofVerifier(blsPublicKeys, config.SkipDAProofCheck),
		metrics:   metrics,
		log:       log,
	}
}

// Resolve() returns the block proposed by slot for id. It blocks until the block is reconstructed, found
// locally, or ctx is cancelled. A reconstructed block that fails hash or proof verification is an error.
func (r *Resolver) Resolve(ctx context.Context, id lib.BlockId, slot uint64) (*lib.Block, lib.ErrorI) {
	if slot < 1 || slot > r.n || r.n < 2 {
		return nil, lib.ErrInvalidArgument()
	}
	key := lib.ProtocolKey{BlockId: id, Slot: slot}
	if b, err := r.store.GetLocalBlock(id, slot); err != nil || b != nil {
		return b, err
	}
	started := time.Now()
	proof, err := r.store.AvailabilityProof(id, slot)
	if err != nil {
		return nil, err
	}
	var expectedHash []byte
	if proof != nil {
		expectedHash = proof.BlockHash
	}
	r.log.Infof("Downloading proposal %s from fragments", key)
	set := NewFragmentSet(key, r.n, expectedHash, r.config.MaxBlockSize)
	workerCtx, stop := context.WithCancel(ctx)
	defer stop()
	var g errgroup.Group
	for dst := uint64(1); dst <= r.n; dst++ {
		if dst == r.self {
			continue
		}
		dst := dst
		g.Go(func() error {
			defer lib.CatchPanic(r.log)
			r.download(workerCtx, stop, set, dst, firstFragment(dst, r.self))
			return nil
		})
	}
	_ = g.Wait()
	if !set.IsComplete() {
		if b, e := r.store.GetLocalBlock(id, slot); e == nil && b != nil {
			return b, nil
		}
		return nil, ErrResolveCancelled()
	}
	b, err := r.assemble(ctx, key, set)
	if err != nil {
		return nil, err
	}
	if err = r.store.StoreBlock(b); err != nil {
		return nil, err
	}
	r.metrics.UpdateFragmentDownload(started, set.Rejected())
	r.log.Infof("Reconstructed proposal %s in %s (%d fragments rejected)", key, time.Since(started), set.Rejected())
	return b, nil
}

// download() is the worker for peer dst; it returns once the set is complete, the block was resolved
// elsewhere, or ctx is done
func (r *Resolver) download(ctx context.Context, stop context.CancelFunc, set *FragmentSet, dst, index uint64) {
	key := set.key
	request := func() error {
		for {
			if set.IsComplete() {
				return nil
			}
			if r.resolvedElsewhere(key) {
				stop()
				return nil
			}
			resp, err := r.requester.RequestFragment(ctx, dst, &lib.FragmentRequest{BlockId: key.BlockId, ProposerSlot: key.Slot, FragmentIndex: index})
			if err != nil {
				return err
			}
			next, complete, err := set.Add(resp)
			if complete {
				stop()
				return nil
			}
			if next == 0 {
				return nil
			}
			index = next
			if err != nil {
				if err.Code() != lib.CodeNoFragment && err.Code() != lib.CodeDuplicateFragment {
					r.log.Warnf("Rejected fragment of %s from %d: %s", key, dst, err.Error())
				}
				return err
			}
		}
	}
	_ = backoff.Retry(request, backoff.WithContext(backoff.NewConstantBackOff(r.config.RetryBackoff()), ctx))
}

// assemble() deserializes the complete set and verifies the block against the availability proof, waiting for
// the proof if this node has not received it yet
func (r *Resolver) assemble(ctx context.Context, key lib.ProtocolKey, set *FragmentSet) (*lib.Block, lib.ErrorI) {
	bz, err := set.Serialize()
	if err != nil {
		return nil, err
	}
	b, err := lib.NewBlockFromBytes(bz)
	if err != nil {
		return nil, err
	}
	if b.BlockId != key.BlockId || b.ProposerSlot != key.Slot {
		return nil, ErrWrongFragmentKey(lib.ProtocolKey{BlockId: b.BlockId, Slot: b.ProposerSlot}, key)
	}
	hash, err := b.Hash()
	if err != nil {
		return nil, err
	}
	proof, err := r.awaitProof(ctx, key)
	if err != nil {
		return nil, err
	}
	if err = r.verifier.Verify(key, hash, proof); err != nil {
		return nil, err
	}
	return b, nil
}

// awaitProof() polls the store for the availability proof; with the signature check disabled a missing proof is accepted
func (r *Resolver) awaitProof(ctx context.Context, key lib.ProtocolKey) (proof *lib.AvailabilityProof, err lib.ErrorI) {
	if r.config.SkipDAProofCheck {
		return r.store.AvailabilityProof(key.BlockId, key.Slot)
	}
	poll := func() error {
		p, e := r.store.AvailabilityProof(key.BlockId, key.Slot)
		if e != nil {
			return backoff.Permanent(e)
		}
		if p == nil {
			return ErrMissingDAProof(key)
		}
		proof = p
		return nil
	}
	if e := backoff.Retry(poll, backoff.WithContext(backoff.NewConstantBackOff(r.config.RetryBackoff()), ctx)); e != nil {
		if ctx.Err() != nil {
			return nil, ErrResolveCancelled()
		}
		if le, ok := e.(lib.ErrorI); ok {
			return nil, le
		}
		return nil, ErrMissingDAProof(key)
	}
	return proof, nil
}

// resolvedElsewhere() reports whether the block arrived locally or was committed while downloading
func (r *Resolver) resolvedElsewhere(key lib.ProtocolKey) bool {
	if r.store.LastCommitted() >= key.BlockId {
		return true
	}
	b, err := r.store.GetLocalBlock(key.BlockId, key.Slot)
	return err == nil && b != nil
}

// firstFragment() gives each peer a distinct starting index: peers below self keep their slot, peers above shift down by one
func firstFragment(dst, self uint64) uint64 {
	if dst > self {
		return dst - 1
	}
	return dst
}
