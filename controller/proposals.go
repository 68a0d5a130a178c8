package controller

import (
	"github.com/skalenetwork/skale-consensus-sub001/lib"
)

// ProofStore is where availability proofs gathered by the proposal layer are read from
type ProofStore interface {
	AvailabilityProof(id lib.BlockId, slot uint64) (*lib.AvailabilityProof, lib.ErrorI)
}

// ProofAvailability is a ProposalSource that marks a slot available once its availability proof was stored
type ProofAvailability struct {
	n      uint64
	proofs ProofStore
	log    lib.LoggerI
}

// NewProofAvailability() creates a ProposalSource over the stored availability proofs of n proposers
func NewProofAvailability(n uint64, proofs ProofStore, log lib.LoggerI) *ProofAvailability {
	return &ProofAvailability{n: n, proofs: proofs, log: log}
}

// AvailabilityVector() implements ProposalSource; the vector is ready once more than 2/3 of the slots hold a proof
func (p *ProofAvailability) AvailabilityVector(id lib.BlockId) (lib.AvailabilityVector, bool) {
	vector := make(lib.AvailabilityVector, p.n)
	for slot := uint64(1); slot <= p.n; slot++ {
		proof, err := p.proofs.AvailabilityProof(id, slot)
		if err != nil {
			p.log.Warnf("Loading availability proof %d:%d failed: %s", id, slot, err.Error())
			continue
		}
		vector[slot-1] = proof != nil
	}
	return vector, lib.IsTwoThirds(vector.TrueCount(), p.n)
}
