package finalize

import (
	"bytes"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
)

// ProofVerifier checks availability (DA) proofs against the BLS keys of the network
type ProofVerifier struct {
	n             uint64
	blsPublicKeys [][]byte // indexed by slot-1
	skipSignature bool
}

// NewProofVerifier() creates a verifier; skipSignature disables the aggregate signature check on test networks
func NewProofVerifier(blsPublicKeys [][]byte, skipSignature bool) *ProofVerifier {
	return &ProofVerifier{n: uint64(len(blsPublicKeys)), blsPublicKeys: blsPublicKeys, skipSignature: skipSignature}
}

// Verify() checks that the proof attests blockHash for the key and carries a valid aggregate of more than 2/3 signers
func (v *ProofVerifier) Verify(key lib.ProtocolKey, blockHash []byte, p *lib.AvailabilityProof) lib.ErrorI {
	if p == nil {
		if v.skipSignature {
			return nil
		}
		return ErrMissingDAProof(key)
	}
	if p.BlockId != key.BlockId || p.Slot != key.Slot {
		return ErrInvalidDAProof("proof is for " + lib.ProtocolKey{BlockId: p.BlockId, Slot: p.Slot}.String())
	}
	if !bytes.Equal(p.BlockHash, blockHash) {
		return ErrBlockHashMismatch()
	}
	if v.skipSignature {
		return nil
	}
	signers, err := crypto.NewMultiBLS(v.blsPublicKeys, p.Bitmap)
	if err != nil {
		return ErrInvalidDAProof(err.Error())
	}
	if !lib.IsTwoThirds(uint64(signers.SignerCount()), v.n) {
		return ErrInvalidDAProof("not enough signers")
	}
	if !signers.VerifyBytes(p.SignBytes(), p.Signature) {
		return ErrInvalidDAProof("bad aggregate signature")
	}
	return nil
}
