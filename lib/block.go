package lib

import (
	"encoding/binary"
	"fmt"

	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
)

// BlockId is the monotonically increasing height of the chain; one agreement runs per BlockId
type BlockId uint64

// EmptySlot() is the sentinel proposer slot (N+1) meaning 'no block was accepted'
func EmptySlot(n uint64) uint64 { return n + 1 }

// ProtocolKey identifies one binary agreement by (BlockId, ProposerSlot)
type ProtocolKey struct {
	BlockId BlockId `json:"blockId"`
	Slot    uint64  `json:"slot"`
}

// Less() orders keys by BlockId then Slot
func (k ProtocolKey) Less(o ProtocolKey) bool {
	if k.BlockId != o.BlockId {
		return k.BlockId < o.BlockId
	}
	return k.Slot < o.Slot
}

func (k ProtocolKey) String() string { return fmt.Sprintf("%d:%d", k.BlockId, k.Slot) }

// AvailabilityVector is the local evidence, indexed by slot-1, that each proposer's block is retrievable
type AvailabilityVector []bool

// TrueCount() returns the number of available proposals
func (a AvailabilityVector) TrueCount() (count uint64) {
	for _, available := range a {
		if available {
			count++
		}
	}
	return
}

// Block is the unit the engine agrees upon; its content is opaque to consensus
type Block struct {
	BlockId      BlockId    `json:"blockId"`
	ProposerSlot uint64     `json:"proposerSlot"`
	Timestamp    uint64     `json:"timestamp"` // unix milliseconds set by the proposer
	PrevHash     HexBytes   `json:"prevHash"`
	Transactions []HexBytes `json:"transactions"`
}

// NewEmptyBlock() creates the deterministic block committed when every proposer slot decided 0
func NewEmptyBlock(id BlockId, n uint64, prevHash []byte) *Block {
	return &Block{BlockId: id, ProposerSlot: EmptySlot(n), PrevHash: prevHash}
}

// IsEmpty() returns true if this is the sentinel 'no block'
func (b *Block) IsEmpty(n uint64) bool { return b.ProposerSlot == EmptySlot(n) }

// Bytes() returns the canonical serialization of the block
func (b *Block) Bytes() ([]byte, ErrorI) {
	if b == nil {
		return nil, ErrNilBlock()
	}
	return MarshalJSON(b)
}

// Hash() returns the content hash of the canonical serialization
func (b *Block) Hash() ([]byte, ErrorI) {
	bz, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return crypto.Hash(bz), nil
}

// NewBlockFromBytes() deserializes a block
func NewBlockFromBytes(bz []byte) (*Block, ErrorI) {
	b := new(Block)
	if err := UnmarshalJSON(bz, b); err != nil {
		return nil, err
	}
	return b, nil
}

// AvailabilityProof is the BLS aggregate signature of more than 2/3 of the nodes attesting
// that they hold the proposal with BlockHash
type AvailabilityProof struct {
	BlockId   BlockId  `json:"blockId"`
	Slot      uint64   `json:"slot"`
	BlockHash HexBytes `json:"blockHash"`
	Signature HexBytes `json:"signature"` // aggregate signature over SignBytes()
	Bitmap    HexBytes `json:"bitmap"`    // signers, bit i = slot i+1
}

// SignBytes() returns the canonical bytes every signer of the proof signed
func (p *AvailabilityProof) SignBytes() []byte {
	return availabilitySignBytes(p.BlockId, p.Slot, p.BlockHash)
}

// AvailabilitySignBytes() is exported for proposers gathering signatures over their proposal
func AvailabilitySignBytes(id BlockId, slot uint64, blockHash []byte) []byte {
	return availabilitySignBytes(id, slot, blockHash)
}

func availabilitySignBytes(id BlockId, slot uint64, blockHash []byte) []byte {
	bz := make([]byte, 0, 2+16+len(blockHash))
	bz = append(bz, 'D', 'A')
	bz = binary.BigEndian.AppendUint64(bz, uint64(id))
	bz = binary.BigEndian.AppendUint64(bz, slot)
	return append(bz, blockHash...)
}

// DecisionCertificate is the aggregate of block sign shares proving the network decided Slot for BlockId
type DecisionCertificate struct {
	BlockId   BlockId  `json:"blockId"`
	Slot      uint64   `json:"slot"`
	Signature HexBytes `json:"signature"`
	Bitmap    HexBytes `json:"bitmap"`
}

// BlockSignBytes() returns the bytes a node BLS-signs after deciding the winner of a block
func BlockSignBytes(id BlockId, slot uint64) []byte {
	bz := make([]byte, 0, 18)
	bz = append(bz, 'B', 'S')
	bz = binary.BigEndian.AppendUint64(bz, uint64(id))
	return binary.BigEndian.AppendUint64(bz, slot)
}
