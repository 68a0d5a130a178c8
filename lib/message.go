package lib

import "fmt"

// MessageKind tags each member of the closed set of protocol messages
type MessageKind uint8

const (
	KindBVBroadcast MessageKind = iota + 1
	KindAUXBroadcast
	KindBlockSignBroadcast
	KindFragmentRequest
	KindFragmentResponse
)

func (k MessageKind) String() string {
	switch k {
	case KindBVBroadcast:
		return "BV"
	case KindAUXBroadcast:
		return "AUX"
	case KindBlockSignBroadcast:
		return "BLOCK_SIGN"
	case KindFragmentRequest:
		return "FRAGMENT_REQ"
	case KindFragmentResponse:
		return "FRAGMENT_RESP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// Message is implemented only by the types in this file; callers switch over the concrete types
type Message interface {
	Kind() MessageKind
	Key() ProtocolKey // the (BlockId, ProposerSlot) the message addresses
	isMessage()
}

var (
	_ Message = &BVBroadcast{}
	_ Message = &AUXBroadcast{}
	_ Message = &BlockSignBroadcast{}
	_ Message = &FragmentRequest{}
	_ Message = &FragmentResponse{}
)

// BVBroadcast is the 'binary value' vote of the sender for round Round of one agreement
type BVBroadcast struct {
	BlockId      BlockId
	ProposerSlot uint64
	Round        uint64
	Value        bool
}

// AUXBroadcast is the 'auxiliary' vote carrying a value the sender already has in bin_values
type AUXBroadcast struct {
	BlockId      BlockId
	ProposerSlot uint64
	Round        uint64
	Value        bool
}

// BlockSignBroadcast carries the sender's BLS share over (BlockId, ProposerSlot) once it decided the winner
type BlockSignBroadcast struct {
	BlockId        BlockId
	ProposerSlot   uint64
	Timestamp      uint64
	SignatureShare []byte
}

// FragmentRequest asks a peer for fragment FragmentIndex of the decided proposal
type FragmentRequest struct {
	BlockId       BlockId
	ProposerSlot  uint64
	FragmentIndex uint64
}

// FragmentResponse answers a FragmentRequest; Missing means the peer does not hold the proposal
type FragmentResponse struct {
	BlockId       BlockId
	ProposerSlot  uint64
	FragmentIndex uint64
	TotalCount    uint64 // number of fragments the block was split into
	DeclaredSize  uint64
	DeclaredHash  []byte
	Bytes         []byte
	Missing       bool
}

func (m *BVBroadcast) Kind() MessageKind        { return KindBVBroadcast }
func (m *AUXBroadcast) Kind() MessageKind       { return KindAUXBroadcast }
func (m *BlockSignBroadcast) Kind() MessageKind { return KindBlockSignBroadcast }
func (m *FragmentRequest) Kind() MessageKind    { return KindFragmentRequest }
func (m *FragmentResponse) Kind() MessageKind   { return KindFragmentResponse }

func (m *BVBroadcast) Key() ProtocolKey        { return ProtocolKey{m.BlockId, m.ProposerSlot} }
func (m *AUXBroadcast) Key() ProtocolKey       { return ProtocolKey{m.BlockId, m.ProposerSlot} }
func (m *BlockSignBroadcast) Key() ProtocolKey { return ProtocolKey{m.BlockId, m.ProposerSlot} }
func (m *FragmentRequest) Key() ProtocolKey    { return ProtocolKey{m.BlockId, m.ProposerSlot} }
func (m *FragmentResponse) Key() ProtocolKey   { return ProtocolKey{m.BlockId, m.ProposerSlot} }

func (*BVBroadcast) isMessage()        {}
func (*AUXBroadcast) isMessage()       {}
func (*BlockSignBroadcast) isMessage() {}
func (*FragmentRequest) isMessage()    {}
func (*FragmentResponse) isMessage()   {}

// Envelope is a protocol message as it travels between nodes: the sender's slot, the message and
// the sender's signature over SignBytes()
type Envelope struct {
	Sender    uint64
	Message   Message
	Signature []byte
}

// SignBytes() binds the sender slot to the encoded message
func (e *Envelope) SignBytes() ([]byte, ErrorI) {
	bz, err := EncodeMessage(e.Message)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8, 8+len(bz))
	putUint64(out, e.Sender)
	return append(out, bz...), nil
}
