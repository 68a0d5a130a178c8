package lib

import (
	"encoding/binary"
	"math"
)

/*
	Fixed layout binary wire format. Every encoded message starts with the 8 byte MagicNumber followed
	by a one byte MessageKind and the kind's big endian body. Variable length fields are length prefixed.
*/

const (
	MagicNumber = uint64(0x1396A22050B30)

	maxShortField = math.MaxUint16
)

// EncodeMessage() serializes a message into the magic prefixed fixed layout
func EncodeMessage(m Message) ([]byte, ErrorI) {
	w := &writer{buf: make([]byte, 0, 64)}
	w.u64(MagicNumber)
	w.u8(uint8(m.Kind()))
	switch x := m.(type) {
	case *BVBroadcast:
		w.vote(x.BlockId, x.ProposerSlot, x.Round, x.Value)
	case *AUXBroadcast:
		w.vote(x.BlockId, x.ProposerSlot, x.Round, x.Value)
	case *BlockSignBroadcast:
		w.u64(uint64(x.BlockId))
		w.u64(x.ProposerSlot)
		w.u64(x.Timestamp)
		if err := w.short(x.SignatureShare); err != nil {
			return nil, err
		}
	case *FragmentRequest:
		w.u64(uint64(x.BlockId))
		w.u64(x.ProposerSlot)
		w.u64(x.FragmentIndex)
	case *FragmentResponse:
		w.u64(uint64(x.BlockId))
		w.u64(x.ProposerSlot)
		w.u64(x.FragmentIndex)
		w.u64(x.TotalCount)
		w.u64(x.DeclaredSize)
		w.bool(x.Missing)
		if err := w.short(x.DeclaredHash); err != nil {
			return nil, err
		}
		w.long(x.Bytes)
	default:
		return nil, ErrUnknownMessageKind(m.Kind())
	}
	return w.buf, nil
}

// DecodeMessage() parses a magic prefixed message; trailing bytes are an error
func DecodeMessage(bz []byte) (Message, ErrorI) {
	r := &reader{buf: bz}
	if magic := r.u64(); r.err == nil && magic != MagicNumber {
		return nil, ErrInvalidMagic(magic)
	}
	var m Message
	switch kind := MessageKind(r.u8()); kind {
	case KindBVBroadcast:
		x := new(BVBroadcast)
		x.BlockId, x.ProposerSlot, x.Round, x.Value = r.vote()
		m = x
	case KindAUXBroadcast:
		x := new(AUXBroadcast)
		x.BlockId, x.ProposerSlot, x.Round, x.Value = r.vote()
		m = x
	case KindBlockSignBroadcast:
		m = &BlockSignBroadcast{BlockId: BlockId(r.u64()), ProposerSlot: r.u64(), Timestamp: r.u64(), SignatureShare: r.short()}
	case KindFragmentRequest:
		m = &FragmentRequest{BlockId: BlockId(r.u64()), ProposerSlot: r.u64(), FragmentIndex: r.u64()}
	case KindFragmentResponse:
		x := &FragmentResponse{BlockId: BlockId(r.u64()), ProposerSlot: r.u64(), FragmentIndex: r.u64()}
		x.TotalCount, x.DeclaredSize, x.Missing = r.u64(), r.u64(), r.bool()
		x.DeclaredHash, x.Bytes = r.short(), r.long()
		m = x
	default:
		if r.err != nil {
			return nil, r.err
		}
		return nil, ErrUnknownMessageKind(kind)
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, ErrTruncatedMessage()
	}
	return m, nil
}

// EncodeEnvelope() serializes sender, signature and message
func EncodeEnvelope(e *Envelope) ([]byte, ErrorI) {
	msg, err := EncodeMessage(e.Message)
	if err != nil {
		return nil, err
	}
	w := &writer{buf: make([]byte, 0, 16+len(e.Signature)+len(msg))}
	w.u64(e.Sender)
	if err = w.short(e.Signature); err != nil {
		return nil, err
	}
	w.buf = append(w.buf, msg...)
	return w.buf, nil
}

// DecodeEnvelope() parses the output of EncodeEnvelope
func DecodeEnvelope(bz []byte) (*Envelope, ErrorI) {
	r := &reader{buf: bz}
	e := &Envelope{Sender: r.u64(), Signature: r.short()}
	if r.err != nil {
		return nil, r.err
	}
	m, err := DecodeMessage(r.buf)
	if err != nil {
		return nil, err
	}
	e.Message = m
	return e, nil
}

type writer struct{ buf []byte }

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *writer) vote(id BlockId, slot, round uint64, value bool) {
	w.u64(uint64(id))
	w.u64(slot)
	w.u64(round)
	w.bool(value)
}

func (w *writer) short(bz []byte) ErrorI {
	if len(bz) > maxShortField {
		return ErrMessageTooLarge(len(bz), maxShortField)
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(bz)))
	w.buf = append(w.buf, bz...)
	return nil
}

func (w *writer) long(bz []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(bz)))
	w.buf = append(w.buf, bz...)
}

// reader consumes buf front to back; the first failure sticks and zero values are returned after it
type reader struct {
	buf []byte
	err ErrorI
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err, r.buf = ErrTruncatedMessage(), nil
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) u8() uint8 {
	if bz := r.take(1); bz != nil {
		return bz[0]
	}
	return 0
}

func (r *reader) u64() uint64 {
	if bz := r.take(8); bz != nil {
		return binary.BigEndian.Uint64(bz)
	}
	return 0
}

func (r *reader) bool() bool { return r.u8() == 1 }

func (r *reader) vote() (BlockId, uint64, uint64, bool) {
	return BlockId(r.u64()), r.u64(), r.u64(), r.bool()
}

func (r *reader) short() []byte {
	l := r.take(2)
	if l == nil {
		return nil
	}
	return copyBytes(r.take(int(binary.BigEndian.Uint16(l))))
}

func (r *reader) long() []byte {
	l := r.take(4)
	if l == nil {
		return nil
	}
	return copyBytes(r.take(int(binary.BigEndian.Uint32(l))))
}

func copyBytes(bz []byte) []byte {
	if len(bz) == 0 {
		return nil
	}
	return append([]byte(nil), bz...)
}

func putUint64(bz []byte, v uint64) { binary.BigEndian.PutUint64(bz, v) }
