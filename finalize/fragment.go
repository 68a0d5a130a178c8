package finalize

import (
	"bytes"
	"math/rand"
	"sort"
	"sync"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
)

/*
	A block under resolution is split into N-1 disjoint fragments, one per peer of the requester.
	Fragment i (1 based) covers bytes [(i-1)*chunk, min(i*chunk, S)) of the serialized block, with
	chunk = ceil(S/(N-1)); trailing fragments of a very small block may be empty.
*/

// FragmentCount() returns the number of fragments a block is split into for n nodes
func FragmentCount(n uint64) uint64 { return n - 1 }

// SplitBlock() cuts serialized block bytes into the FragmentCount(n) fragments, index 0 holding fragment 1
func SplitBlock(bz []byte, n uint64) [][]byte {
	total := FragmentCount(n)
	fragments := make([][]byte, total)
	for i := uint64(1); i <= total; i++ {
		start, end := fragmentBounds(uint64(len(bz)), total, i)
		fragments[i-1] = bz[start:end]
	}
	return fragments
}

// NewFragmentResponse() answers a request for fragment index of a block held locally
func NewFragmentResponse(b *lib.Block, n, index uint64) (*lib.FragmentResponse, lib.ErrorI) {
	total := FragmentCount(n)
	if index < 1 || index > total {
		return nil, ErrInvalidFragmentIndex(index, total)
	}
	bz, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	start, end := fragmentBounds(uint64(len(bz)), total, index)
	return &lib.FragmentResponse{
		BlockId:       b.BlockId,
		ProposerSlot:  b.ProposerSlot,
		FragmentIndex: index,
		TotalCount:    total,
		DeclaredSize:  uint64(len(bz)),
		DeclaredHash:  crypto.Hash(bz),
		Bytes:         bz[start:end],
	}, nil
}

// fragmentBounds() returns the byte range of fragment index
func fragmentBounds(size, total, index uint64) (start, end uint64) {
	chunk := (size + total - 1) / total
	start, end = (index-1)*chunk, index*chunk
	if start > size {
		start = size
	}
	if end > size {
		end = size
	}
	return
}

// FragmentSet collects the fragments of one (BlockId, ProposerSlot) from concurrent download workers
type FragmentSet struct {
	key     lib.ProtocolKey
	total   uint64
	maxSize int

	mu        sync.Mutex
	hash      []byte // fixed by the availability proof or the first accepted fragment
	size      uint64
	sized     bool
	fragments map[uint64][]byte
	rejected  int
}

// NewFragmentSet() creates an empty set for n nodes; a non-nil expectedHash pins the declared hash up front
func NewFragmentSet(key lib.ProtocolKey, n uint64, expectedHash []byte, maxSize int) *FragmentSet {
	return &FragmentSet{
		key:       key,
		total:     FragmentCount(n),
		maxSize:   maxSize,
		hash:      expectedHash,
		fragments: make(map[uint64][]byte),
	}
}

// Add() validates and stores one fragment. It returns a random index still missing (0 once complete) and whether
// this fragment completed the set. A rejected fragment never alters the fragments already accepted.
func (s *FragmentSet) Add(r *lib.FragmentResponse) (next uint64, complete bool, err lib.ErrorI) {
	if r.Missing {
		return s.NextMissing(), false, ErrNoFragment(r.ProposerSlot)
	}
	if r.Key() != s.key {
		return s.reject(ErrWrongFragmentKey(r.Key(), s.key))
	}
	if r.FragmentIndex < 1 || r.FragmentIndex > s.total || r.TotalCount != s.total {
		return s.reject(ErrInvalidFragmentIndex(r.FragmentIndex, s.total))
	}
	if r.DeclaredSize == 0 {
		return s.reject(ErrEmptyFragment())
	}
	if r.DeclaredSize > uint64(s.maxSize) {
		return s.reject(ErrFragmentOverflow(r.DeclaredSize, s.maxSize))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hash != nil && !bytes.Equal(s.hash, r.DeclaredHash) {
		s.rejected++
		return s.nextMissing(), false, ErrFragmentHashMismatch()
	}
	if s.sized && s.size != r.DeclaredSize {
		s.rejected++
		return s.nextMissing(), false, ErrFragmentSizeMismatch(r.DeclaredSize, s.size)
	}
	start, end := fragmentBounds(r.DeclaredSize, s.total, r.FragmentIndex)
	if uint64(len(r.Bytes)) != end-start {
		s.rejected++
		return s.nextMissing(), false, ErrFragmentSizeMismatch(uint64(len(r.Bytes)), end-start)
	}
	if _, exists := s.fragments[r.FragmentIndex]; exists {
		return s.nextMissing(), false, ErrDuplicateFragment(r.FragmentIndex)
	}
	if s.hash == nil {
		s.hash = r.DeclaredHash
	}
	s.size, s.sized = r.DeclaredSize, true
	s.fragments[r.FragmentIndex] = r.Bytes
	complete = uint64(len(s.fragments)) == s.total
	return s.nextMissing(), complete, nil
}

// IsComplete() returns true once every fragment index holds an accepted fragment
func (s *FragmentSet) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.fragments)) == s.total
}

// NextMissing() returns a random missing index, or 0 if the set is complete
func (s *FragmentSet) NextMissing() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextMissing()
}

// Rejected() returns the number of fragments rejected as inconsistent
func (s *FragmentSet) Rejected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

// Serialize() concatenates the fragments in index order and checks the result against the declared hash and size
func (s *FragmentSet) Serialize() ([]byte, lib.ErrorI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(len(s.fragments)) != s.total {
		return nil, ErrFragmentSetIncomplete()
	}
	indices := make([]uint64, 0, len(s.fragments))
	for i := range s.fragments {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	bz := make([]byte, 0, s.size)
	for _, i := range indices {
		bz = append(bz, s.fragments[i]...)
	}
	if uint64(len(bz)) != s.size {
		return nil, ErrFragmentSizeMismatch(uint64(len(bz)), s.size)
	}
	if !bytes.Equal(crypto.Hash(bz), s.hash) {
		return nil, ErrBlockHashMismatch()
	}
	return bz, nil
}

func (s *FragmentSet) reject(err lib.ErrorI) (uint64, bool, lib.ErrorI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected++
	return s.nextMissing(), false, err
}

func (s *FragmentSet) nextMissing() uint64 {
	missing := make([]uint64, 0, s.total)
	for i := uint64(1); i <= s.total; i++ {
		if _, ok := s.fragments[i]; !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return 0
	}
	return missing[rand.Intn(len(missing))]
}
