package bft

import (
	"sort"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
)

// Registry maps ProtocolKeys to live BinaryAgreement instances and remembers which blocks were disconnected
type Registry struct {
	instances map[lib.ProtocolKey]*BinaryAgreement
	completed map[lib.BlockId]struct{} // blocks whose instances were disconnected after commit
}

// NewRegistry() returns an empty registry
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[lib.ProtocolKey]*BinaryAgreement),
		completed: make(map[lib.BlockId]struct{}),
	}
}

// Get() returns the live instance for key
func (r *Registry) Get(key lib.ProtocolKey) (*BinaryAgreement, bool) {
	b, ok := r.instances[key]
	return b, ok
}

// Add() registers a new instance; re-creating a live or disconnected key is an error
func (r *Registry) Add(b *BinaryAgreement) lib.ErrorI {
	key := b.Key()
	if r.IsCompleted(key) {
		return ErrInstanceDisconnected(key)
	}
	if _, exists := r.instances[key]; exists {
		return ErrAgreementAlreadyStarted(key.BlockId)
	}
	r.instances[key] = b
	return nil
}

// Disconnect() removes every instance of the block and marks it completed
func (r *Registry) Disconnect(id lib.BlockId) (removed int) {
	for key := range r.instances {
		if key.BlockId == id {
			delete(r.instances, key)
			removed++
		}
	}
	r.completed[id] = struct{}{}
	return
}

// IsCompleted() returns true if the key belongs to a disconnected block
func (r *Registry) IsCompleted(key lib.ProtocolKey) bool {
	_, ok := r.completed[key.BlockId]
	return ok
}

// Keys() returns the live keys in (BlockId, Slot) order
func (r *Registry) Keys() []lib.ProtocolKey {
	keys := make([]lib.ProtocolKey, 0, len(r.instances))
	for key := range r.instances {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Len() returns the number of live instances
func (r *Registry) Len() int { return len(r.instances) }

// Prune() forgets completed markers below the window so memory stays bounded by the active window
func (r *Registry) Prune(below lib.BlockId) {
	for id := range r.completed {
		if id < below {
			delete(r.completed, id)
		}
	}
}
