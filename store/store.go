package store

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
)

var (
	proposalPrefix    = []byte("p/") // proposals held locally, by (BlockId, slot)
	committedPrefix   = []byte("c/") // committed blocks, by BlockId
	proofPrefix       = []byte("d/") // availability proofs, by (BlockId, slot)
	certificatePrefix = []byte("q/") // decision certificates, by BlockId
	outboundPrefix    = []byte("o/") // envelopes this node broadcast, by (BlockId, hash)
	lastCommittedKey  = []byte("a/") // id of the last committed block
)

/*
	Store persists everything the engine must not lose across a restart on a single badger instance:

	1. Proposals: blocks this node holds for (BlockId, slot), either received from their proposer or
	   reconstructed from fragments. The fragment server answers from here.
	2. Committed blocks: the chain, strictly in BlockId order, plus the last committed id.
	3. Availability proofs and decision certificates: the BLS artifacts that justify a block.
	4. Outbound log: every envelope this node broadcast, so it can be re-sent to peers that missed it.

	Keys are prefix || big endian ids so iteration follows BlockId order.
*/

type Store struct {
	db            *badger.DB
	lastCommitted atomic.Uint64
	metrics       *lib.Metrics
	log           lib.LoggerI
}

// New() creates a Store either in memory or on disk under the data directory
func New(config lib.StoreConfig, metrics *lib.Metrics, log lib.LoggerI) (*Store, lib.ErrorI) {
	if config.InMemory {
		return NewStoreInMemory(log)
	}
	opts := badger.DefaultOptions(filepath.Join(config.DataDirPath, config.DBName)).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, ErrOpenDB(err)
	}
	return NewStoreWithDB(db, metrics, log)
}

// NewStoreInMemory() creates a Store that is discarded on Close()
func NewStoreInMemory(log lib.LoggerI) (*Store, lib.ErrorI) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, ErrOpenDB(err)
	}
	return NewStoreWithDB(db, nil, log)
}

// NewStoreWithDB() wraps an open badger DB and loads the last committed id
func NewStoreWithDB(db *badger.DB, metrics *lib.Metrics, log lib.LoggerI) (*Store, lib.ErrorI) {
	s := &Store{db: db, metrics: metrics, log: log}
	bz, err := s.get(lastCommittedKey)
	if err != nil {
		return nil, err
	}
	if bz != nil {
		s.lastCommitted.Store(binary.BigEndian.Uint64(bz))
	}
	return s, nil
}

// Close() flushes and closes the database
func (s *Store) Close() lib.ErrorI {
	if err := s.db.Close(); err != nil {
		return ErrCloseDB(err)
	}
	return nil
}

// StoreBlock() saves a proposal this node holds
func (s *Store) StoreBlock(b *lib.Block) lib.ErrorI {
	bz, err := b.Bytes()
	if err != nil {
		return err
	}
	return s.set(key(proposalPrefix, uint64(b.BlockId), b.ProposerSlot), bz)
}

// GetLocalBlock() returns the proposal of slot for the block, or nil if this node does not hold it
func (s *Store) GetLocalBlock(id lib.BlockId, slot uint64) (*lib.Block, lib.ErrorI) {
	return s.getBlock(key(proposalPrefix, uint64(id), slot))
}

// CommitBlock() appends the block to the chain; it must be the successor of the last committed block
func (s *Store) CommitBlock(b *lib.Block) lib.ErrorI {
	if b == nil {
		return lib.ErrNilBlock()
	}
	if expected := s.LastCommitted() + 1; b.BlockId != expected {
		return ErrBlockCommittedOutOfOrder(b.BlockId, expected)
	}
	bz, err := b.Bytes()
	if err != nil {
		return err
	}
	last := make([]byte, 8)
	binary.BigEndian.PutUint64(last, uint64(b.BlockId))
	if e := s.db.Update(func(txn *badger.Txn) error {
		if e := txn.Set(key(committedPrefix, uint64(b.BlockId)), bz); e != nil {
			return e
		}
		return txn.Set(lastCommittedKey, last)
	}); e != nil {
		return ErrCommitDB(e)
	}
	s.lastCommitted.Store(uint64(b.BlockId))
	return nil
}

// GetCommittedBlock() returns the committed block, or nil if the chain is not that long
func (s *Store) GetCommittedBlock(id lib.BlockId) (*lib.Block, lib.ErrorI) {
	return s.getBlock(key(committedPrefix, uint64(id)))
}

// LastCommitted() returns the id of the last committed block; 0 before the first commit
func (s *Store) LastCommitted() lib.BlockId { return lib.BlockId(s.lastCommitted.Load()) }

// PreviousBlockHash() returns the hash of block id-1, the seed shared by all honest nodes for block id
func (s *Store) PreviousBlockHash(id lib.BlockId) ([]byte, lib.ErrorI) {
	if id <= 1 {
		return nil, nil
	}
	b, err := s.GetCommittedBlock(id - 1)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrStoreGet(errors.New("previous block not committed"))
	}
	return b.Hash()
}

// SaveAvailabilityProof() stores the proof that more than 2/3 of the nodes hold a proposal
func (s *Store) SaveAvailabilityProof(p *lib.AvailabilityProof) lib.ErrorI {
	bz, err := lib.MarshalJSON(p)
	if err != nil {
		return err
	}
	return s.set(key(proofPrefix, uint64(p.BlockId), p.Slot), bz)
}

// AvailabilityProof() returns the stored proof, or nil if there is none
func (s *Store) AvailabilityProof(id lib.BlockId, slot uint64) (*lib.AvailabilityProof, lib.ErrorI) {
	bz, err := s.get(key(proofPrefix, uint64(id), slot))
	if err != nil || bz == nil {
		return nil, err
	}
	p := new(lib.AvailabilityProof)
	if err = lib.UnmarshalJSON(bz, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SaveDecisionCertificate() stores the aggregate block sign of a decided block
func (s *Store) SaveDecisionCertificate(c *lib.DecisionCertificate) lib.ErrorI {
	bz, err := lib.MarshalJSON(c)
	if err != nil {
		return err
	}
	return s.set(key(certificatePrefix, uint64(c.BlockId)), bz)
}

// DecisionCertificate() returns the certificate of the block, or nil if there is none
func (s *Store) DecisionCertificate(id lib.BlockId) (*lib.DecisionCertificate, lib.ErrorI) {
	bz, err := s.get(key(certificatePrefix, uint64(id)))
	if err != nil || bz == nil {
		return nil, err
	}
	c := new(lib.DecisionCertificate)
	if err = lib.UnmarshalJSON(bz, c); err != nil {
		return nil, err
	}
	return c, nil
}

// SaveOutbound() logs an envelope this node broadcast for the block
func (s *Store) SaveOutbound(id lib.BlockId, bz []byte) lib.ErrorI {
	return s.set(append(key(outboundPrefix, uint64(id)), crypto.Hash(bz)...), bz)
}

// OutboundMessages() returns the envelopes this node broadcast for the block
func (s *Store) OutboundMessages(id lib.BlockId) (messages [][]byte, err lib.ErrorI) {
	prefix := key(outboundPrefix, uint64(id))
	if e := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, e := it.Item().ValueCopy(nil)
			if e != nil {
				return e
			}
			messages = append(messages, v)
		}
		return nil
	}); e != nil {
		return nil, ErrStoreGet(e)
	}
	return
}

// PruneOutbound() deletes the outbound log of every block below `below`
func (s *Store) PruneOutbound(below lib.BlockId) lib.ErrorI {
	var keys [][]byte
	if e := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: outboundPrefix})
		defer it.Close()
		end := key(outboundPrefix, uint64(below))
		for it.Seek(outboundPrefix); it.ValidForPrefix(outboundPrefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			if string(k) >= string(end) {
				break
			}
			keys = append(keys, k)
		}
		return nil
	}); e != nil {
		return ErrStoreGet(e)
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if e := wb.Delete(k); e != nil {
			return ErrStoreDelete(e)
		}
	}
	if e := wb.Flush(); e != nil {
		return ErrStoreDelete(e)
	}
	return nil
}

func (s *Store) getBlock(k []byte) (*lib.Block, lib.ErrorI) {
	bz, err := s.get(k)
	if err != nil || bz == nil {
		return nil, err
	}
	return lib.NewBlockFromBytes(bz)
}

// get() returns nil without error for a missing key
func (s *Store) get(k []byte) (value []byte, err lib.ErrorI) {
	if e := s.db.View(func(txn *badger.Txn) error {
		item, e := txn.Get(k)
		if e != nil {
			return e
		}
		value, e = item.ValueCopy(nil)
		return e
	}); e != nil && !errors.Is(e, badger.ErrKeyNotFound) {
		return nil, ErrStoreGet(e)
	}
	return
}

func (s *Store) set(k, v []byte) lib.ErrorI {
	if e := s.db.Update(func(txn *badger.Txn) error { return txn.Set(k, v) }); e != nil {
		return ErrStoreSet(e)
	}
	return nil
}

// key() joins a prefix with big endian ids
func key(prefix []byte, ids ...uint64) []byte {
	k := make([]byte, len(prefix), len(prefix)+8*len(ids))
	copy(k, prefix)
	for _, id := range ids {
		k = binary.BigEndian.AppendUint64(k, id)
	}
	return k
}
