package bft

import (
	"encoding/binary"

	"github.com/skalenetwork/skale-consensus-sub001/lib"
	"github.com/skalenetwork/skale-consensus-sub001/lib/crypto"
)

// commonCoin() returns the pseudo-random bit every honest node computes for round r of the agreement.
// All inputs are common knowledge: the previous committed hash, the block, the proposer slot and the round.
// TODO: replace with a BLS threshold coin so a network adversary cannot predict the flip.
func commonCoin(seed []byte, key lib.ProtocolKey, r uint64) bool {
	var id, slot, round [8]byte
	binary.BigEndian.PutUint64(id[:], uint64(key.BlockId))
	binary.BigEndian.PutUint64(slot[:], key.Slot)
	binary.BigEndian.PutUint64(round[:], r)
	return crypto.CoinHash(seed, id[:], slot[:], round[:])%2 == 0
}
