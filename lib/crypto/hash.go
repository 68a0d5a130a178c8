package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"lukechampine.com/blake3"
)

const (
	HashSize = sha256.Size
)

/*
	Hash is the content hash of blocks and proposals. CoinHash is a separate fast hash used only to derive
	the pseudo-random common coin shared by all honest nodes.
*/

// Hasher() returns the global hashing algorithm used
func Hasher() hash.Hash { return sha256.New() }

// Hash() executes the global hashing algorithm on input bytes
func Hash(msg []byte) []byte {
	h := sha256.Sum256(msg)
	return h[:]
}

// HashString() returns the hex byte version of a hash
func HashString(msg []byte) string { return hex.EncodeToString(Hash(msg)) }

// ShortHashString() returns the first 8 hex characters of the hash for log lines
func ShortHashString(msg []byte) string { return HashString(msg)[:8] }

// CoinHash() returns the first 8 bytes (little endian) of the blake3 digest of the concatenated parts
func CoinHash(parts ...[]byte) uint64 {
	h := blake3.New(32, nil)
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	return binary.LittleEndian.Uint64(h.Sum(nil)[:8])
}
