package crypto

import (
	"encoding/hex"
	"encoding/json"
)

// NodeKeys are the two private keys of a participant: ed25519 for envelopes, BLS for threshold artifacts
type NodeKeys struct {
	PrivateKey    PrivateKeyI // ed25519
	BLSPrivateKey PrivateKeyI // bls12-381
}

type nodeKeysJSON struct {
	PrivateKey    string `json:"privateKey"`
	BLSPrivateKey string `json:"blsPrivateKey"`
}

// NewNodeKeys() generates a fresh pair of keys
func NewNodeKeys() (*NodeKeys, error) {
	pk, err := NewEd25519PrivateKey()
	if err != nil {
		return nil, err
	}
	blsKey, err := NewBLSPrivateKey()
	if err != nil {
		return nil, err
	}
	return &NodeKeys{PrivateKey: pk, BLSPrivateKey: blsKey}, nil
}

// MarshalJSON() implements the json.Marshaller interface for NodeKeys
func (k *NodeKeys) MarshalJSON() ([]byte, error) {
	return json.Marshal(nodeKeysJSON{PrivateKey: k.PrivateKey.String(), BLSPrivateKey: k.BLSPrivateKey.String()})
}

// UnmarshalJSON() implements the json.Unmarshaler interface for NodeKeys
func (k *NodeKeys) UnmarshalJSON(bz []byte) (err error) {
	var j nodeKeysJSON
	if err = json.Unmarshal(bz, &j); err != nil {
		return
	}
	edBz, err := hex.DecodeString(j.PrivateKey)
	if err != nil {
		return
	}
	if k.PrivateKey, err = NewED25519PrivateKeyFromBytes(edBz); err != nil {
		return
	}
	blsBz, err := hex.DecodeString(j.BLSPrivateKey)
	if err != nil {
		return
	}
	k.BLSPrivateKey, err = NewBLSPrivateKeyFromBytes(blsBz)
	return
}
