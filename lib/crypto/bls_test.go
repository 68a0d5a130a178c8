package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBLSAggregate(t *testing.T) {
	msg := []byte("block 7 slot 3")
	// create 4 keys, one per slot
	var keys []PrivateKeyI
	var publicKeys [][]byte
	for i := 0; i < 4; i++ {
		k, err := NewBLSPrivateKey()
		require.NoError(t, err)
		keys = append(keys, k)
		publicKeys = append(publicKeys, k.PublicKey().Bytes())
	}
	multiKey, err := NewMultiBLS(publicKeys, nil)
	require.NoError(t, err)
	// slots 1, 2 and 4 sign
	for _, i := range []int{0, 1, 3} {
		require.NoError(t, multiKey.AddSigner(keys[i].Sign(msg), i))
	}
	require.Equal(t, 3, multiKey.SignerCount())
	enabled, err := multiKey.SignerEnabledAt(2)
	require.NoError(t, err)
	require.False(t, enabled)
	enabled, err = multiKey.SignerEnabledAt(3)
	require.NoError(t, err)
	require.True(t, enabled)
	_, err = multiKey.SignerEnabledAt(4)
	require.Error(t, err)
	sig, err := multiKey.AggregateSignatures()
	require.NoError(t, err)
	require.Len(t, sig, BLS12381SignatureSize)
	require.True(t, multiKey.VerifyBytes(msg, sig))
	require.False(t, multiKey.VerifyBytes([]byte("other"), sig))
	// a verifier rebuilt from the bitmap accepts the signature
	verifier, err := NewMultiBLS(publicKeys, multiKey.Bitmap())
	require.NoError(t, err)
	require.True(t, verifier.VerifyBytes(msg, sig))
	// a verifier claiming a different signer set rejects it
	wrong, err := NewMultiBLS(publicKeys, []byte{0b0111})
	require.NoError(t, err)
	require.False(t, wrong.VerifyBytes(msg, sig))
}

func TestBLSKeyBytes(t *testing.T) {
	k, err := NewBLSPrivateKey()
	require.NoError(t, err)
	k2, err := NewBLSPrivateKeyFromBytes(k.Bytes())
	require.NoError(t, err)
	require.True(t, k.Equals(k2))
	pub, err := NewBLSPublicKeyFromBytes(k.PublicKey().Bytes())
	require.NoError(t, err)
	require.True(t, pub.Equals(k.PublicKey()))
	require.Len(t, pub.Bytes(), BLS12381PubKeySize)
	msg := []byte("hello")
	require.True(t, pub.VerifyBytes(msg, k.Sign(msg)))
}
