package crypto

import (
	"encoding/hex"
	"errors"

	"github.com/drand/kyber"
	bls12381 "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/pairing"
	"github.com/drand/kyber/sign"
	"github.com/drand/kyber/sign/bdn"
	"github.com/drand/kyber/util/random"
)

const (
	BLS12381PrivKeySize   = 32
	BLS12381PubKeySize    = 48
	BLS12381SignatureSize = 96
)

/*
	BLS12-381 keys back the two threshold artifacts of the engine: the availability proof that more than
	2/3 of the nodes hold a proposal, and the decision certificate built from block sign shares.
*/

// ensure the BLS private key conforms to the PrivateKeyI interface
var _ PrivateKeyI = &BLS12381PrivateKey{}

// BLS12381PrivateKey is a private key wrapper implementation that satisfies the PrivateKeyI interface
type BLS12381PrivateKey struct {
	kyber.Scalar
	scheme *bdn.Scheme
}

// NewBLSPrivateKey() generates a new random BLS private key
func NewBLSPrivateKey() (PrivateKeyI, error) {
	privateKey, _ := newBLSScheme().NewKeyPair(random.New())
	return &BLS12381PrivateKey{Scalar: privateKey, scheme: newBLSScheme()}, nil
}

// NewBLSPrivateKeyFromBytes() unmarshals a scalar into a BLS private key
func NewBLSPrivateKeyFromBytes(bz []byte) (PrivateKeyI, error) {
	scalar := newBLSSuite().G2().Scalar()
	if err := scalar.UnmarshalBinary(bz); err != nil {
		return nil, err
	}
	return &BLS12381PrivateKey{Scalar: scalar, scheme: newBLSScheme()}, nil
}

// Bytes() gives the binary representation of the private key
func (b *BLS12381PrivateKey) Bytes() []byte {
	bz, _ := b.MarshalBinary()
	return bz
}

// Sign() digitally signs a message and returns the signature output
func (b *BLS12381PrivateKey) Sign(msg []byte) []byte {
	bz, _ := b.scheme.Sign(b.Scalar, msg)
	return bz
}

// PublicKey() returns the individual public key that pairs with this BLS private key
func (b *BLS12381PrivateKey) PublicKey() PublicKeyI {
	suite := newBLSSuite()
	public := suite.G1().Point().Mul(b.Scalar, suite.G1().Point().Base())
	return &BLS12381PublicKey{Point: public, scheme: newBLSScheme()}
}

// Equals() compares two private key objects and returns if they are equal
func (b *BLS12381PrivateKey) Equals(i PrivateKeyI) bool {
	private, ok := i.(*BLS12381PrivateKey)
	if !ok {
		return false
	}
	return b.Equal(private.Scalar)
}

// String() returns the hex string representation of the private key
func (b *BLS12381PrivateKey) String() string { return hex.EncodeToString(b.Bytes()) }

// BLS12381PublicKey is a public key wrapper implementation that satisfies the PublicKeyI interface
type BLS12381PublicKey struct {
	kyber.Point
	scheme *bdn.Scheme
}

// NewBLSPublicKeyFromBytes() unmarshals a G1 point into a BLS public key
func NewBLSPublicKeyFromBytes(bz []byte) (PublicKeyI, error) {
	point, err := NewBLSPointFromBytes(bz)
	if err != nil {
		return nil, err
	}
	return &BLS12381PublicKey{Point: point, scheme: newBLSScheme()}, nil
}

// NewBLSPointFromBytes() unmarshals a G1 point
func NewBLSPointFromBytes(bz []byte) (kyber.Point, error) {
	point := newBLSSuite().G1().Point()
	if err := point.UnmarshalBinary(bz); err != nil {
		return nil, err
	}
	return point, nil
}

// Bytes() returns the binary representation of the public key
func (b *BLS12381PublicKey) Bytes() []byte {
	bz, _ := b.MarshalBinary()
	return bz
}

// VerifyBytes() verifies an individual BLS signature given a message and the signature out
func (b *BLS12381PublicKey) VerifyBytes(msg []byte, sig []byte) bool {
	return b.scheme.Verify(b.Point, msg, sig) == nil
}

// Equals() compares two public key objects and returns true if they are equal
func (b *BLS12381PublicKey) Equals(i PublicKeyI) bool {
	pub2, ok := i.(*BLS12381PublicKey)
	if !ok {
		return false
	}
	return b.Equal(pub2.Point)
}

// String() returns the hex string representation of the public key
func (b *BLS12381PublicKey) String() string { return hex.EncodeToString(b.Bytes()) }

// BLS12381MultiPublicKey combines the public keys of the fixed, slot ordered node list; the mask records
// which nodes contributed to an aggregate signature
type BLS12381MultiPublicKey struct {
	signatures [][]byte
	mask       *sign.Mask
	scheme     *bdn.Scheme
}

// NewMultiBLS() creates a multi key from the slot ordered public key bytes and an optional signer bitmap
func NewMultiBLS(publicKeys [][]byte, bitmap []byte) (MultiPublicKeyI, error) {
	points := make([]kyber.Point, 0, len(publicKeys))
	for _, bz := range publicKeys {
		point, err := NewBLSPointFromBytes(bz)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return NewMultiBLSFromPoints(points, bitmap)
}

// NewMultiBLSFromPoints() creates a multi key from kyber points and an optional signer bitmap
func NewMultiBLSFromPoints(publicKeys []kyber.Point, bitmap []byte) (MultiPublicKeyI, error) {
	mask, err := sign.NewMask(newBLSSuite(), publicKeys, nil)
	if err != nil {
		return nil, err
	}
	if bitmap != nil {
		if err = mask.SetMask(bitmap); err != nil {
			return nil, err
		}
	}
	return &BLS12381MultiPublicKey{mask: mask, scheme: newBLSScheme(), signatures: make([][]byte, len(publicKeys))}, nil
}

// VerifyBytes() verifies an aggregate signature against the keys enabled in the mask
func (b *BLS12381MultiPublicKey) VerifyBytes(msg, sig []byte) bool {
	publicKey, err := b.scheme.AggregatePublicKeys(b.mask)
	if err != nil {
		return false
	}
	return b.scheme.Verify(publicKey, msg, sig) == nil
}

// AggregateSignatures() aggregates the added signatures into a single 96 byte signature
func (b *BLS12381MultiPublicKey) AggregateSignatures() ([]byte, error) {
	var ordered [][]byte
	for _, signature := range b.signatures {
		if len(signature) != 0 {
			ordered = append(ordered, signature)
		}
	}
	signature, err := b.scheme.AggregateSignatures(ordered, b.mask)
	if err != nil {
		return nil, err
	}
	return signature.MarshalBinary()
}

// AddSigner() adds a signature to be aggregated; index is the signer's position in the key list
func (b *BLS12381MultiPublicKey) AddSigner(signature []byte, index int) error {
	if index < 0 || index >= len(b.signatures) {
		return errors.New("invalid signer index")
	}
	b.signatures[index] = signature
	return b.mask.SetBit(index, true)
}

// Reset() clears the mask and signatures for reuse
func (b *BLS12381MultiPublicKey) Reset() {
	b.mask, _ = sign.NewMask(newBLSSuite(), b.mask.Publics(), nil)
	b.signatures = make([][]byte, len(b.mask.Publics()))
}

// Copy() creates a safe copy of the MultiPublicKey, without the pending signatures
func (b *BLS12381MultiPublicKey) Copy() MultiPublicKeyI {
	p := b.mask.Publics()
	pCopy := make([]kyber.Point, len(p))
	copy(pCopy, p)
	m := b.mask.Mask()
	mCopy := make([]byte, len(m))
	copy(mCopy, m)
	k, _ := NewMultiBLSFromPoints(pCopy, mCopy)
	return k
}

// PublicKeys() returns the ordered list of public keys
func (b *BLS12381MultiPublicKey) PublicKeys() (keys []PublicKeyI) {
	for _, key := range b.mask.Publics() {
		keys = append(keys, &BLS12381PublicKey{Point: key, scheme: b.scheme})
	}
	return
}

// SignerCount() returns how many keys are enabled in the mask
func (b *BLS12381MultiPublicKey) SignerCount() int { return b.mask.CountEnabled() }

// Bitmap() returns the mask bytes; bit i set means signer i participated
func (b *BLS12381MultiPublicKey) Bitmap() []byte { return b.mask.Mask() }

// SignerEnabledAt() returns whether signer i participated
func (b *BLS12381MultiPublicKey) SignerEnabledAt(i int) (bool, error) {
	if i >= len(b.mask.Publics()) || i < 0 {
		return false, errors.New("invalid bitmap index")
	}
	mask := b.Bitmap()
	return mask[i/8]&(byte(1)<<(i&7)) != 0, nil
}

// SetBitmap() is used to set the mask of a BLS Multi key
func (b *BLS12381MultiPublicKey) SetBitmap(bm []byte) error { return b.mask.SetMask(bm) }

func newBLSScheme() *bdn.Scheme  { return bdn.NewSchemeOnG2(newBLSSuite()) }
func newBLSSuite() pairing.Suite { return bls12381.NewBLS12381Suite() }
