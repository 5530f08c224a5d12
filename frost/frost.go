// Package frost implements the two-round FROST threshold Schnorr
// signing protocol over secp256k1, specialized to the spark setting: a
// single user share that always participates, plus a quorum of
// statechain operator shares combined by lagrange interpolation. The
// aggregate signatures are BIP-340 compatible and verify under the
// leaf's taproot verifying key. An optional adaptor point turns the
// aggregate into an adaptor signature completable only with the
// adaptor's discrete log.
package frost

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	// ErrInvalidIdentifier is returned when an operator identifier does
	// not decode to a non-zero scalar.
	ErrInvalidIdentifier = fmt.Errorf("frost: invalid identifier")

	// ErrShareVerification is returned when an operator's signature
	// share does not verify against its commitment and public key.
	ErrShareVerification = fmt.Errorf("frost: signature share verification failed")

	// ErrMissingCommitment is returned when a share arrives for an
	// identifier with no matching round-1 commitment.
	ErrMissingCommitment = fmt.Errorf("frost: missing signing commitment")
)

// Identifier names a participant share. Operator identifiers are the
// big-endian encoding of a non-zero scalar; map iteration over
// identifiers is always performed in ascending byte order so every
// party derives the same binding factors and lagrange coefficients.
type Identifier [32]byte

// NewIdentifier builds an identifier from its big-endian byte
// encoding. Shorter encodings are right-aligned.
func NewIdentifier(b []byte) (Identifier, error) {
	var id Identifier
	if len(b) == 0 || len(b) > 32 {
		return id, ErrInvalidIdentifier
	}
	copy(id[32-len(b):], b)
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(id[:]); overflow || s.IsZero() {
		return id, ErrInvalidIdentifier
	}
	return id, nil
}

// IdentifierFromHex decodes a hex encoded identifier.
func IdentifierFromHex(s string) (Identifier, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Identifier{}, ErrInvalidIdentifier
	}
	return NewIdentifier(b)
}

// String returns the hex encoding of the identifier.
func (id Identifier) String() string {
	return hex.EncodeToString(id[:])
}

// scalar interprets the identifier as a scalar.
func (id Identifier) scalar() *secp256k1.ModNScalar {
	var s secp256k1.ModNScalar
	s.SetByteSlice(id[:])
	return &s
}

// Less orders identifiers by their byte encoding.
func (id Identifier) Less(other Identifier) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// SortedIdentifiers returns the commitment map's identifiers in
// ascending byte order.
func SortedIdentifiers(commitments map[Identifier]NonceCommitment) []Identifier {
	ids := make([]Identifier, 0, len(commitments))
	for id := range commitments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// NonceCommitment is a participant's round-1 commitment: the public
// points of the hiding and binding nonces.
type NonceCommitment struct {
	Hiding  *btcec.PublicKey
	Binding *btcec.PublicKey
}

// SigningNonces holds the secret round-1 nonces. They must be used for
// exactly one signing session and never leave the signer.
type SigningNonces struct {
	hiding  secp256k1.ModNScalar
	binding secp256k1.ModNScalar
}

// GenerateNonces produces fresh random signing nonces together with
// their public commitment.
func GenerateNonces() (*SigningNonces, NonceCommitment, error) {
	nonces := &SigningNonces{}
	for _, target := range []*secp256k1.ModNScalar{&nonces.hiding, &nonces.binding} {
		var buf [32]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, NonceCommitment{}, err
		}
		if overflow := target.SetBytes(&buf); overflow != 0 || target.IsZero() {
			return nil, NonceCommitment{}, fmt.Errorf("frost: degenerate nonce")
		}
	}
	commitment := NonceCommitment{
		Hiding:  pubKeyFromScalar(&nonces.hiding),
		Binding: pubKeyFromScalar(&nonces.binding),
	}
	return nonces, commitment, nil
}

// Marshal serializes the secret nonces, for signers that encrypt and
// cache them between round 1 and round 2.
func (n *SigningNonces) Marshal() []byte {
	out := make([]byte, 64)
	h := n.hiding.Bytes()
	b := n.binding.Bytes()
	copy(out[:32], h[:])
	copy(out[32:], b[:])
	return out
}

// UnmarshalNonces reverses Marshal.
func UnmarshalNonces(b []byte) (*SigningNonces, error) {
	if len(b) != 64 {
		return nil, fmt.Errorf("frost: bad nonce encoding length %d", len(b))
	}
	n := &SigningNonces{}
	var buf [32]byte
	copy(buf[:], b[:32])
	if overflow := n.hiding.SetBytes(&buf); overflow != 0 {
		return nil, fmt.Errorf("frost: bad hiding nonce")
	}
	copy(buf[:], b[32:])
	if overflow := n.binding.SetBytes(&buf); overflow != 0 {
		return nil, fmt.Errorf("frost: bad binding nonce")
	}
	return n, nil
}

// bindingTag is the tagged-hash domain used for binding factors.
var bindingTag = []byte("FROST/secp256k1/binding")

// lagrangeCoefficient computes the lagrange coefficient at zero for the
// share with the given identifier among the participant set.
func lagrangeCoefficient(id Identifier, participants []Identifier) (*secp256k1.ModNScalar, error) {
	num := new(secp256k1.ModNScalar).SetInt(1)
	den := new(secp256k1.ModNScalar).SetInt(1)
	xi := id.scalar()
	for _, other := range participants {
		if other == id {
			continue
		}
		xj := other.scalar()
		num.Mul(xj)
		diff := new(secp256k1.ModNScalar).Set(xj)
		neg := new(secp256k1.ModNScalar).Set(xi)
		neg.Negate()
		diff.Add(neg)
		if diff.IsZero() {
			return nil, fmt.Errorf("frost: duplicate identifier %v", id)
		}
		den.Mul(diff)
	}
	den.InverseNonConst()
	num.Mul(den)
	return num, nil
}

// pubKeyFromScalar returns s*G.
func pubKeyFromScalar(s *secp256k1.ModNScalar) *btcec.PublicKey {
	var result secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(s, &result)
	result.ToAffine()
	return btcec.NewPublicKey(&result.X, &result.Y)
}

// taggedHashScalar hashes the input under the given tag and reduces it
// to a scalar.
func taggedHashScalar(tag []byte, chunks ...[]byte) *secp256k1.ModNScalar {
	digest := chainhash.TaggedHash(tag, chunks...)
	var s secp256k1.ModNScalar
	s.SetByteSlice(digest[:])
	return &s
}
