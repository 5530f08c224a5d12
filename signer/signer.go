// Package signer holds the user's root secret and produces every
// signature the wallet needs: plain ECDSA and Schnorr signatures under
// derived keys, the user's side of the two FROST rounds, and the final
// aggregation of operator shares. Nonces generated in round 1 never
// leave the signer; callers carry an opaque encrypted record between
// rounds instead.
package signer

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/flarewallet/sparksdk/frost"
	"github.com/flarewallet/sparksdk/spark"
)

var (
	// ErrUnknownNonce is returned when round 2 references a nonce
	// commitment the signer did not produce.
	ErrUnknownNonce = errors.New("signer: unknown nonce commitment")

	// ErrMissingSecret is returned when a secret source resolves to
	// nothing.
	ErrMissingSecret = errors.New("signer: missing secret source")
)

// Error wraps a failed cryptographic operation. Signer errors are fatal
// to the operation that triggered them and are never retried.
type Error struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("signer: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// SecretSource names a user signing secret without exposing it: either
// the key derived for a leaf, or a key the signer previously encrypted
// to itself.
type SecretSource struct {
	// LeafID derives the per-leaf signing key when set.
	LeafID spark.LeafID

	// EncryptedKey holds an ECIES blob produced by the signer, used
	// for ephemeral keys minted during transfer claim.
	EncryptedKey []byte
}

// FrostSigningCommitment is the output of FROST round 1: the public
// (hiding, binding) commitment plus the secret nonces encrypted to the
// signer itself. The encrypted record lets round 2 run even after the
// in-memory nonce cache is gone.
type FrostSigningCommitment struct {
	Commitment      frost.NonceCommitment
	EncryptedNonces []byte
}

// SignFrostRequest carries the inputs of the user's round-2 share.
// Statechain commitments are keyed by operator identifier; the frost
// package iterates them in identifier byte order.
type SignFrostRequest struct {
	// Message is the raw 32-byte sighash.
	Message [32]byte

	// PublicKey is the user's share public key for this signing run.
	PublicKey *btcec.PublicKey

	// PrivateKey names the user's share secret.
	PrivateKey SecretSource

	// VerifyingKey is the leaf's aggregate public key.
	VerifyingKey *btcec.PublicKey

	// SelfCommitment is the user's own round-1 output.
	SelfCommitment *FrostSigningCommitment

	// StatechainCommitments holds the operators' round-1 commitments.
	StatechainCommitments map[frost.Identifier]frost.NonceCommitment

	// AdaptorPublicKey optionally turns the run into an adaptor
	// signing session.
	AdaptorPublicKey *btcec.PublicKey
}

// AggregateFrostRequest carries the inputs of signature aggregation:
// everything from SignFrostRequest plus the operator shares and their
// share public keys. Each operator share is verified before summation.
type AggregateFrostRequest struct {
	SignFrostRequest

	// UserSignatureShare is the share produced by SignFrost.
	UserSignatureShare [32]byte

	// StatechainSignatures holds the operators' round-2 shares.
	StatechainSignatures map[frost.Identifier][32]byte

	// StatechainPublicKeys holds the operators' share public keys.
	StatechainPublicKeys map[frost.Identifier]*btcec.PublicKey
}

// VerifiableShare is one output of a Feldman VSS split: the share
// scalar at an index plus the curve commitments to the polynomial
// coefficients that prove the share's consistency.
type VerifiableShare struct {
	// Index is the share's x coordinate, starting at 1.
	Index uint32

	// Share is the share scalar's big-endian encoding.
	Share [32]byte

	// Proofs are the commitments to the sharing polynomial's
	// coefficients; Proofs[0] commits to the secret.
	Proofs []*btcec.PublicKey
}

// Signer is the narrow capability interface the wallet holds. It is
// safe for concurrent use; implementations synchronize their internal
// nonce and key caches.
type Signer interface {
	// IdentityPublicKey returns the stable account identity key.
	IdentityPublicKey() *btcec.PublicKey

	// PublicKeyFromSecret resolves a secret source to its public key.
	PublicKeyFromSecret(source SecretSource) (*btcec.PublicKey, error)

	// EncryptSecretTo re-encrypts the named secret under the given
	// receiver key, used when handing a rotated keyshare through the
	// operators during transfer.
	EncryptSecretTo(source SecretSource, receiver *btcec.PublicKey) ([]byte, error)

	// SignECDSA signs the sha256 digest of msg with the identity key.
	SignECDSA(msg []byte) (*ecdsa.Signature, error)

	// SignECDSARecoverable produces a compact recoverable signature
	// over the sha256 digest of msg with the identity key.
	SignECDSARecoverable(msg []byte) ([]byte, error)

	// SignHashSchnorr signs a 32-byte digest with the key named by
	// source, BIP-340 style.
	SignHashSchnorr(source SecretSource, digest [32]byte) (*schnorr.Signature, error)

	// ECIESEncrypt encrypts plaintext to the given receiver key.
	ECIESEncrypt(receiver *btcec.PublicKey, plaintext []byte) ([]byte, error)

	// ECIESDecrypt decrypts a blob encrypted to the identity key.
	ECIESDecrypt(ciphertext []byte) ([]byte, error)

	// GenerateFrostSigningCommitments runs FROST round 1 and caches
	// the nonces internally.
	GenerateFrostSigningCommitments() (*FrostSigningCommitment, error)

	// SignFrost runs FROST round 2 and returns the user's signature
	// share.
	SignFrost(req *SignFrostRequest) ([32]byte, error)

	// AggregateFrost combines the user and operator shares into the
	// final (possibly adaptor) signature.
	AggregateFrost(req *AggregateFrostRequest) (*frost.Signature, error)

	// SplitSecretWithProofs Feldman-splits the secret named by source
	// into n shares with the given threshold.
	SplitSecretWithProofs(source SecretSource, threshold, n int) ([]VerifiableShare, error)
}
