package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/flarewallet/sparksdk/frost"
	"github.com/flarewallet/sparksdk/spark"
)

// Derivation accounts under the seed's master key.
const (
	identityKeyIndex = hdkeychain.HardenedKeyStart + 0
	depositKeyIndex  = hdkeychain.HardenedKeyStart + 1
)

// leafKeyTag is the tagged-hash domain for per-leaf signing keys.
var leafKeyTag = []byte("spark/leafkey")

// MemorySigner is a seed-backed Signer. All state lives in memory: the
// derived key cache and the round-1 nonce cache are interior-locked so
// the signer can be shared across the wallet's goroutines.
type MemorySigner struct {
	identityPriv *btcec.PrivateKey
	master       *hdkeychain.ExtendedKey
	masterSecret [32]byte
	network      spark.Network

	mu sync.Mutex
	// nonceCache maps a commitment fingerprint to the secret nonces
	// generated with it.
	nonceCache map[string]*frost.SigningNonces
	// keyCache memoizes per-leaf derived keys.
	keyCache map[spark.LeafID]*btcec.PrivateKey
}

// compile-time interface check.
var _ Signer = (*MemorySigner)(nil)

// NewMemorySigner derives a signer from a wallet seed.
func NewMemorySigner(seed []byte, network spark.Network) (*MemorySigner, error) {
	master, err := hdkeychain.NewMaster(seed, network.ChainParams())
	if err != nil {
		return nil, &Error{Op: "derive master", Err: err}
	}
	identity, err := master.Derive(identityKeyIndex)
	if err != nil {
		return nil, &Error{Op: "derive identity", Err: err}
	}
	identityPriv, err := identity.ECPrivKey()
	if err != nil {
		return nil, &Error{Op: "identity private key", Err: err}
	}

	s := &MemorySigner{
		identityPriv: identityPriv,
		master:       master,
		network:      network,
		nonceCache:   make(map[string]*frost.SigningNonces),
		keyCache:     make(map[spark.LeafID]*btcec.PrivateKey),
	}
	copy(s.masterSecret[:], chainhash.HashB(seed))
	return s, nil
}

// IdentityPublicKey returns the stable account identity key.
func (s *MemorySigner) IdentityPublicKey() *btcec.PublicKey {
	return s.identityPriv.PubKey()
}

// DepositSigningKey returns the static-deposit signing public key,
// derived at its own hardened account under the master key.
func (s *MemorySigner) DepositSigningKey() (*btcec.PublicKey, error) {
	child, err := s.master.Derive(depositKeyIndex)
	if err != nil {
		return nil, &Error{Op: "derive deposit key", Err: err}
	}
	return child.ECPubKey()
}

// DepositSecretSource names the static-deposit key as a secret source
// for FROST signing and VSS transfer.
func (s *MemorySigner) DepositSecretSource() (SecretSource, error) {
	child, err := s.master.Derive(depositKeyIndex)
	if err != nil {
		return SecretSource{}, &Error{Op: "derive deposit key", Err: err}
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return SecretSource{}, &Error{Op: "deposit private key", Err: err}
	}
	blob, err := eciesEncrypt(s.identityPriv.PubKey(), priv.Serialize())
	if err != nil {
		return SecretSource{}, &Error{Op: "encrypt deposit key", Err: err}
	}
	return SecretSource{EncryptedKey: blob}, nil
}

// leafPrivateKey derives (and caches) the signing key for a leaf.
func (s *MemorySigner) leafPrivateKey(id spark.LeafID) *btcec.PrivateKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keyCache[id]; ok {
		return key
	}
	key := s.deriveTagged(leafKeyTag, []byte(id))
	s.keyCache[id] = key
	return key
}

// deriveTagged maps (tag, data) deterministically to a private key.
func (s *MemorySigner) deriveTagged(tag, data []byte) *btcec.PrivateKey {
	digest := chainhash.TaggedHash(tag, s.masterSecret[:], data)
	var scalar secp256k1.ModNScalar
	scalar.SetByteSlice(digest[:])
	encoded := scalar.Bytes()
	priv, _ := btcec.PrivKeyFromBytes(encoded[:])
	return priv
}

// resolveSecret maps a secret source to its private key.
func (s *MemorySigner) resolveSecret(source SecretSource) (*btcec.PrivateKey, error) {
	switch {
	case source.LeafID != "":
		return s.leafPrivateKey(source.LeafID), nil
	case len(source.EncryptedKey) > 0:
		plaintext, err := eciesDecrypt(s.identityPriv, source.EncryptedKey)
		if err != nil {
			return nil, &Error{Op: "decrypt secret", Err: err}
		}
		if len(plaintext) != 32 {
			return nil, &Error{Op: "decrypt secret",
				Err: fmt.Errorf("bad key length %d", len(plaintext))}
		}
		priv, _ := btcec.PrivKeyFromBytes(plaintext)
		return priv, nil
	}
	return nil, ErrMissingSecret
}

// PublicKeyFromSecret resolves a secret source to its public key.
func (s *MemorySigner) PublicKeyFromSecret(source SecretSource) (*btcec.PublicKey, error) {
	priv, err := s.resolveSecret(source)
	if err != nil {
		return nil, err
	}
	return priv.PubKey(), nil
}

// EncryptSecretTo re-encrypts the named secret under the receiver key.
func (s *MemorySigner) EncryptSecretTo(source SecretSource,
	receiver *btcec.PublicKey) ([]byte, error) {

	priv, err := s.resolveSecret(source)
	if err != nil {
		return nil, err
	}
	blob, err := eciesEncrypt(receiver, priv.Serialize())
	if err != nil {
		return nil, &Error{Op: "encrypt secret", Err: err}
	}
	return blob, nil
}

// SignECDSA signs the sha256 digest of msg with the identity key.
func (s *MemorySigner) SignECDSA(msg []byte) (*ecdsa.Signature, error) {
	digest := sha256.Sum256(msg)
	return ecdsa.Sign(s.identityPriv, digest[:]), nil
}

// SignECDSARecoverable produces a compact recoverable signature over
// the sha256 digest of msg.
func (s *MemorySigner) SignECDSARecoverable(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return ecdsa.SignCompact(s.identityPriv, digest[:], true)
}

// SignHashSchnorr signs a 32-byte digest with the key named by source.
func (s *MemorySigner) SignHashSchnorr(source SecretSource,
	digest [32]byte) (*schnorr.Signature, error) {

	priv, err := s.resolveSecret(source)
	if err != nil {
		return nil, err
	}
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return nil, &Error{Op: "schnorr sign", Err: err}
	}
	return sig, nil
}

// ECIESEncrypt encrypts plaintext to the receiver key.
func (s *MemorySigner) ECIESEncrypt(receiver *btcec.PublicKey, plaintext []byte) ([]byte, error) {
	out, err := eciesEncrypt(receiver, plaintext)
	if err != nil {
		return nil, &Error{Op: "ecies encrypt", Err: err}
	}
	return out, nil
}

// ECIESDecrypt decrypts a blob encrypted to the identity key.
func (s *MemorySigner) ECIESDecrypt(ciphertext []byte) ([]byte, error) {
	out, err := eciesDecrypt(s.identityPriv, ciphertext)
	if err != nil {
		return nil, &Error{Op: "ecies decrypt", Err: err}
	}
	return out, nil
}

// GenerateFrostSigningCommitments runs FROST round 1. The nonces stay
// in the in-memory cache keyed by their commitment fingerprint, and a
// self-encrypted copy rides along in the returned record.
func (s *MemorySigner) GenerateFrostSigningCommitments() (*FrostSigningCommitment, error) {
	nonces, commitment, err := frost.GenerateNonces()
	if err != nil {
		return nil, &Error{Op: "generate nonces", Err: err}
	}
	encrypted, err := eciesEncrypt(s.identityPriv.PubKey(), nonces.Marshal())
	if err != nil {
		return nil, &Error{Op: "encrypt nonces", Err: err}
	}

	s.mu.Lock()
	s.nonceCache[commitmentFingerprint(commitment)] = nonces
	s.mu.Unlock()

	return &FrostSigningCommitment{
		Commitment:      commitment,
		EncryptedNonces: encrypted,
	}, nil
}

// lookupNonces retrieves the nonces for a round-1 record, from the
// cache or by decrypting the record. A cache hit removes the entry;
// SignFrost puts it back after signing, and a record carrying encrypted
// nonces resolves regardless, so reuse of a nonce pair is not blocked
// here.
func (s *MemorySigner) lookupNonces(record *FrostSigningCommitment) (*frost.SigningNonces, error) {
	fingerprint := commitmentFingerprint(record.Commitment)
	s.mu.Lock()
	nonces, ok := s.nonceCache[fingerprint]
	if ok {
		delete(s.nonceCache, fingerprint)
	}
	s.mu.Unlock()
	if ok {
		return nonces, nil
	}

	if len(record.EncryptedNonces) == 0 {
		return nil, ErrUnknownNonce
	}
	plaintext, err := eciesDecrypt(s.identityPriv, record.EncryptedNonces)
	if err != nil {
		return nil, &Error{Op: "decrypt nonces", Err: err}
	}
	return frost.UnmarshalNonces(plaintext)
}

// SignFrost runs FROST round 2 and returns the user's share.
func (s *MemorySigner) SignFrost(req *SignFrostRequest) ([32]byte, error) {
	var out [32]byte
	priv, err := s.resolveSecret(req.PrivateKey)
	if err != nil {
		return out, err
	}
	nonces, err := s.lookupNonces(req.SelfCommitment)
	if err != nil {
		return out, err
	}

	session := &frost.Session{
		Message:             req.Message,
		VerifyingKey:        req.VerifyingKey,
		UserCommitment:      req.SelfCommitment.Commitment,
		OperatorCommitments: req.StatechainCommitments,
		AdaptorPublicKey:    req.AdaptorPublicKey,
	}
	share, err := session.SignUser(&priv.Key, nonces)
	if err != nil {
		return out, &Error{Op: "frost sign", Err: err}
	}
	encoded := share.Bytes()
	copy(out[:], encoded[:])

	// Put the nonces back in the cache: the transfer flows run round 2
	// twice for the same session (once for the user shares, once again
	// to aggregate), and the second pass resolves from the cache.
	s.mu.Lock()
	s.nonceCache[commitmentFingerprint(req.SelfCommitment.Commitment)] = nonces
	s.mu.Unlock()

	return out, nil
}

// AggregateFrost verifies each operator share and combines everything
// into the final signature. With an adaptor key present, the result is
// an adaptor signature.
func (s *MemorySigner) AggregateFrost(req *AggregateFrostRequest) (*frost.Signature, error) {
	session := &frost.Session{
		Message:             req.Message,
		VerifyingKey:        req.VerifyingKey,
		UserCommitment:      req.SelfCommitment.Commitment,
		OperatorCommitments: req.StatechainCommitments,
		AdaptorPublicKey:    req.AdaptorPublicKey,
	}

	userShare := new(secp256k1.ModNScalar)
	shareBytes := req.UserSignatureShare
	if overflow := userShare.SetBytes(&shareBytes); overflow != 0 {
		return nil, &Error{Op: "frost aggregate", Err: fmt.Errorf("user share overflow")}
	}

	operatorShares := make(map[frost.Identifier]*secp256k1.ModNScalar, len(req.StatechainSignatures))
	for id, encoded := range req.StatechainSignatures {
		share := new(secp256k1.ModNScalar)
		buf := encoded
		if overflow := share.SetBytes(&buf); overflow != 0 {
			return nil, &Error{Op: "frost aggregate",
				Err: fmt.Errorf("operator %v share overflow", id)}
		}
		operatorShares[id] = share
	}

	sig, err := session.Aggregate(userShare, operatorShares, req.StatechainPublicKeys)
	if err != nil {
		return nil, &Error{Op: "frost aggregate", Err: err}
	}
	return sig, nil
}

// SplitSecretWithProofs Feldman-splits the named secret.
func (s *MemorySigner) SplitSecretWithProofs(source SecretSource,
	threshold, n int) ([]VerifiableShare, error) {

	priv, err := s.resolveSecret(source)
	if err != nil {
		return nil, err
	}
	shares, err := splitSecretWithProofs(&priv.Key, threshold, n)
	if err != nil {
		return nil, &Error{Op: "split secret", Err: err}
	}
	return shares, nil
}

func commitmentFingerprint(c frost.NonceCommitment) string {
	buf := make([]byte, 0, 66)
	buf = append(buf, c.Hiding.SerializeCompressed()...)
	buf = append(buf, c.Binding.SerializeCompressed()...)
	return hex.EncodeToString(buf)
}
