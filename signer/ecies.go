package signer

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ECIES over secp256k1: an ephemeral ECDH exchange feeding
// HKDF-SHA256, authenticated with ChaCha20-Poly1305. Keyshares passed
// through operator RPCs are shielded with this scheme, as are the
// signer's own cached FROST nonces.

// eciesInfo is the HKDF context string binding derived keys to this
// scheme.
var eciesInfo = []byte("spark/ecies/v1")

func eciesSharedKey(priv *btcec.PrivateKey, pub *btcec.PublicKey) ([]byte, error) {
	var point, result secp256k1.JacobianPoint
	pub.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()
	shared := sha256.Sum256(btcec.NewPublicKey(&result.X, &result.Y).SerializeCompressed())

	reader := hkdf.New(sha256.New, shared[:], nil, eciesInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// eciesEncrypt encrypts plaintext to the receiver's key. The output is
// ephemeralPubKey || nonce || ciphertext.
func eciesEncrypt(receiver *btcec.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	key, err := eciesSharedKey(ephemeral, receiver)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 33+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, ephemeral.PubKey().SerializeCompressed()...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// eciesDecrypt reverses eciesEncrypt with the receiver's private key.
func eciesDecrypt(priv *btcec.PrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 33+chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	ephemeral, err := btcec.ParsePubKey(ciphertext[:33])
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	key, err := eciesSharedKey(priv, ephemeral)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[33 : 33+aead.NonceSize()]
	return aead.Open(nil, nonce, ciphertext[33+aead.NonceSize():], nil)
}
