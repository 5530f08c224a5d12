package spark

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// AddPublicKeys returns a+b over the curve group. The aggregate
// verifying key of a leaf is the sum of the user share key and the
// operator aggregate.
func AddPublicKeys(a, b *btcec.PublicKey) (*btcec.PublicKey, error) {
	var ja, jb, sum secp256k1.JacobianPoint
	a.AsJacobian(&ja)
	b.AsJacobian(&jb)
	secp256k1.AddNonConst(&ja, &jb, &sum)
	if (sum.X.IsZero() && sum.Y.IsZero()) || sum.Z.IsZero() {
		return nil, fmt.Errorf("public key sum is the point at infinity")
	}
	sum.ToAffine()
	return btcec.NewPublicKey(&sum.X, &sum.Y), nil
}

// SubtractPublicKeys returns a-b over the curve group, used to recover
// the operator aggregate from a verifying key and the user share key
// when checking deposit address proofs.
func SubtractPublicKeys(a, b *btcec.PublicKey) (*btcec.PublicKey, error) {
	var jb secp256k1.JacobianPoint
	b.AsJacobian(&jb)
	jb.Y.Negate(1)
	jb.Y.Normalize()
	jb.ToAffine()
	return AddPublicKeys(a, btcec.NewPublicKey(&jb.X, &jb.Y))
}

// TaprootOutputKey tweaks an internal key with the BIP-341 tap tweak
// (no script tree) and returns the output key, used when checking
// operator proof-of-possession signatures over deposit addresses.
func TaprootOutputKey(internalKey *btcec.PublicKey) *btcec.PublicKey {
	return txscript.ComputeTaprootKeyNoScript(internalKey)
}
