package signer

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Feldman verifiable secret sharing: the secret is split over a random
// degree-(t-1) polynomial, and the dealer publishes curve commitments
// to every coefficient so each share can be checked without revealing
// the polynomial. Used when handing a static-deposit key to the
// operator set.

func splitSecretWithProofs(secret *secp256k1.ModNScalar, threshold, n int) ([]VerifiableShare, error) {
	if threshold < 1 || n < threshold {
		return nil, fmt.Errorf("invalid sharing parameters t=%d n=%d", threshold, n)
	}

	coefficients := make([]*secp256k1.ModNScalar, threshold)
	coefficients[0] = new(secp256k1.ModNScalar).Set(secret)
	for i := 1; i < threshold; i++ {
		var buf [32]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, err
		}
		coefficients[i] = new(secp256k1.ModNScalar)
		if overflow := coefficients[i].SetBytes(&buf); overflow != 0 || coefficients[i].IsZero() {
			return nil, fmt.Errorf("degenerate coefficient")
		}
	}

	proofs := make([]*btcec.PublicKey, threshold)
	for i, coefficient := range coefficients {
		var point secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(coefficient, &point)
		point.ToAffine()
		proofs[i] = btcec.NewPublicKey(&point.X, &point.Y)
	}

	shares := make([]VerifiableShare, 0, n)
	for index := 1; index <= n; index++ {
		x := new(secp256k1.ModNScalar).SetInt(uint32(index))

		// Horner evaluation of the polynomial at x.
		value := new(secp256k1.ModNScalar).Set(coefficients[threshold-1])
		for i := threshold - 2; i >= 0; i-- {
			value.Mul(x)
			value.Add(coefficients[i])
		}

		share := VerifiableShare{
			Index:  uint32(index),
			Proofs: proofs,
		}
		encoded := value.Bytes()
		copy(share.Share[:], encoded[:])
		shares = append(shares, share)
	}
	return shares, nil
}

// VerifyShare checks a share against its published proofs:
//
//	share*G == Σ proofs[i] * index^i
func VerifyShare(share VerifiableShare) error {
	var left secp256k1.JacobianPoint
	var value secp256k1.ModNScalar
	buf := share.Share
	if overflow := value.SetBytes(&buf); overflow != 0 {
		return fmt.Errorf("share scalar overflow")
	}
	secp256k1.ScalarBaseMultNonConst(&value, &left)

	x := new(secp256k1.ModNScalar).SetInt(share.Index)
	power := new(secp256k1.ModNScalar).SetInt(1)
	var right secp256k1.JacobianPoint
	for _, proof := range share.Proofs {
		var commitment, scaled secp256k1.JacobianPoint
		proof.AsJacobian(&commitment)
		secp256k1.ScalarMultNonConst(power, &commitment, &scaled)
		secp256k1.AddNonConst(&right, &scaled, &right)
		power.Mul(x)
	}

	left.ToAffine()
	right.ToAffine()
	if !left.X.Equals(&right.X) || !left.Y.Equals(&right.Y) {
		return fmt.Errorf("share does not match commitments")
	}
	return nil
}
