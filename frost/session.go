package frost

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Session captures the public inputs of one FROST signing run: the
// 32-byte message (a transaction sighash), the aggregate verifying key,
// the round-1 commitments of every participant, and an optional adaptor
// point. All derived values (binding factors, group commitment,
// challenge) are deterministic in these inputs, so the user and every
// operator construct identical sessions independently.
type Session struct {
	// Message is the raw 32-byte sighash being signed.
	Message [32]byte

	// VerifyingKey is the leaf's aggregate public key, the sum of the
	// user share public key and the operator aggregate.
	VerifyingKey *btcec.PublicKey

	// UserCommitment is the user's round-1 commitment. The user share
	// always participates and carries a lagrange coefficient of one.
	UserCommitment NonceCommitment

	// OperatorCommitments holds the participating operators' round-1
	// commitments keyed by identifier.
	OperatorCommitments map[Identifier]NonceCommitment

	// AdaptorPublicKey, when set, offsets the group commitment so the
	// aggregate becomes an adaptor signature.
	AdaptorPublicKey *btcec.PublicKey
}

// bindingFactors derives the per-participant binding factors. The
// transcript commits to the message and the full ordered commitment
// list, so a participant cannot grind its binding nonce after seeing
// the others.
func (s *Session) bindingFactors() (*secp256k1.ModNScalar, map[Identifier]*secp256k1.ModNScalar) {
	transcript := make([]byte, 0, 32+(len(s.OperatorCommitments)+1)*66)
	transcript = append(transcript, s.Message[:]...)
	transcript = append(transcript, s.UserCommitment.Hiding.SerializeCompressed()...)
	transcript = append(transcript, s.UserCommitment.Binding.SerializeCompressed()...)
	ids := SortedIdentifiers(s.OperatorCommitments)
	for _, id := range ids {
		c := s.OperatorCommitments[id]
		transcript = append(transcript, id[:]...)
		transcript = append(transcript, c.Hiding.SerializeCompressed()...)
		transcript = append(transcript, c.Binding.SerializeCompressed()...)
	}

	var userID Identifier
	userFactor := taggedHashScalar(bindingTag, transcript, userID[:])
	factors := make(map[Identifier]*secp256k1.ModNScalar, len(ids))
	for _, id := range ids {
		factors[id] = taggedHashScalar(bindingTag, transcript, id[:])
	}
	return userFactor, factors
}

// groupCommitment sums every participant's hiding commitment plus its
// binding commitment scaled by the binding factor, then applies the
// adaptor offset. It returns the affine point R' used in the challenge
// together with whether its Y coordinate is odd; odd-Y group
// commitments require every participant to negate its nonces.
func (s *Session) groupCommitment() (secp256k1.JacobianPoint, bool, error) {
	userFactor, factors := s.bindingFactors()

	var sum secp256k1.JacobianPoint
	add := func(c NonceCommitment, factor *secp256k1.ModNScalar) {
		var hiding, binding, scaled secp256k1.JacobianPoint
		c.Hiding.AsJacobian(&hiding)
		c.Binding.AsJacobian(&binding)
		secp256k1.ScalarMultNonConst(factor, &binding, &scaled)
		secp256k1.AddNonConst(&sum, &hiding, &sum)
		secp256k1.AddNonConst(&sum, &scaled, &sum)
	}
	add(s.UserCommitment, userFactor)
	for _, id := range SortedIdentifiers(s.OperatorCommitments) {
		add(s.OperatorCommitments[id], factors[id])
	}

	if s.AdaptorPublicKey != nil {
		var adaptor secp256k1.JacobianPoint
		s.AdaptorPublicKey.AsJacobian(&adaptor)
		secp256k1.AddNonConst(&sum, &adaptor, &sum)
	}

	if (sum.X.IsZero() && sum.Y.IsZero()) || sum.Z.IsZero() {
		return sum, false, fmt.Errorf("frost: degenerate group commitment")
	}
	sum.ToAffine()
	return sum, sum.Y.IsOdd(), nil
}

// challenge computes the BIP-340 challenge scalar for the session.
func (s *Session) challenge(groupCommitment *secp256k1.JacobianPoint) *secp256k1.ModNScalar {
	rBytes := groupCommitment.X.Bytes()
	pBytes := schnorr.SerializePubKey(s.VerifyingKey)
	return taggedHashScalar([]byte("BIP0340/challenge"), rBytes[:], pBytes, s.Message[:])
}

// signShare computes one participant's round-2 share:
//
//	z = d + e*rho + lambda*c*secret
//
// with d, e negated when the group commitment has odd Y and the secret
// negated when the verifying key has odd Y, per BIP-340 x-only keys.
func (s *Session) signShare(secret *secp256k1.ModNScalar, nonces *SigningNonces,
	bindingFactor, lambda *secp256k1.ModNScalar) (*secp256k1.ModNScalar, error) {

	groupCommitment, nonceNegate, err := s.groupCommitment()
	if err != nil {
		return nil, err
	}
	c := s.challenge(&groupCommitment)

	d := new(secp256k1.ModNScalar).Set(&nonces.hiding)
	e := new(secp256k1.ModNScalar).Set(&nonces.binding)
	if nonceNegate {
		d.Negate()
		e.Negate()
	}

	sec := new(secp256k1.ModNScalar).Set(secret)
	if s.VerifyingKey.SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd {
		sec.Negate()
	}

	z := new(secp256k1.ModNScalar).Set(e)
	z.Mul(bindingFactor)
	z.Add(d)
	term := new(secp256k1.ModNScalar).Set(c)
	term.Mul(lambda)
	term.Mul(sec)
	z.Add(term)
	return z, nil
}

// SignUser produces the user's signature share. The user share is not
// interpolated; its lagrange coefficient is one.
func (s *Session) SignUser(secret *secp256k1.ModNScalar,
	nonces *SigningNonces) (*secp256k1.ModNScalar, error) {

	userFactor, _ := s.bindingFactors()
	one := new(secp256k1.ModNScalar).SetInt(1)
	return s.signShare(secret, nonces, userFactor, one)
}

// SignOperator produces an operator's signature share, interpolated
// over the participating operator identifier set.
func (s *Session) SignOperator(id Identifier, secret *secp256k1.ModNScalar,
	nonces *SigningNonces) (*secp256k1.ModNScalar, error) {

	if _, ok := s.OperatorCommitments[id]; !ok {
		return nil, ErrMissingCommitment
	}
	_, factors := s.bindingFactors()
	lambda, err := lagrangeCoefficient(id, SortedIdentifiers(s.OperatorCommitments))
	if err != nil {
		return nil, err
	}
	return s.signShare(secret, nonces, factors[id], lambda)
}

// VerifyOperatorShare checks an operator's round-2 share against its
// round-1 commitment and share public key:
//
//	z*G == D + rho*E + lambda*c*X
//
// and returns ErrShareVerification on mismatch. Aggregation runs this
// for every operator share so a malformed share is attributed to its
// operator instead of surfacing as a bad final signature.
func (s *Session) VerifyOperatorShare(id Identifier, share *secp256k1.ModNScalar,
	sharePub *btcec.PublicKey) error {

	commitment, ok := s.OperatorCommitments[id]
	if !ok {
		return ErrMissingCommitment
	}
	groupCommitment, nonceNegate, err := s.groupCommitment()
	if err != nil {
		return err
	}
	c := s.challenge(&groupCommitment)
	_, factors := s.bindingFactors()
	lambda, err := lagrangeCoefficient(id, SortedIdentifiers(s.OperatorCommitments))
	if err != nil {
		return err
	}

	// Left side: z*G.
	var left secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(share, &left)

	// Right side: D + rho*E + lambda*c*X, with the same negations the
	// signer applied.
	var hiding, binding, scaledBinding, pub, scaledPub, right secp256k1.JacobianPoint
	commitment.Hiding.AsJacobian(&hiding)
	commitment.Binding.AsJacobian(&binding)
	secp256k1.ScalarMultNonConst(factors[id], &binding, &scaledBinding)
	secp256k1.AddNonConst(&hiding, &scaledBinding, &right)
	if nonceNegate {
		negateJacobian(&right)
	}

	sharePub.AsJacobian(&pub)
	if s.VerifyingKey.SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd {
		negateJacobian(&pub)
	}
	term := new(secp256k1.ModNScalar).Set(c)
	term.Mul(lambda)
	secp256k1.ScalarMultNonConst(term, &pub, &scaledPub)
	secp256k1.AddNonConst(&right, &scaledPub, &right)

	left.ToAffine()
	right.ToAffine()
	if !left.X.Equals(&right.X) || !left.Y.Equals(&right.Y) {
		return ErrShareVerification
	}
	return nil
}

// Signature is a finalized or adaptor aggregate. For a plain session it
// is a valid BIP-340 signature over the message. For an adaptor session
// it only becomes valid once Complete is called with the adaptor
// secret.
type Signature struct {
	r [32]byte
	z secp256k1.ModNScalar

	// needsNegation records whether the group commitment (including
	// the adaptor offset) had odd Y, in which case completing the
	// adaptor requires subtracting the adaptor secret instead of
	// adding it.
	needsNegation bool
}

// Serialize returns the 64-byte BIP-340 encoding.
func (sig *Signature) Serialize() [64]byte {
	var out [64]byte
	copy(out[:32], sig.r[:])
	z := sig.z.Bytes()
	copy(out[32:], z[:])
	return out
}

// ParseSignature decodes a 64-byte aggregate produced by Serialize.
func ParseSignature(b []byte) (*Signature, error) {
	if len(b) != 64 {
		return nil, fmt.Errorf("frost: bad signature length %d", len(b))
	}
	sig := &Signature{}
	copy(sig.r[:], b[:32])
	var buf [32]byte
	copy(buf[:], b[32:])
	if overflow := sig.z.SetBytes(&buf); overflow != 0 {
		return nil, fmt.Errorf("frost: signature scalar overflow")
	}
	return sig, nil
}

// Complete turns an adaptor signature into a valid BIP-340 signature by
// folding in the adaptor secret.
func (sig *Signature) Complete(adaptorSecret *secp256k1.ModNScalar) *Signature {
	t := new(secp256k1.ModNScalar).Set(adaptorSecret)
	if sig.needsNegation {
		t.Negate()
	}
	completed := &Signature{r: sig.r}
	completed.z.Set(&sig.z)
	completed.z.Add(t)
	return completed
}

// CompleteNegated completes with the negated adaptor secret. Parsed
// pre-signatures do not carry the group commitment's parity, so a
// completer that only holds the serialized form tries both variants
// against the message.
func (sig *Signature) CompleteNegated(adaptorSecret *secp256k1.ModNScalar) *Signature {
	t := new(secp256k1.ModNScalar).Set(adaptorSecret)
	if !sig.needsNegation {
		t.Negate()
	}
	completed := &Signature{r: sig.r}
	completed.z.Set(&sig.z)
	completed.z.Add(t)
	return completed
}

// Aggregate combines the user share with the operator shares into the
// final 64-byte aggregate. Every operator share is verified against its
// public key before summation; a bad share fails aggregation with
// ErrShareVerification rather than producing an invalid signature.
// Plain (non-adaptor) aggregates are additionally checked against the
// verifying key before being returned.
func (s *Session) Aggregate(userShare *secp256k1.ModNScalar,
	operatorShares map[Identifier]*secp256k1.ModNScalar,
	operatorPubKeys map[Identifier]*btcec.PublicKey) (*Signature, error) {

	if len(operatorShares) != len(s.OperatorCommitments) {
		return nil, fmt.Errorf("frost: got %d operator shares, want %d",
			len(operatorShares), len(s.OperatorCommitments))
	}
	for id, share := range operatorShares {
		pub, ok := operatorPubKeys[id]
		if !ok {
			return nil, fmt.Errorf("frost: no public key for operator %v", id)
		}
		if err := s.VerifyOperatorShare(id, share, pub); err != nil {
			return nil, fmt.Errorf("operator %v: %w", id, err)
		}
	}

	groupCommitment, negated, err := s.groupCommitment()
	if err != nil {
		return nil, err
	}

	z := new(secp256k1.ModNScalar).Set(userShare)
	for _, share := range operatorShares {
		z.Add(share)
	}

	sig := &Signature{needsNegation: negated}
	sig.z.Set(z)
	rBytes := groupCommitment.X.Bytes()
	copy(sig.r[:], rBytes[:])

	if s.AdaptorPublicKey == nil {
		encoded := sig.Serialize()
		parsed, err := schnorr.ParseSignature(encoded[:])
		if err != nil {
			return nil, err
		}
		if !parsed.Verify(s.Message[:], s.VerifyingKey) {
			return nil, fmt.Errorf("frost: aggregate signature verification failed")
		}
	}
	return sig, nil
}

func negateJacobian(p *secp256k1.JacobianPoint) {
	p.Y.Negate(1)
	p.Y.Normalize()
}
