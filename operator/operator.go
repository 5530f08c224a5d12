// Package operator addresses the statechain operator set: a static
// pool of K-of-N signing operators with one designated coordinator, and
// the RPC surface the wallet consumes from them. The pool is pure
// transport addressing; protocol state lives in the wallet services.
package operator

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/flarewallet/sparksdk/frost"
)

// Operator is one statechain operator.
type Operator struct {
	// Identifier is the operator's FROST share identifier.
	Identifier frost.Identifier

	// IdentityPublicKey authenticates the operator's responses.
	IdentityPublicKey *btcec.PublicKey

	// Address is the operator's RPC endpoint.
	Address string

	// Client talks to this operator. All operators of a pool may share
	// one Client implementation routing by address.
	Client Client
}

// Pool is the static operator set loaded at startup. Operators are held
// in identifier byte order, matching the ordering FROST uses for
// lagrange interpolation.
type Pool struct {
	operators   []*Operator
	byID        map[frost.Identifier]*Operator
	coordinator *Operator
}

// NewPool builds a pool from the configured operators. The coordinator
// must be one of them.
func NewPool(operators []*Operator, coordinatorID frost.Identifier) (*Pool, error) {
	if len(operators) == 0 {
		return nil, fmt.Errorf("operator pool is empty")
	}

	sorted := append([]*Operator(nil), operators...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Identifier.Less(sorted[j].Identifier)
	})

	byID := make(map[frost.Identifier]*Operator, len(sorted))
	for _, op := range sorted {
		if _, ok := byID[op.Identifier]; ok {
			return nil, fmt.Errorf("duplicate operator identifier %v", op.Identifier)
		}
		byID[op.Identifier] = op
	}

	coordinator, ok := byID[coordinatorID]
	if !ok {
		return nil, fmt.Errorf("coordinator %v not in pool", coordinatorID)
	}

	return &Pool{
		operators:   sorted,
		byID:        byID,
		coordinator: coordinator,
	}, nil
}

// Coordinator returns the designated coordinator every multi-step flow
// talks to first.
func (p *Pool) Coordinator() *Operator {
	return p.coordinator
}

// SigningOperators returns all operators in identifier byte order.
func (p *Pool) SigningOperators() []*Operator {
	return p.operators
}

// Get looks an operator up by identifier.
func (p *Pool) Get(id frost.Identifier) (*Operator, bool) {
	op, ok := p.byID[id]
	return op, ok
}

// Size returns the number of operators in the pool.
func (p *Pool) Size() int {
	return len(p.operators)
}

// MaxSigners returns the largest FROST aggregation this pool can
// produce: every operator plus the user share. The quorum size assumed
// elsewhere is derived from this at connect time.
func (p *Pool) MaxSigners() int {
	return len(p.operators) + 1
}

// IdentityKeys returns the operators' identity keys keyed by
// identifier, as needed when validating deposit address proofs.
func (p *Pool) IdentityKeys() map[frost.Identifier]*btcec.PublicKey {
	keys := make(map[frost.Identifier]*btcec.PublicKey, len(p.operators))
	for _, op := range p.operators {
		keys[op.Identifier] = op.IdentityPublicKey
	}
	return keys
}
