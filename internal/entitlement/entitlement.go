// Package entitlement computes what each nominator of a slashed operator is
// owed, using integer arithmetic only.
package entitlement

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/autonomys/gemini-3h-slash/internal/staking"
)

var (
	ErrNoShares      = errors.New("entitlement: operator has nominators but no issued shares")
	ErrWrongOperator = errors.New("entitlement: nominator belongs to another operator")
	ErrNegative      = errors.New("entitlement: negative share or balance value")
	ErrInvariant     = errors.New("entitlement: payouts exceed operator pool")
)

// Compute returns one entitlement per nominator, in input order.
//
// Each staked amount is floor(shares * (stake + storage fees) / total shares).
// Nominators with zero shares are kept with a zero amount so the plan
// accounts for every position read from the chain.
func Compute(snap staking.OperatorSnapshot, nominators []staking.Nominator) ([]staking.Entitlement, error) {
	if len(nominators) == 0 {
		return nil, nil
	}
	if snap.TotalShares == nil || snap.TotalShares.Sign() <= 0 {
		return nil, fmt.Errorf("%w: operator %d", ErrNoShares, snap.OperatorID)
	}
	pool := snap.Pool()
	if pool.Sign() < 0 {
		return nil, fmt.Errorf("%w: operator %d pool", ErrNegative, snap.OperatorID)
	}

	out := make([]staking.Entitlement, 0, len(nominators))
	for _, n := range nominators {
		if n.OperatorID != snap.OperatorID {
			return nil, fmt.Errorf("%w: %s under %d, snapshot for %d",
				ErrWrongOperator, n.Account, n.OperatorID, snap.OperatorID)
		}
		shares := orZero(n.Shares)
		unlocking := orZero(n.Unlocking)
		if shares.Sign() < 0 || unlocking.Sign() < 0 {
			return nil, fmt.Errorf("%w: nominator %s", ErrNegative, n.Account)
		}

		staked := new(big.Int).Mul(shares, pool)
		staked.Quo(staked, snap.TotalShares)

		out = append(out, staking.Entitlement{
			Account:   n.Account,
			Staked:    staked,
			Unlocking: new(big.Int).Set(unlocking),
			Amount:    new(big.Int).Add(staked, unlocking),
		})
	}

	if _, err := Residual(snap, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Plan computes entitlements and wraps them into the operator's batch plan.
func Plan(snap staking.OperatorSnapshot, nominators []staking.Nominator) (*staking.BatchPlan, error) {
	entries, err := Compute(snap, nominators)
	if err != nil {
		return nil, err
	}
	residual, err := Residual(snap, entries)
	if err != nil {
		return nil, err
	}
	return &staking.BatchPlan{
		OperatorID: snap.OperatorID,
		Block:      snap.Block,
		Entries:    entries,
		Residual:   residual,
	}, nil
}

// Residual returns the part of the pool not assigned to any entry's staked
// amount. It fails if the staked amounts together exceed the pool.
func Residual(snap staking.OperatorSnapshot, entries []staking.Entitlement) (*big.Int, error) {
	if len(entries) == 0 {
		return new(big.Int), nil
	}
	assigned := new(big.Int)
	for _, e := range entries {
		assigned.Add(assigned, orZero(e.Staked))
	}
	residual := new(big.Int).Sub(snap.Pool(), assigned)
	if residual.Sign() < 0 {
		return nil, fmt.Errorf("%w: operator %d assigned %s of %s",
			ErrInvariant, snap.OperatorID, assigned, snap.Pool())
	}
	return residual, nil
}

// RoundingBound is the largest residual floor rounding alone can leave:
// one unit short per nominator but the last.
func RoundingBound(nominators int) *big.Int {
	if nominators <= 1 {
		return new(big.Int)
	}
	return big.NewInt(int64(nominators - 1))
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
