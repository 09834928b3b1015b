// Package staking holds the domain model shared by the remediation
// pipeline: slash records, nominators, operator snapshots, entitlements and
// batch plans, plus the point-in-time state reader contract.
package staking

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// ErrStateUnavailable is returned when the node cannot serve state at the
// requested height, either because it was pruned or the block is unknown.
var ErrStateUnavailable = errors.New("staking: historical state unavailable")

// OperatorID identifies a staking operator on the consensus chain.
type OperatorID uint64

// BlockNumber is a consensus chain block height.
type BlockNumber uint32

// AccountID is a raw 32-byte chain account.
type AccountID [32]byte

// AccountFromHex parses a 0x-prefixed or bare hex account id.
func AccountFromHex(s string) (AccountID, error) {
	var acc AccountID
	if len(s) >= 2 && s[:2] == "0x" {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return acc, fmt.Errorf("staking: invalid account hex: %w", err)
	}
	if len(raw) != len(acc) {
		return acc, fmt.Errorf("staking: account must be %d bytes, got %d", len(acc), len(raw))
	}
	copy(acc[:], raw)
	return acc, nil
}

// Hex returns the 0x-prefixed hex form of the account.
func (a AccountID) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a AccountID) String() string { return a.Hex() }

// Compare orders accounts by their raw bytes, matching the chain's
// storage iteration order for identity-hashed keys.
func (a AccountID) Compare(b AccountID) int {
	return bytes.Compare(a[:], b[:])
}

// SlashRecord is one confirmed invalid-bundle slash to remediate.
type SlashRecord struct {
	OperatorID OperatorID  `json:"operatorId"`
	SlashBlock BlockNumber `json:"blockHeight"`
}

// ReferenceBlock is the block whose post-state is used for every read
// about this operator: the one immediately preceding the slash.
func (r SlashRecord) ReferenceBlock() (BlockNumber, error) {
	if r.SlashBlock == 0 {
		return 0, fmt.Errorf("staking: operator %d slashed at genesis has no reference block", r.OperatorID)
	}
	return r.SlashBlock - 1, nil
}

// Nominator is a single stake position under an operator at the reference
// block.
type Nominator struct {
	Account    AccountID
	OperatorID OperatorID
	// Shares held, in share units rather than currency.
	Shares *big.Int
	// Unlocking is balance already withdrawn out of shares but still
	// locked with the operator, and therefore slashed with it.
	Unlocking *big.Int
}

// OperatorSnapshot is the operator's pool as of the reference block.
type OperatorSnapshot struct {
	OperatorID             OperatorID
	Block                  BlockNumber
	TotalStake             *big.Int
	TotalStorageFeeDeposit *big.Int
	TotalShares            *big.Int
}

// Pool is the total currency owed across all shares.
func (s OperatorSnapshot) Pool() *big.Int {
	pool := new(big.Int)
	if s.TotalStake != nil {
		pool.Add(pool, s.TotalStake)
	}
	if s.TotalStorageFeeDeposit != nil {
		pool.Add(pool, s.TotalStorageFeeDeposit)
	}
	return pool
}

// SharePrice is the currency value of one share. Nil when no shares exist.
func (s OperatorSnapshot) SharePrice() *big.Rat {
	if s.TotalShares == nil || s.TotalShares.Sign() == 0 {
		return nil
	}
	return new(big.Rat).SetFrac(s.Pool(), s.TotalShares)
}

// Entitlement is the amount owed to one nominator.
type Entitlement struct {
	Account AccountID
	// Staked is the nominator's pro-rata share of stake and storage fees.
	Staked    *big.Int
	Unlocking *big.Int
	Amount    *big.Int
}

// BatchPlan is every entitlement for one operator, dispatched as a unit.
type BatchPlan struct {
	OperatorID OperatorID
	Block      BlockNumber
	Entries    []Entitlement
	// Residual is the part of the pool lost to floor rounding. It is never
	// transferred and so remains in the treasury.
	Residual *big.Int
}

// Payable returns the entries with a non-zero amount, in plan order.
func (p BatchPlan) Payable() []Entitlement {
	out := make([]Entitlement, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.Amount != nil && e.Amount.Sign() > 0 {
			out = append(out, e)
		}
	}
	return out
}

// Total is the sum of all entry amounts.
func (p BatchPlan) Total() *big.Int {
	total := new(big.Int)
	for _, e := range p.Entries {
		if e.Amount != nil {
			total.Add(total, e.Amount)
		}
	}
	return total
}

// StateReader serves chain state as it existed immediately after a given
// block. Every height is historical: zero is the genesis block, never the
// best block.
type StateReader interface {
	Nominators(ctx context.Context, operator OperatorID, at BlockNumber) ([]Nominator, error)
	Operator(ctx context.Context, operator OperatorID, at BlockNumber) (*OperatorSnapshot, error)
	FreeBalance(ctx context.Context, account AccountID, at BlockNumber) (*big.Int, error)
}
