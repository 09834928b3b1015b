// Package solvency gates each payout batch on the treasury's live balance.
package solvency

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/autonomys/gemini-3h-slash/internal/balance"
)

// ErrInsufficientFunds is matched by every *InsufficientFundsError.
var ErrInsufficientFunds = errors.New("solvency: insufficient treasury funds")

// InsufficientFundsError reports the shortfall that stopped a run.
type InsufficientFundsError struct {
	Required  *big.Int
	Available *big.Int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("solvency: treasury holds %s, batch requires %s",
		balance.Format(e.Available), balance.Format(e.Required))
}

func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// TreasuryReader returns the treasury account's current free balance.
type TreasuryReader interface {
	TreasuryBalance(ctx context.Context) (*big.Int, error)
}

// Result holds the outcome of a passed check.
type Result struct {
	Required  *big.Int
	Available *big.Int
	Headroom  *big.Int
}

// Checker compares a required amount with the live treasury balance. It
// never caches the balance: every Check reads the chain again.
type Checker struct {
	treasury TreasuryReader

	mu       sync.Mutex
	reserved *big.Int // simulated payouts not yet visible on chain
}

// NewChecker creates a solvency checker.
func NewChecker(treasury TreasuryReader) *Checker {
	return &Checker{
		treasury: treasury,
		reserved: new(big.Int),
	}
}

// Reserve deducts amount from every later check's available balance.
// Dry runs use it so that payouts they skipped still count against the
// treasury.
func (c *Checker) Reserve(amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	c.mu.Lock()
	c.reserved.Add(c.reserved, amount)
	c.mu.Unlock()
}

// Check reads the treasury balance and fails with *InsufficientFundsError
// if it cannot cover required.
func (c *Checker) Check(ctx context.Context, required *big.Int) (*Result, error) {
	if required == nil {
		required = new(big.Int)
	}
	if required.Sign() < 0 {
		return nil, fmt.Errorf("solvency: negative requirement %s", required)
	}

	live, err := c.treasury.TreasuryBalance(ctx)
	if err != nil {
		checkErrors.Inc()
		return nil, fmt.Errorf("failed to read treasury balance: %w", err)
	}
	treasuryBalance.Set(balance.Whole(live))

	c.mu.Lock()
	available := new(big.Int).Sub(live, c.reserved)
	c.mu.Unlock()
	if available.Sign() < 0 {
		available.SetInt64(0)
	}

	if available.Cmp(required) < 0 {
		shortfalls.Inc()
		return nil, &InsufficientFundsError{
			Required:  new(big.Int).Set(required),
			Available: available,
		}
	}

	return &Result{
		Required:  new(big.Int).Set(required),
		Available: available,
		Headroom:  new(big.Int).Sub(available, required),
	}, nil
}
