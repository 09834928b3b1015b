package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autonomys/gemini-3h-slash/internal/staking"
)

// fakeChain applies batches all-or-nothing, like utility.batch_all.
type fakeChain struct {
	treasury *big.Int
	balances map[staking.AccountID]*big.Int
	blocked  map[staking.AccountID]bool
	batches  int
	delay    time.Duration
	// accepted simulates a node that took the extrinsic before the wait
	// was cut short.
	accepted bool
}

func newFakeChain(treasury int64) *fakeChain {
	return &fakeChain{
		treasury: big.NewInt(treasury),
		balances: make(map[staking.AccountID]*big.Int),
		blocked:  make(map[staking.AccountID]bool),
	}
}

func (c *fakeChain) balance(acc staking.AccountID) int64 {
	if b, ok := c.balances[acc]; ok {
		return b.Int64()
	}
	return 0
}

func (c *fakeChain) SubmitBatch(ctx context.Context, transfers []Transfer) (*Inclusion, error) {
	c.batches++
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			if c.accepted {
				return nil, &DispatchError{Op: "wait", Err: fmt.Errorf("%w: %w", ErrOutcomeUnknown, ctx.Err())}
			}
			return nil, ctx.Err()
		case <-time.After(c.delay):
		}
	}

	treasury := new(big.Int).Set(c.treasury)
	staged := make(map[staking.AccountID]*big.Int)
	for _, t := range transfers {
		if c.blocked[t.To] {
			return nil, &DispatchError{Op: "confirm", BlockHash: "0xbeef", Err: ErrDispatchFailed}
		}
		treasury.Sub(treasury, t.Amount)
		if treasury.Sign() < 0 {
			return nil, &DispatchError{Op: "confirm", BlockHash: "0xbeef", Err: ErrDispatchFailed}
		}
		prev, ok := staged[t.To]
		if !ok {
			prev = big.NewInt(c.balance(t.To))
		}
		staged[t.To] = new(big.Int).Add(prev, t.Amount)
	}

	c.treasury = treasury
	for acc, b := range staged {
		c.balances[acc] = b
	}
	return &Inclusion{BlockHash: "0xfeed", ExtrinsicIndex: 2, Nonce: uint64(c.batches)}, nil
}

func plan(entries ...staking.Entitlement) staking.BatchPlan {
	return staking.BatchPlan{OperatorID: 41, Block: 2364306, Entries: entries}
}

func entry(b byte, amount int64) staking.Entitlement {
	return staking.Entitlement{Account: staking.AccountID{b}, Amount: big.NewInt(amount)}
}

func TestDispatch_Success(t *testing.T) {
	chain := newFakeChain(1000)
	d := New(chain)

	out, err := d.Dispatch(context.Background(), plan(entry(1, 825), entry(2, 175)))
	require.NoError(t, err)

	assert.Equal(t, 2, out.Transfers)
	assert.Equal(t, int64(1000), out.Amount.Int64())
	assert.Equal(t, "0xfeed", out.BlockHash)
	assert.Equal(t, 2, out.ExtrinsicIndex)
	assert.Equal(t, int64(825), chain.balance(staking.AccountID{1}))
	assert.Equal(t, int64(0), chain.treasury.Int64())
}

func TestDispatch_RejectedDestinationRevertsWholeBatch(t *testing.T) {
	chain := newFakeChain(1000)
	chain.blocked[staking.AccountID{2}] = true
	d := New(chain)

	_, err := d.Dispatch(context.Background(), plan(entry(1, 100), entry(2, 100), entry(3, 100)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDispatchFailed)

	var de *DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, staking.OperatorID(41), de.OperatorID)
	assert.Equal(t, "confirm", de.Op)
	assert.Equal(t, "0xbeef", de.BlockHash)

	assert.Equal(t, 1, chain.batches, "batch must not be split into individual transfers")
	assert.Equal(t, int64(0), chain.balance(staking.AccountID{1}))
	assert.Equal(t, int64(0), chain.balance(staking.AccountID{3}))
	assert.Equal(t, int64(1000), chain.treasury.Int64())
}

func TestDispatch_SkipsZeroAmounts(t *testing.T) {
	chain := newFakeChain(1000)
	d := New(chain)

	out, err := d.Dispatch(context.Background(), plan(entry(1, 0), entry(2, 10)))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Transfers)
}

func TestDispatch_NothingPayable(t *testing.T) {
	chain := newFakeChain(1000)
	d := New(chain)

	out, err := d.Dispatch(context.Background(), plan(entry(1, 0)))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Transfers)
	assert.Equal(t, 0, chain.batches)
}

func TestDispatch_Timeout(t *testing.T) {
	chain := newFakeChain(1000)
	chain.delay = time.Second
	d := New(chain, WithTimeout(20*time.Millisecond))

	_, err := d.Dispatch(context.Background(), plan(entry(1, 10)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.False(t, OutcomeUnknown(err), "never reached the node")
}

func TestDispatch_TimeoutAfterSubmissionIsUnknown(t *testing.T) {
	chain := newFakeChain(1000)
	chain.delay = time.Second
	chain.accepted = true
	d := New(chain, WithTimeout(20*time.Millisecond))

	_, err := d.Dispatch(context.Background(), plan(entry(1, 10)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, OutcomeUnknown(err))

	var de *DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "wait", de.Op)
	assert.Equal(t, staking.OperatorID(41), de.OperatorID)
}

func TestDispatch_RejectedBatchIsKnownFailure(t *testing.T) {
	chain := newFakeChain(1000)
	chain.blocked[staking.AccountID{1}] = true
	d := New(chain)

	_, err := d.Dispatch(context.Background(), plan(entry(1, 10)))
	require.Error(t, err)
	assert.False(t, OutcomeUnknown(err))
}

func TestTransfers_RejectsOversizedAmount(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 128)
	_, err := Transfers(plan(staking.Entitlement{Account: staking.AccountID{1}, Amount: huge}))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDispatchError_Message(t *testing.T) {
	err := &DispatchError{OperatorID: 5, Op: "submit", Err: errors.New("boom")}
	assert.Equal(t, "dispatch: operator 5 submit failed: boom", err.Error())

	err.BlockHash = "0xabc"
	assert.Contains(t, err.Error(), "block: 0xabc")
}
