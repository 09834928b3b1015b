package entitlement

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autonomys/gemini-3h-slash/internal/staking"
)

func snapshot(stake, fees, shares int64) staking.OperatorSnapshot {
	return staking.OperatorSnapshot{
		OperatorID:             7,
		Block:                  99,
		TotalStake:             big.NewInt(stake),
		TotalStorageFeeDeposit: big.NewInt(fees),
		TotalShares:            big.NewInt(shares),
	}
}

func nominator(b byte, shares int64) staking.Nominator {
	return staking.Nominator{
		Account:    staking.AccountID{b},
		OperatorID: 7,
		Shares:     big.NewInt(shares),
	}
}

func TestCompute_ProRataExample(t *testing.T) {
	got, err := Compute(snapshot(1000, 100, 4), []staking.Nominator{
		nominator(1, 3),
		nominator(2, 1),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, int64(825), got[0].Amount.Int64())
	assert.Equal(t, int64(275), got[1].Amount.Int64())
	assert.Equal(t, staking.AccountID{1}, got[0].Account)
}

func TestCompute_UnlockingAddedOnTop(t *testing.T) {
	n := nominator(1, 1)
	n.Unlocking = big.NewInt(50)

	got, err := Compute(snapshot(100, 0, 2), []staking.Nominator{n, nominator(2, 1)})
	require.NoError(t, err)

	assert.Equal(t, int64(50), got[0].Staked.Int64())
	assert.Equal(t, int64(50), got[0].Unlocking.Int64())
	assert.Equal(t, int64(100), got[0].Amount.Int64())
}

func TestCompute_ZeroSharesKept(t *testing.T) {
	got, err := Compute(snapshot(1000, 0, 10), []staking.Nominator{
		nominator(1, 10),
		nominator(2, 0),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, int64(0), got[1].Amount.Int64())
}

func TestCompute_Empty(t *testing.T) {
	got, err := Compute(snapshot(0, 0, 0), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCompute_Errors(t *testing.T) {
	tests := []struct {
		name    string
		snap    staking.OperatorSnapshot
		noms    []staking.Nominator
		wantErr error
	}{
		{
			name:    "no shares issued",
			snap:    snapshot(1000, 0, 0),
			noms:    []staking.Nominator{nominator(1, 0)},
			wantErr: ErrNoShares,
		},
		{
			name: "nominator of another operator",
			snap: snapshot(1000, 0, 10),
			noms: []staking.Nominator{{
				Account: staking.AccountID{1}, OperatorID: 8, Shares: big.NewInt(10),
			}},
			wantErr: ErrWrongOperator,
		},
		{
			name:    "negative shares",
			snap:    snapshot(1000, 0, 10),
			noms:    []staking.Nominator{nominator(1, -1)},
			wantErr: ErrNegative,
		},
		{
			name:    "nominator shares exceed operator shares",
			snap:    snapshot(1000, 0, 10),
			noms:    []staking.Nominator{nominator(1, 10), nominator(2, 5)},
			wantErr: ErrInvariant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.snap, tt.noms)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCompute_RoundingBound(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		count := 1 + rng.Intn(40)
		noms := make([]staking.Nominator, count)
		total := int64(0)
		for i := range noms {
			shares := rng.Int63n(1_000_000_007)
			total += shares
			noms[i] = nominator(byte(i), shares)
		}
		if total == 0 {
			continue
		}
		snap := snapshot(rng.Int63n(1<<50), rng.Int63n(1<<40), total)

		plan, err := Plan(snap, noms)
		require.NoError(t, err)

		sum := new(big.Int)
		for _, e := range plan.Entries {
			sum.Add(sum, e.Amount)
		}
		assert.LessOrEqual(t, sum.Cmp(snap.Pool()), 0, "round %d: payouts exceed pool", round)
		assert.LessOrEqual(t, plan.Residual.Cmp(RoundingBound(count)), 0,
			"round %d: residual %s above bound for %d nominators", round, plan.Residual, count)
		assert.Equal(t, 0, new(big.Int).Add(sum, plan.Residual).Cmp(snap.Pool()))
	}
}

func TestCompute_Deterministic(t *testing.T) {
	snap := snapshot(987654321, 12345, 1001)
	noms := []staking.Nominator{nominator(1, 333), nominator(2, 667), nominator(3, 1)}

	first, err := Compute(snap, noms)
	require.NoError(t, err)
	second, err := Compute(snap, noms)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, 0, first[i].Amount.Cmp(second[i].Amount))
		assert.Equal(t, first[i].Account, second[i].Account)
	}
}

func TestPlan_ExactDivisionLeavesNoResidual(t *testing.T) {
	plan, err := Plan(snapshot(1000, 100, 4), []staking.Nominator{nominator(1, 3), nominator(2, 1)})
	require.NoError(t, err)

	assert.Equal(t, staking.OperatorID(7), plan.OperatorID)
	assert.Equal(t, staking.BlockNumber(99), plan.Block)
	assert.Equal(t, int64(0), plan.Residual.Int64())
	assert.Equal(t, int64(1100), plan.Total().Int64())
}

func TestRoundingBound(t *testing.T) {
	assert.Equal(t, int64(0), RoundingBound(0).Int64())
	assert.Equal(t, int64(0), RoundingBound(1).Int64())
	assert.Equal(t, int64(4), RoundingBound(5).Int64())
}
