// Package substrate reads and writes the consensus chain: point-in-time
// staking state over JSON-RPC, and root-authorised batch transfers out of
// the treasury.
package substrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/autonomys/gemini-3h-slash/internal/staking"
)

var (
	ErrRPCConnection    = errors.New("substrate: RPC connection failed")
	ErrOperatorNotFound = errors.New("substrate: operator not found")
	ErrInconsistent     = errors.New("substrate: inconsistent nominator storage")
)

const (
	domainsPallet = "Domains"

	// DefaultPageSize is the number of keys requested per state_getKeysPaged call.
	DefaultPageSize = 512

	// batchSize bounds how many storage reads go into one JSON-RPC batch.
	batchSize = 256

	storageFundBalanceCall = "DomainsApi_storage_fund_account_balance"
)

// Node error messages that mean the requested state no longer exists.
var unavailableMarkers = []string{
	"State already discarded",
	"Unknown block",
	"UnknownBlock",
	"Header was not found",
}

// ReaderOption configures the reader.
type ReaderOption func(*Reader)

// WithTreasury sets the treasury account instead of reading the
// Domains.TreasuryAccount constant from the runtime.
func WithTreasury(acc staking.AccountID) ReaderOption {
	return func(r *Reader) {
		r.treasury = acc
		r.treasurySet = true
	}
}

// WithLogger sets the reader's logger.
func WithLogger(logger *slog.Logger) ReaderOption {
	return func(r *Reader) { r.logger = logger }
}

// WithPageSize sets the key page size.
func WithPageSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// Reader serves staking state at historical block heights. It implements
// staking.StateReader and the solvency package's treasury reader.
type Reader struct {
	client      *rpc.Client
	layout      runtimeLayout
	logger      *slog.Logger
	pageSize    int
	treasury    staking.AccountID
	treasurySet bool
}

var _ staking.StateReader = (*Reader)(nil)

// DialReader connects to a node and loads the latest runtime metadata.
func DialReader(ctx context.Context, url string, opts ...ReaderOption) (*Reader, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}

	var raw string
	if err := client.CallContext(ctx, &raw, "state_getMetadata"); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: fetch metadata: %v", ErrRPCConnection, err)
	}
	var meta types.Metadata
	if err := codec.DecodeFromHex(raw, &meta); err != nil {
		client.Close()
		return nil, fmt.Errorf("substrate: decode metadata: %w", err)
	}

	r, err := newReader(client, metadataLayout{meta: &meta}, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	return r, nil
}

func newReader(client *rpc.Client, layout runtimeLayout, opts ...ReaderOption) (*Reader, error) {
	r := &Reader{
		client:   client,
		layout:   layout,
		logger:   slog.Default(),
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(r)
	}

	if !r.treasurySet {
		raw, err := layout.constant(domainsPallet, "TreasuryAccount")
		if err != nil {
			return nil, err
		}
		if len(raw) != len(r.treasury) {
			return nil, fmt.Errorf("substrate: treasury account constant has %d bytes", len(raw))
		}
		copy(r.treasury[:], raw)
		r.treasurySet = true
	}
	return r, nil
}

// Treasury returns the account payouts are drawn from.
func (r *Reader) Treasury() staking.AccountID { return r.treasury }

// Close releases the RPC connection.
func (r *Reader) Close() {
	r.client.Close()
}

// -----------------------------------------------------------------------------
// staking.StateReader
// -----------------------------------------------------------------------------

// Nominators returns every nominator of operator as of block at, ordered by
// account id.
func (r *Reader) Nominators(ctx context.Context, operator staking.OperatorID, at staking.BlockNumber) ([]staking.Nominator, error) {
	hash, err := r.blockHash(ctx, at)
	if err != nil {
		return nil, err
	}

	depositsRaw, err := r.doubleMapEntries(ctx, "Deposits", operator, hash, at)
	if err != nil {
		return nil, err
	}
	withdrawalsRaw, err := r.doubleMapEntries(ctx, "Withdrawals", operator, hash, at)
	if err != nil {
		return nil, err
	}

	deposits := make(map[staking.AccountID]*Deposit, len(depositsRaw))
	for acc, raw := range depositsRaw {
		var dep Deposit
		if err := codec.Decode(raw, &dep); err != nil {
			return nil, fmt.Errorf("substrate: decode deposit of %s: %w", acc, err)
		}
		deposits[acc] = &dep
	}
	withdrawals := make(map[staking.AccountID]*Withdrawal, len(withdrawalsRaw))
	for acc, raw := range withdrawalsRaw {
		if _, ok := deposits[acc]; !ok {
			return nil, fmt.Errorf("%w: withdrawal without deposit for %s under operator %d",
				ErrInconsistent, acc, operator)
		}
		var w Withdrawal
		if err := codec.Decode(raw, &w); err != nil {
			return nil, fmt.Errorf("substrate: decode withdrawal of %s: %w", acc, err)
		}
		withdrawals[acc] = &w
	}

	prices := newSharePriceCache(func(epoch DomainEpoch) (*SharePrice, error) {
		return r.epochSharePrice(ctx, operator, epoch, hash, at)
	})

	accounts := make([]staking.AccountID, 0, len(deposits))
	for acc := range deposits {
		accounts = append(accounts, acc)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Compare(accounts[j]) < 0 })

	out := make([]staking.Nominator, 0, len(accounts))
	for _, acc := range accounts {
		n, err := position(acc, operator, deposits[acc], withdrawals[acc], prices)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// position folds a nominator's deposit and withdrawal records into shares
// and unlocking balance, converting entries whose epoch has closed.
func position(acc staking.AccountID, operator staking.OperatorID, dep *Deposit, w *Withdrawal, prices *sharePriceCache) (staking.Nominator, error) {
	shares := u128(dep.Known.Shares)
	if p := dep.Pending; p != nil {
		price, err := prices.get(p.EffectiveEpoch)
		if err != nil {
			return staking.Nominator{}, err
		}
		// Without a recorded price the epoch is still open and the
		// deposit has not been staked yet.
		if price != nil {
			shares.Add(shares, price.StakeToShares(u128(p.Amount)))
		}
	}

	unlocking := new(big.Int)
	if w != nil {
		unlocking.Add(unlocking, u128(w.TotalWithdrawalAmount))
		for _, wb := range w.Withdrawals {
			unlocking.Add(unlocking, u128(wb.StorageFeeRefund))
		}
		if ws := w.InShares; ws != nil {
			price, err := prices.get(ws.Epoch)
			if err != nil {
				return staking.Nominator{}, err
			}
			if price != nil {
				unlocking.Add(unlocking, price.SharesToStake(u128(ws.Shares)))
				unlocking.Add(unlocking, u128(ws.StorageFeeRefund))
			} else {
				shares.Add(shares, u128(ws.Shares))
			}
		}
	}

	return staking.Nominator{
		Account:    acc,
		OperatorID: operator,
		Shares:     shares,
		Unlocking:  unlocking,
	}, nil
}

// Operator returns the operator's pool as of block at.
func (r *Reader) Operator(ctx context.Context, operator staking.OperatorID, at staking.BlockNumber) (*staking.OperatorSnapshot, error) {
	hash, err := r.blockHash(ctx, at)
	if err != nil {
		return nil, err
	}

	key, err := r.layout.key(domainsPallet, "Operators", u64Bytes(uint64(operator)))
	if err != nil {
		return nil, err
	}
	raw, err := r.storage(ctx, key, &hash, at)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %d at block %d", ErrOperatorNotFound, operator, at)
	}
	var op Operator
	if err := codec.Decode(*raw, &op); err != nil {
		return nil, fmt.Errorf("substrate: decode operator %d: %w", operator, err)
	}

	fund, err := r.storageFundBalance(ctx, operator, hash, at)
	if err != nil {
		return nil, err
	}

	return &staking.OperatorSnapshot{
		OperatorID:             operator,
		Block:                  at,
		TotalStake:             new(big.Int).Add(u128(op.CurrentTotalStake), u128(op.CurrentEpochRewards)),
		TotalStorageFeeDeposit: fund,
		TotalShares:            u128(op.CurrentTotalShares),
	}, nil
}

// FreeBalance returns an account's free balance as of block at. Height
// zero is the genesis block. Unknown accounts have a zero balance.
func (r *Reader) FreeBalance(ctx context.Context, account staking.AccountID, at staking.BlockNumber) (*big.Int, error) {
	hash, err := r.blockHash(ctx, at)
	if err != nil {
		return nil, err
	}
	return r.freeBalance(ctx, account, &hash, at)
}

// TreasuryBalance returns the treasury's free balance at the best block.
func (r *Reader) TreasuryBalance(ctx context.Context) (*big.Int, error) {
	return r.freeBalance(ctx, r.treasury, nil, 0)
}

// freeBalance reads System.Account at hash, or at the best block when hash
// is nil.
func (r *Reader) freeBalance(ctx context.Context, account staking.AccountID, hash *common.Hash, at staking.BlockNumber) (*big.Int, error) {
	key, err := r.layout.key("System", "Account", account[:])
	if err != nil {
		return nil, err
	}
	raw, err := r.storage(ctx, key, hash, at)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return new(big.Int), nil
	}
	var info accountInfo
	if err := codec.Decode(*raw, &info); err != nil {
		return nil, fmt.Errorf("substrate: decode account %s: %w", account, err)
	}
	return u128(info.Free), nil
}

// -----------------------------------------------------------------------------
// RPC helpers
// -----------------------------------------------------------------------------

func (r *Reader) blockHash(ctx context.Context, at staking.BlockNumber) (common.Hash, error) {
	var hash *common.Hash
	if err := r.client.CallContext(ctx, &hash, "chain_getBlockHash", uint32(at)); err != nil {
		return common.Hash{}, stateError(err, at)
	}
	if hash == nil {
		return common.Hash{}, fmt.Errorf("%w: block %d not found", staking.ErrStateUnavailable, at)
	}
	return *hash, nil
}

func (r *Reader) storage(ctx context.Context, key []byte, hash *common.Hash, at staking.BlockNumber) (*hexutil.Bytes, error) {
	args := []interface{}{hexutil.Bytes(key)}
	if hash != nil {
		args = append(args, *hash)
	}
	var raw *hexutil.Bytes
	if err := r.client.CallContext(ctx, &raw, "state_getStorage", args...); err != nil {
		return nil, stateError(err, at)
	}
	return raw, nil
}

func (r *Reader) keysPaged(ctx context.Context, prefix []byte, hash common.Hash, at staking.BlockNumber) ([]hexutil.Bytes, error) {
	var all []hexutil.Bytes
	var start *hexutil.Bytes
	for {
		var page []hexutil.Bytes
		if err := r.client.CallContext(ctx, &page, "state_getKeysPaged",
			hexutil.Bytes(prefix), r.pageSize, start, hash); err != nil {
			return nil, stateError(err, at)
		}
		all = append(all, page...)
		if len(page) < r.pageSize {
			return all, nil
		}
		last := page[len(page)-1]
		start = &last
	}
}

// storageBatch fetches many values at one block using JSON-RPC batches.
func (r *Reader) storageBatch(ctx context.Context, keys []hexutil.Bytes, hash common.Hash, at staking.BlockNumber) ([]*hexutil.Bytes, error) {
	out := make([]*hexutil.Bytes, len(keys))
	for lo := 0; lo < len(keys); lo += batchSize {
		hi := min(lo+batchSize, len(keys))
		elems := make([]rpc.BatchElem, 0, hi-lo)
		for i := lo; i < hi; i++ {
			elems = append(elems, rpc.BatchElem{
				Method: "state_getStorage",
				Args:   []interface{}{keys[i], hash},
				Result: &out[i],
			})
		}
		if err := r.client.BatchCallContext(ctx, elems); err != nil {
			return nil, stateError(err, at)
		}
		for _, e := range elems {
			if e.Error != nil {
				return nil, stateError(e.Error, at)
			}
		}
	}
	return out, nil
}

// doubleMapEntries returns every value of Domains.<item> under operator,
// keyed by the trailing account id of each storage key.
func (r *Reader) doubleMapEntries(ctx context.Context, item string, operator staking.OperatorID, hash common.Hash, at staking.BlockNumber) (map[staking.AccountID][]byte, error) {
	prefix, err := r.layout.prefix(domainsPallet, item, u64Bytes(uint64(operator)))
	if err != nil {
		return nil, err
	}
	keys, err := r.keysPaged(ctx, prefix, hash, at)
	if err != nil {
		return nil, err
	}
	values, err := r.storageBatch(ctx, keys, hash, at)
	if err != nil {
		return nil, err
	}

	out := make(map[staking.AccountID][]byte, len(keys))
	for i, key := range keys {
		acc, err := trailingAccount(key, len(prefix))
		if err != nil {
			return nil, fmt.Errorf("substrate: %s key %s: %w", item, key, err)
		}
		if values[i] == nil {
			r.logger.Warn("storage key listed without value", "item", item, "key", key.String())
			continue
		}
		out[acc] = *values[i]
	}
	return out, nil
}

// trailingAccount extracts the account id that ends every identity or
// concat-hashed second key.
func trailingAccount(key []byte, prefixLen int) (staking.AccountID, error) {
	var acc staking.AccountID
	if len(key) < prefixLen+len(acc) {
		return acc, fmt.Errorf("key too short for an account id")
	}
	copy(acc[:], key[len(key)-len(acc):])
	return acc, nil
}

func (r *Reader) epochSharePrice(ctx context.Context, operator staking.OperatorID, epoch DomainEpoch, hash common.Hash, at staking.BlockNumber) (*SharePrice, error) {
	key, err := r.layout.key(domainsPallet, "OperatorEpochSharePrice", u64Bytes(uint64(operator)), epoch.Bytes())
	if err != nil {
		return nil, err
	}
	raw, err := r.storage(ctx, key, &hash, at)
	if err != nil || raw == nil {
		return nil, err
	}
	var price SharePrice
	if err := codec.Decode(*raw, &price); err != nil {
		return nil, fmt.Errorf("substrate: decode share price: %w", err)
	}
	return &price, nil
}

func (r *Reader) storageFundBalance(ctx context.Context, operator staking.OperatorID, hash common.Hash, at staking.BlockNumber) (*big.Int, error) {
	var raw hexutil.Bytes
	if err := r.client.CallContext(ctx, &raw, "state_call",
		storageFundBalanceCall, hexutil.Bytes(u64Bytes(uint64(operator))), hash); err != nil {
		return nil, stateError(err, at)
	}
	var fund types.U128
	if err := codec.Decode(raw, &fund); err != nil {
		return nil, fmt.Errorf("substrate: decode storage fund balance: %w", err)
	}
	return u128(fund), nil
}

// stateError maps node errors about pruned or unknown blocks to
// staking.ErrStateUnavailable.
func stateError(err error, at staking.BlockNumber) error {
	msg := err.Error()
	for _, marker := range unavailableMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: block %d: %v", staking.ErrStateUnavailable, at, err)
		}
	}
	return fmt.Errorf("substrate: rpc at block %d: %w", at, err)
}

// sharePriceCache memoises epoch share prices for one operator and block.
type sharePriceCache struct {
	fetch  func(DomainEpoch) (*SharePrice, error)
	prices map[DomainEpoch]*SharePrice
}

func newSharePriceCache(fetch func(DomainEpoch) (*SharePrice, error)) *sharePriceCache {
	return &sharePriceCache{fetch: fetch, prices: make(map[DomainEpoch]*SharePrice)}
}

func (c *sharePriceCache) get(epoch DomainEpoch) (*SharePrice, error) {
	if p, ok := c.prices[epoch]; ok {
		return p, nil
	}
	p, err := c.fetch(epoch)
	if err != nil {
		return nil, err
	}
	c.prices[epoch] = p
	return p, nil
}
