package substrate

import (
	"fmt"
	"math/big"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

// SCALE layouts of the Domains pallet storage read by the remediation.

// DomainEpoch is (domain id, epoch index).
type DomainEpoch struct {
	DomainID uint32
	Index    uint32
}

func (e *DomainEpoch) Decode(d scale.Decoder) error {
	if err := d.Decode(&e.DomainID); err != nil {
		return err
	}
	return d.Decode(&e.Index)
}

// Bytes is the SCALE encoding, used as a storage map key.
func (e DomainEpoch) Bytes() []byte {
	return append(u32Bytes(e.DomainID), u32Bytes(e.Index)...)
}

type KnownDeposit struct {
	Shares            types.U128
	StorageFeeDeposit types.U128
}

func (k *KnownDeposit) Decode(d scale.Decoder) error {
	if err := d.Decode(&k.Shares); err != nil {
		return err
	}
	return d.Decode(&k.StorageFeeDeposit)
}

// PendingDeposit is stake submitted during an epoch that has not been
// converted into shares on the nominator's record yet.
type PendingDeposit struct {
	EffectiveEpoch    DomainEpoch
	Amount            types.U128
	StorageFeeDeposit types.U128
}

func (p *PendingDeposit) Decode(d scale.Decoder) error {
	if err := d.Decode(&p.EffectiveEpoch); err != nil {
		return err
	}
	if err := d.Decode(&p.Amount); err != nil {
		return err
	}
	return d.Decode(&p.StorageFeeDeposit)
}

type Deposit struct {
	Known   KnownDeposit
	Pending *PendingDeposit
}

func (dep *Deposit) Decode(d scale.Decoder) error {
	if err := d.Decode(&dep.Known); err != nil {
		return err
	}
	var has bool
	var pending PendingDeposit
	if err := d.DecodeOption(&has, &pending); err != nil {
		return err
	}
	if has {
		dep.Pending = &pending
	}
	return nil
}

type WithdrawalInBalance struct {
	DomainID         uint32
	UnlockAt         uint32
	AmountToUnlock   types.U128
	StorageFeeRefund types.U128
}

func (w *WithdrawalInBalance) Decode(d scale.Decoder) error {
	if err := d.Decode(&w.DomainID); err != nil {
		return err
	}
	if err := d.Decode(&w.UnlockAt); err != nil {
		return err
	}
	if err := d.Decode(&w.AmountToUnlock); err != nil {
		return err
	}
	return d.Decode(&w.StorageFeeRefund)
}

// WithdrawalInShares is a withdrawal requested in an epoch that had not
// ended, so it is still denominated in shares.
type WithdrawalInShares struct {
	Epoch            DomainEpoch
	UnlockAt         uint32
	Shares           types.U128
	StorageFeeRefund types.U128
}

func (w *WithdrawalInShares) Decode(d scale.Decoder) error {
	if err := d.Decode(&w.Epoch); err != nil {
		return err
	}
	if err := d.Decode(&w.UnlockAt); err != nil {
		return err
	}
	if err := d.Decode(&w.Shares); err != nil {
		return err
	}
	return d.Decode(&w.StorageFeeRefund)
}

type Withdrawal struct {
	// TotalWithdrawalAmount covers every entry of Withdrawals, excluding
	// their storage fee refunds.
	TotalWithdrawalAmount types.U128
	Withdrawals           []WithdrawalInBalance
	InShares              *WithdrawalInShares
}

func (w *Withdrawal) Decode(d scale.Decoder) error {
	if err := d.Decode(&w.TotalWithdrawalAmount); err != nil {
		return err
	}
	n, err := d.DecodeUintCompact()
	if err != nil {
		return err
	}
	if !n.IsUint64() || n.Uint64() > maxDecodedItems {
		return fmt.Errorf("substrate: withdrawal list length %s out of range", n)
	}
	w.Withdrawals = make([]WithdrawalInBalance, n.Uint64())
	for i := range w.Withdrawals {
		if err := d.Decode(&w.Withdrawals[i]); err != nil {
			return err
		}
	}
	var has bool
	var inShares WithdrawalInShares
	if err := d.DecodeOption(&has, &inShares); err != nil {
		return err
	}
	if has {
		w.InShares = &inShares
	}
	return nil
}

const maxDecodedItems = 1 << 16

// OperatorStatus variants, in declaration order.
const (
	StatusRegistered uint8 = iota
	StatusDeregistered
	StatusSlashed
	StatusPendingSlash
)

type Operator struct {
	SigningKey             [32]byte
	CurrentDomainID        uint32
	NextDomainID           uint32
	MinimumNominatorStake  types.U128
	NominationTax          uint8
	CurrentTotalStake      types.U128
	CurrentEpochRewards    types.U128
	CurrentTotalShares     types.U128
	Status                 uint8
	DeregisteredAt         *DomainEpoch
	DeregisteredUnlockAt   uint32
	DepositsInEpoch        types.U128
	WithdrawalsInEpoch     types.U128
	TotalStorageFeeDeposit types.U128
}

func (o *Operator) Decode(d scale.Decoder) error {
	if err := d.Read(o.SigningKey[:]); err != nil {
		return err
	}
	for _, field := range []interface{}{
		&o.CurrentDomainID,
		&o.NextDomainID,
		&o.MinimumNominatorStake,
		&o.NominationTax,
		&o.CurrentTotalStake,
		&o.CurrentEpochRewards,
		&o.CurrentTotalShares,
	} {
		if err := d.Decode(field); err != nil {
			return err
		}
	}

	status, err := d.ReadOneByte()
	if err != nil {
		return err
	}
	o.Status = status
	switch status {
	case StatusRegistered, StatusSlashed, StatusPendingSlash:
	case StatusDeregistered:
		var epoch DomainEpoch
		if err := d.Decode(&epoch); err != nil {
			return err
		}
		o.DeregisteredAt = &epoch
		if err := d.Decode(&o.DeregisteredUnlockAt); err != nil {
			return err
		}
	default:
		return fmt.Errorf("substrate: unknown operator status %d", status)
	}

	for _, field := range []interface{}{
		&o.DepositsInEpoch,
		&o.WithdrawalsInEpoch,
		&o.TotalStorageFeeDeposit,
	} {
		if err := d.Decode(field); err != nil {
			return err
		}
	}
	return nil
}

// accountInfo is the prefix of System.Account we need: the nonce and
// reference counters, then the free balance.
type accountInfo struct {
	Nonce       uint32
	Consumers   uint32
	Providers   uint32
	Sufficients uint32
	Free        types.U128
}

func (a *accountInfo) Decode(d scale.Decoder) error {
	for _, field := range []interface{}{&a.Nonce, &a.Consumers, &a.Providers, &a.Sufficients, &a.Free} {
		if err := d.Decode(field); err != nil {
			return err
		}
	}
	return nil
}

// perbillOne is Perbill::one() in parts per billion.
const perbillOne = 1_000_000_000

// SharePrice is an operator's shares-per-stake ratio recorded at the end of
// an epoch, as a Perbill.
type SharePrice struct {
	Parts uint32
}

func (p *SharePrice) Decode(d scale.Decoder) error {
	return d.Decode(&p.Parts)
}

func (p SharePrice) isOne() bool { return p.Parts == perbillOne }

// StakeToShares converts stake to shares, rounding down.
func (p SharePrice) StakeToShares(stake *big.Int) *big.Int {
	if p.isOne() {
		return new(big.Int).Set(stake)
	}
	out := new(big.Int).Mul(stake, big.NewInt(int64(p.Parts)))
	return out.Quo(out, big.NewInt(perbillOne))
}

// SharesToStake converts shares back to stake, rounding down. A zero price
// saturates at the u128 maximum, matching the runtime.
func (p SharePrice) SharesToStake(shares *big.Int) *big.Int {
	if p.isOne() {
		return new(big.Int).Set(shares)
	}
	if p.Parts == 0 {
		if shares.Sign() == 0 {
			return new(big.Int)
		}
		return new(big.Int).Set(maxU128)
	}
	out := new(big.Int).Mul(shares, big.NewInt(perbillOne))
	out.Quo(out, big.NewInt(int64(p.Parts)))
	if out.Cmp(maxU128) > 0 {
		out.Set(maxU128)
	}
	return out
}

var maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// u128 copies a decoded U128, treating an unset value as zero.
func u128(v types.U128) *big.Int {
	if v.Int == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v.Int)
}

func u32Bytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func u64Bytes(v uint64) []byte {
	return append(u32Bytes(uint32(v)), u32Bytes(uint32(v>>32))...)
}
