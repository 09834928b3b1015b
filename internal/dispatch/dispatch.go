// Package dispatch turns a batch plan into one atomic, root-authorised
// group transfer out of the treasury.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/autonomys/gemini-3h-slash/internal/balance"
	"github.com/autonomys/gemini-3h-slash/internal/staking"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrDispatchFailed means the batch was not applied. Because the batch is
	// atomic, none of its transfers happened either.
	ErrDispatchFailed = errors.New("dispatch: batch not applied")
	ErrTimeout        = errors.New("dispatch: timed out waiting for inclusion")
	ErrInvalidAmount  = errors.New("dispatch: invalid transfer amount")
	// ErrOutcomeUnknown means the batch reached the node but its inclusion
	// could not be confirmed either way. It may still land in a later
	// block, so the chain must be checked before the operator is retried.
	ErrOutcomeUnknown = errors.New("dispatch: batch submitted, outcome unknown")
)

// OutcomeUnknown reports whether err is a dispatch failure after which the
// batch may still have been applied.
func OutcomeUnknown(err error) bool {
	return errors.Is(err, ErrOutcomeUnknown)
}

// DispatchError wraps a batch failure with the operator and stage.
type DispatchError struct {
	OperatorID staking.OperatorID
	Op         string // stage that failed
	BlockHash  string // inclusion block if the extrinsic got that far
	Err        error
}

func (e *DispatchError) Error() string {
	if e.BlockHash != "" {
		return fmt.Sprintf("dispatch: operator %d %s failed (block: %s): %v", e.OperatorID, e.Op, e.BlockHash, e.Err)
	}
	return fmt.Sprintf("dispatch: operator %d %s failed: %v", e.OperatorID, e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Is lets every DispatchError match ErrDispatchFailed.
func (e *DispatchError) Is(target error) bool { return target == ErrDispatchFailed }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Transfer is one treasury payout inside a batch.
type Transfer struct {
	To     staking.AccountID
	Amount *big.Int
}

// Inclusion identifies where a submitted batch landed.
type Inclusion struct {
	BlockHash      string
	ExtrinsicIndex int
	Nonce          uint64
}

// Submitter is the atomic dispatch primitive. SubmitBatch must apply either
// every transfer or none, under elevated authority, and only return once the
// batch is included in a block. A batch that was included but did not
// complete must be reported as an error wrapping ErrDispatchFailed.
type Submitter interface {
	SubmitBatch(ctx context.Context, transfers []Transfer) (*Inclusion, error)
}

// -----------------------------------------------------------------------------
// Dispatcher
// -----------------------------------------------------------------------------

// DefaultInclusionTimeout bounds the wait for a batch to be included.
const DefaultInclusionTimeout = 2 * time.Minute

// Outcome describes a successfully applied batch.
type Outcome struct {
	OperatorID staking.OperatorID
	Transfers  int
	Amount     *big.Int
	BlockHash  string

	// ExtrinsicIndex is the batch's position within its block.
	ExtrinsicIndex int
	Nonce          uint64
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithTimeout bounds each batch's wait for inclusion.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// Dispatcher submits one batch per operator.
type Dispatcher struct {
	submitter Submitter
	logger    *slog.Logger
	timeout   time.Duration
}

// New creates a dispatcher over the given primitive.
func New(submitter Submitter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		submitter: submitter,
		logger:    slog.Default(),
		timeout:   DefaultInclusionTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Transfers converts a plan into its non-zero transfers.
func Transfers(plan staking.BatchPlan) ([]Transfer, error) {
	payable := plan.Payable()
	out := make([]Transfer, 0, len(payable))
	for _, e := range payable {
		if e.Amount.BitLen() > 128 {
			return nil, fmt.Errorf("%w: %s exceeds u128 for %s", ErrInvalidAmount, e.Amount, e.Account)
		}
		out = append(out, Transfer{To: e.Account, Amount: new(big.Int).Set(e.Amount)})
	}
	return out, nil
}

// Dispatch sends the plan as a single batch. A plan with nothing payable
// succeeds without touching the chain.
func (d *Dispatcher) Dispatch(ctx context.Context, plan staking.BatchPlan) (*Outcome, error) {
	transfers, err := Transfers(plan)
	if err != nil {
		return nil, &DispatchError{OperatorID: plan.OperatorID, Op: "build", Err: err}
	}

	total := new(big.Int)
	for _, t := range transfers {
		total.Add(total, t.Amount)
	}
	if len(transfers) == 0 {
		d.logger.Info("no payable entries, skipping batch", "operator", plan.OperatorID)
		return &Outcome{OperatorID: plan.OperatorID, Amount: total}, nil
	}

	d.logger.Debug("submitting batch",
		"operator", plan.OperatorID,
		"transfers", len(transfers),
		"amount", balance.Format(total),
	)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	inc, err := d.submitter.SubmitBatch(ctx, transfers)
	if err != nil {
		de := &DispatchError{OperatorID: plan.OperatorID, Op: "submit", Err: err}
		var inner *DispatchError
		if errors.As(err, &inner) {
			de.Op, de.BlockHash, de.Err = inner.Op, inner.BlockHash, inner.Err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			de.Err = fmt.Errorf("%w: %w", ErrTimeout, de.Err)
		}
		return nil, de
	}

	return &Outcome{
		OperatorID:     plan.OperatorID,
		Transfers:      len(transfers),
		Amount:         total,
		BlockHash:      inc.BlockHash,
		ExtrinsicIndex: inc.ExtrinsicIndex,
		Nonce:          inc.Nonce,
	}, nil
}
