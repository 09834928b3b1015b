package remediation

import (
	"log/slog"
	"math/big"
	"time"

	"github.com/autonomys/gemini-3h-slash/internal/balance"
	"github.com/autonomys/gemini-3h-slash/internal/dispatch"
	"github.com/autonomys/gemini-3h-slash/internal/staking"
)

// Operator is the progress of one slash record through the pipeline.
type Operator struct {
	Record staking.SlashRecord
	State  State
	// Stage is the last state reached before failing, which names the
	// stage that failed.
	Stage      State
	Nominators int
	Plan       *staking.BatchPlan
	Outcome    *dispatch.Outcome
	Err        error
	Elapsed    time.Duration
}

func (o *Operator) advance(next State) error {
	if err := checkTransition(o.State, next); err != nil {
		return err
	}
	o.State = next
	return nil
}

func (o *Operator) fail(err error) {
	if o.State.IsTerminal() {
		return
	}
	o.Stage = o.State
	o.State = StateFailed
	o.Err = err
}

// Attempted is false for operators the run never reached.
func (o *Operator) Attempted() bool {
	return o.State != StatePending
}

func (o *Operator) outcome() string {
	switch o.State {
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StatePending:
		return "unattempted"
	}
	return "incomplete"
}

// Report is the result of a run.
type Report struct {
	RunID     string
	DryRun    bool
	Operators []*Operator
	// HaltErr is set when the run stopped early; it wraps ErrHalted and
	// the cause.
	HaltErr  error
	Started  time.Time
	Finished time.Time
}

func (r *Report) halt(err error) {
	if r.HaltErr == nil {
		r.HaltErr = err
	}
}

func (r *Report) byState(match func(*Operator) bool) []staking.OperatorID {
	var ids []staking.OperatorID
	for _, op := range r.Operators {
		if match(op) {
			ids = append(ids, op.Record.OperatorID)
		}
	}
	return ids
}

// Done lists operators that were remediated or had nothing to pay.
func (r *Report) Done() []staking.OperatorID {
	return r.byState(func(o *Operator) bool { return o.State == StateDone })
}

// Failed lists operators that stopped with an error.
func (r *Report) Failed() []staking.OperatorID {
	return r.byState(func(o *Operator) bool { return o.State == StateFailed })
}

// Unknown lists failed operators whose batch reached the node but was never
// confirmed. Their nominators may already be paid, so they must be checked
// on chain before a rerun.
func (r *Report) Unknown() []staking.OperatorID {
	return r.byState(func(o *Operator) bool {
		return o.State == StateFailed && dispatch.OutcomeUnknown(o.Err)
	})
}

// Unattempted lists operators the run never reached.
func (r *Report) Unattempted() []staking.OperatorID {
	return r.byState(func(o *Operator) bool { return !o.Attempted() })
}

// Halted reports whether the run stopped before the end of the list.
func (r *Report) Halted() bool { return r.HaltErr != nil }

// OK is true when every operator reached StateDone.
func (r *Report) OK() bool {
	for _, op := range r.Operators {
		if op.State != StateDone {
			return false
		}
	}
	return true
}

// Paid is the total transferred by applied batches. In a dry run it is the
// total that would have been transferred.
func (r *Report) Paid() *big.Int {
	total := new(big.Int)
	for _, op := range r.Operators {
		if op.State != StateDone || op.Plan == nil {
			continue
		}
		if op.Outcome != nil {
			total.Add(total, op.Outcome.Amount)
		} else if r.DryRun {
			total.Add(total, op.Plan.Total())
		}
	}
	return total
}

// Transfers counts nominator transfers across applied batches.
func (r *Report) Transfers() int {
	n := 0
	for _, op := range r.Operators {
		if op.Outcome != nil {
			n += op.Outcome.Transfers
		}
	}
	return n
}

// Residual sums the rounding residuals kept by the treasury for completed
// operators.
func (r *Report) Residual() *big.Int {
	total := new(big.Int)
	for _, op := range r.Operators {
		if op.State == StateDone && op.Plan != nil && op.Plan.Residual != nil {
			total.Add(total, op.Plan.Residual)
		}
	}
	return total
}

// Log writes the per-operator results and the run summary.
func (r *Report) Log(logger *slog.Logger) {
	for _, op := range r.Operators {
		attrs := []any{
			"operator", uint64(op.Record.OperatorID),
			"slash_block", uint32(op.Record.SlashBlock),
			"state", op.State,
			"nominators", op.Nominators,
		}
		if op.Outcome != nil {
			attrs = append(attrs,
				"amount", balance.Format(op.Outcome.Amount),
				"block_hash", op.Outcome.BlockHash,
				"extrinsic_index", op.Outcome.ExtrinsicIndex,
			)
		}
		switch op.State {
		case StateFailed:
			attrs = append(attrs, "stage", op.Stage, "error", op.Err)
			if dispatch.OutcomeUnknown(op.Err) {
				attrs = append(attrs, "outcome_unknown", true)
			}
			logger.Error("operator result", attrs...)
		case StatePending:
			logger.Warn("operator result", attrs...)
		default:
			logger.Info("operator result", attrs...)
		}
	}

	if unknown := r.Unknown(); len(unknown) > 0 {
		logger.Warn("batches submitted without a confirmed outcome, check the chain before rerunning",
			"operators", unknown)
	}

	summary := []any{
		"run_id", r.RunID,
		"dry_run", r.DryRun,
		"done", len(r.Done()),
		"failed", len(r.Failed()),
		"outcome_unknown", len(r.Unknown()),
		"unattempted", len(r.Unattempted()),
		"transfers", r.Transfers(),
		"paid", balance.Format(r.Paid()),
		"residual", r.Residual().String(),
		"elapsed", r.Finished.Sub(r.Started).Round(time.Millisecond).String(),
	}
	switch {
	case r.Halted():
		logger.Error("remediation halted", append(summary, "error", r.HaltErr)...)
	case !r.OK():
		logger.Warn("remediation finished with failures", summary...)
	default:
		logger.Info("remediation finished", summary...)
	}
}
