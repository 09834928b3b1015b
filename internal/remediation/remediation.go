// Package remediation drives each slashed operator through state read,
// entitlement computation, the solvency gate and batch dispatch, and
// reports what happened.
//
// Operators are processed one at a time, in slash-list order. A failure
// confined to one operator marks it failed and the run moves on; a
// treasury shortfall or a cancelled context halts the run and leaves the
// remaining operators unattempted. Nothing is retried.
package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/autonomys/gemini-3h-slash/internal/balance"
	"github.com/autonomys/gemini-3h-slash/internal/dispatch"
	"github.com/autonomys/gemini-3h-slash/internal/entitlement"
	"github.com/autonomys/gemini-3h-slash/internal/logging"
	"github.com/autonomys/gemini-3h-slash/internal/metrics"
	"github.com/autonomys/gemini-3h-slash/internal/solvency"
	"github.com/autonomys/gemini-3h-slash/internal/staking"
	"github.com/autonomys/gemini-3h-slash/internal/traces"
)

// ErrHalted marks a run stopped before every operator was attempted.
var ErrHalted = errors.New("remediation: run halted")

// Gate is the solvency check run before every dispatch.
type Gate interface {
	Check(ctx context.Context, required *big.Int) (*solvency.Result, error)
	Reserve(amount *big.Int)
}

// Dispatcher applies one operator's batch plan.
type Dispatcher interface {
	Dispatch(ctx context.Context, plan staking.BatchPlan) (*dispatch.Outcome, error)
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithDryRun runs every stage except dispatch.
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) { e.dryRun = dryRun }
}

// WithRunID tags logs, spans and the report with a run id.
func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = id }
}

// Engine runs remediation over a slash list.
type Engine struct {
	reader     staking.StateReader
	gate       Gate
	dispatcher Dispatcher
	logger     *slog.Logger
	dryRun     bool
	runID      string
	now        func() time.Time
}

// New creates a remediation engine.
func New(reader staking.StateReader, gate Gate, dispatcher Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		reader:     reader,
		gate:       gate,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run remediates every record and returns the report. The report is
// always complete: records never reached stay StatePending.
func (e *Engine) Run(ctx context.Context, records []staking.SlashRecord) *Report {
	ctx = logging.WithLogger(ctx, e.logger)
	if e.runID != "" {
		ctx = logging.WithRunID(ctx, e.runID)
	}
	ctx, span := traces.StartSpan(ctx, "remediation.run", traces.RunID(e.runID))
	defer span.End()

	report := &Report{
		RunID:     e.runID,
		DryRun:    e.dryRun,
		Started:   e.now(),
		Operators: make([]*Operator, len(records)),
	}
	for i, rec := range records {
		report.Operators[i] = &Operator{Record: rec, State: StatePending}
	}

	logging.L(ctx).Info("remediation started", "operators", len(records), "dry_run", e.dryRun)

	for _, op := range report.Operators {
		if err := ctx.Err(); err != nil {
			report.halt(fmt.Errorf("%w: %v", ErrHalted, err))
			break
		}

		err := e.remediate(ctx, op)
		if err == nil {
			continue
		}
		if errors.Is(err, solvency.ErrInsufficientFunds) || ctx.Err() != nil {
			report.halt(fmt.Errorf("%w at operator %d: %w", ErrHalted, op.Record.OperatorID, err))
			break
		}
	}

	report.Finished = e.now()
	if report.HaltErr != nil {
		traces.Fail(span, report.HaltErr)
	}
	for _, op := range report.Operators {
		metrics.OperatorsTotal.WithLabelValues(op.outcome()).Inc()
	}
	metrics.ObserveRun(report.Finished.Sub(report.Started), report.OK())
	return report
}

// remediate takes one operator from StatePending to a terminal state.
func (e *Engine) remediate(ctx context.Context, op *Operator) (err error) {
	rec := op.Record
	ctx = logging.WithOperator(ctx, rec.OperatorID)
	ctx, span := traces.StartSpan(ctx, "remediation.operator",
		traces.OperatorID(rec.OperatorID), traces.SlashBlock(rec.SlashBlock))
	defer span.End()

	logger := logging.L(ctx)
	start := e.now()
	defer func() {
		op.Elapsed = e.now().Sub(start)
		metrics.OperatorDuration.Observe(op.Elapsed.Seconds())
		if err != nil {
			op.fail(err)
			traces.Fail(span, err)
			metrics.FailuresTotal.WithLabelValues(string(op.Stage)).Inc()
			logger.Error("operator failed", "stage", op.Stage, "error", err)
		}
	}()

	at, err := rec.ReferenceBlock()
	if err != nil {
		return err
	}

	// Every read below is pinned to the block before the slash.
	nominators, err := e.reader.Nominators(ctx, rec.OperatorID, at)
	if err != nil {
		return fmt.Errorf("read nominators at %d: %w", at, err)
	}
	op.Nominators = len(nominators)
	span.SetAttributes(traces.Nominators(len(nominators)))
	if len(nominators) == 0 {
		logger.Warn("operator had no nominators at the reference block", "block", at)
		if err := op.advance(StateStateRead); err != nil {
			return err
		}
		return op.advance(StateDone)
	}

	snap, err := e.reader.Operator(ctx, rec.OperatorID, at)
	if err != nil {
		return fmt.Errorf("read operator at %d: %w", at, err)
	}
	if err := op.advance(StateStateRead); err != nil {
		return err
	}

	plan, err := entitlement.Plan(*snap, nominators)
	if err != nil {
		return err
	}
	op.Plan = plan
	if bound := entitlement.RoundingBound(len(nominators)); plan.Residual.Cmp(bound) > 0 {
		logger.Warn("residual exceeds rounding bound, nominator shares do not cover the pool",
			"residual", plan.Residual.String(), "bound", bound.String(),
			"total_shares", snap.TotalShares.String())
	}
	metrics.ObserveResidual(plan.Residual)
	if err := op.advance(StateComputed); err != nil {
		return err
	}

	required := plan.Total()
	span.SetAttributes(traces.Amount(required))
	result, err := e.gate.Check(ctx, required)
	if err != nil {
		return err
	}
	logger.Info("treasury covers batch",
		"required", balance.Format(result.Required),
		"available", balance.Format(result.Available),
		"nominators", len(plan.Payable()),
		"share_price", snap.SharePrice().FloatString(6),
	)
	if err := op.advance(StateSolvencyChecked); err != nil {
		return err
	}

	if e.dryRun {
		e.gate.Reserve(required)
		for _, entry := range plan.Payable() {
			logger.Debug("would transfer", "account", entry.Account.Hex(), "amount", balance.Format(entry.Amount))
		}
		logger.Info("dry run, batch not dispatched", "amount", balance.Format(required))
		return op.advance(StateDone)
	}

	outcome, err := e.dispatcher.Dispatch(ctx, *plan)
	if err != nil {
		return err
	}
	op.Outcome = outcome
	span.SetAttributes(traces.BlockHash(outcome.BlockHash))
	metrics.ObserveBatch(outcome.Transfers, outcome.Amount)
	if err := op.advance(StateDispatched); err != nil {
		return err
	}

	logger.Info("operator remediated",
		"transfers", outcome.Transfers,
		"amount", balance.Format(outcome.Amount),
		"block_hash", outcome.BlockHash,
		"extrinsic_index", outcome.ExtrinsicIndex,
		"residual", plan.Residual.String(),
	)
	return op.advance(StateDone)
}
