// Command remediate compensates nominators of operators slashed for
// invalid bundles on gemini-3h by paying them out of the chain treasury.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/autonomys/gemini-3h-slash/internal/config"
	"github.com/autonomys/gemini-3h-slash/internal/dispatch"
	"github.com/autonomys/gemini-3h-slash/internal/logging"
	"github.com/autonomys/gemini-3h-slash/internal/metrics"
	"github.com/autonomys/gemini-3h-slash/internal/remediation"
	"github.com/autonomys/gemini-3h-slash/internal/slashes"
	"github.com/autonomys/gemini-3h-slash/internal/solvency"
	"github.com/autonomys/gemini-3h-slash/internal/substrate"
	"github.com/autonomys/gemini-3h-slash/internal/traces"
)

// Build info - set by ldflags
var (
	Version = "dev"
	Commit  = "unknown"
)

const pushTimeout = 10 * time.Second

func remediate(cliCtx *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cliCtx, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	runID := uuid.NewString()
	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithRunID(logging.WithLogger(ctx, logger), runID)
	log := logging.L(ctx)

	log.Info("starting remediation", "version", Version, "commit", Commit, "rpc_url", cfg.RPCURL, "dry_run", cfg.DryRun)

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("trace shutdown failed", "error", err)
		}
	}()

	records, err := cfg.SlashRecords()
	if err != nil {
		return err
	}
	if dups := slashes.Duplicates(records); len(dups) > 0 {
		log.Warn("operators listed with more than one slash", "operators", dups)
	}

	readerOpts := []substrate.ReaderOption{substrate.WithLogger(log)}
	if acc, ok := cfg.TreasuryAccount(); ok {
		readerOpts = append(readerOpts, substrate.WithTreasury(acc))
	}
	reader, err := substrate.DialReader(ctx, cfg.RPCURL, readerOpts...)
	if err != nil {
		return err
	}
	defer reader.Close()

	submitter, err := substrate.NewSubmitter(cfg.RPCURL, cfg.KeystoreSURI, log)
	if err != nil {
		return err
	}
	defer submitter.Close()

	log.Info("connected",
		"treasury", reader.Treasury().Hex(),
		"signer", submitter.Signer(),
		"operators", len(records),
	)

	engine := remediation.New(
		reader,
		solvency.NewChecker(reader),
		dispatch.New(submitter,
			dispatch.WithLogger(log),
			dispatch.WithTimeout(cfg.InclusionTimeout),
		),
		remediation.WithLogger(logger),
		remediation.WithRunID(runID),
		remediation.WithDryRun(cfg.DryRun),
	)

	report := engine.Run(ctx, records)
	report.Log(logger)

	pushCtx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	if err := metrics.Push(pushCtx, cfg.PushgatewayURL, runID); err != nil {
		log.Warn("failed to push metrics", "error", err)
	}

	if !report.OK() {
		return cli.Exit(fmt.Sprintf("remediation incomplete: %d failed (%d with unknown outcome), %d not attempted",
			len(report.Failed()), len(report.Unknown()), len(report.Unattempted())), 1)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:    "remediate",
		Usage:   "pays nominators of invalid-bundle slashed operators out of the treasury",
		Version: Version,
		Flags:   appFlags,
		Action:  remediate,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
