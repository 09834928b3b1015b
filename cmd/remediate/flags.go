package main

import (
	"github.com/urfave/cli/v2"

	"github.com/autonomys/gemini-3h-slash/internal/config"
)

var (
	rpcURLFlag = &cli.StringFlag{
		Name:  "rpc-url",
		Usage: "Consensus chain node WebSocket endpoint (RPC_URL)",
		Value: config.DefaultRPCURL,
	}
	keystoreSURIFlag = &cli.StringFlag{
		Name:  "keystore-suri",
		Usage: "Secret URI of the sudo key (KEYSTORE_SURI); required",
	}
	slashListFlag = &cli.StringFlag{
		Name:  "slash-list",
		Usage: "JSON slash list or indexer export; defaults to the built-in gemini-3h list (SLASH_LIST)",
	}
	operatorsFlag = &cli.StringFlag{
		Name:  "operators",
		Usage: "Comma-separated operator ids to restrict the run to, e.g. 41,65 (OPERATORS)",
	}
	treasuryFlag = &cli.StringFlag{
		Name:  "treasury",
		Usage: "Hex treasury account overriding the runtime constant (TREASURY_ACCOUNT)",
	}
	dryRunFlag = &cli.BoolFlag{
		Name:  "dry-run",
		Usage: "Read state, compute and check solvency without dispatching (DRY_RUN)",
	}
	inclusionTimeoutFlag = &cli.DurationFlag{
		Name:  "inclusion-timeout",
		Usage: "How long to wait for each batch to be included (INCLUSION_TIMEOUT)",
		Value: config.DefaultInclusionTimeout,
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error (LOG_LEVEL)",
		Value: config.DefaultLogLevel,
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "text or json (LOG_FORMAT)",
		Value: config.DefaultLogFormat,
	}
	pushgatewayFlag = &cli.StringFlag{
		Name:  "pushgateway-url",
		Usage: "Prometheus Pushgateway to push run metrics to (PUSHGATEWAY_URL)",
	}
)

var appFlags = []cli.Flag{
	rpcURLFlag,
	keystoreSURIFlag,
	slashListFlag,
	operatorsFlag,
	treasuryFlag,
	dryRunFlag,
	inclusionTimeoutFlag,
	logLevelFlag,
	logFormatFlag,
	pushgatewayFlag,
}

// applyFlags overrides environment configuration with flags given on the
// command line.
func applyFlags(ctx *cli.Context, cfg *config.Config) {
	overrides := []struct {
		flag *cli.StringFlag
		dst  *string
	}{
		{rpcURLFlag, &cfg.RPCURL},
		{keystoreSURIFlag, &cfg.KeystoreSURI},
		{slashListFlag, &cfg.SlashList},
		{operatorsFlag, &cfg.Operators},
		{treasuryFlag, &cfg.Treasury},
		{logLevelFlag, &cfg.LogLevel},
		{logFormatFlag, &cfg.LogFormat},
		{pushgatewayFlag, &cfg.PushgatewayURL},
	}
	for _, s := range overrides {
		if ctx.IsSet(s.flag.Name) {
			*s.dst = ctx.String(s.flag.Name)
		}
	}
	if ctx.IsSet(dryRunFlag.Name) {
		cfg.DryRun = ctx.Bool(dryRunFlag.Name)
	}
	if ctx.IsSet(inclusionTimeoutFlag.Name) {
		cfg.InclusionTimeout = ctx.Duration(inclusionTimeoutFlag.Name)
	}
}
