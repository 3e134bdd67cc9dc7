package main

import (
	"github.com/spf13/pflag"
	. "github.com/streamingfast/cli"
	"github.com/streamingfast/logging"
	"go.uber.org/zap"
)

var zlog, _ = logging.PackageLogger("tap-agent", "github.com/graphprotocol/tap-agent/cmd/tap-agent")
var version = "dev"

func init() {
	logging.InstantiateLoggers(logging.WithDefaultLevel(zap.InfoLevel))
}

func main() {
	Run(
		"tap-agent",
		"TAP (Timeline Aggregation Protocol) indexer agent",
		Execute(runStart),
		Description(`
			Runs the indexer-side TAP agent: it keeps a live snapshot of the
			indexer's eligible allocations and senders' escrow balances, admits
			and durably records signed receipts, and drives per-sender RAV
			(Receipt Aggregate Voucher) requests against the senders' remote
			aggregators once a configured value threshold is crossed.

			Configuration is read from a single file (TOML, YAML or JSON, by
			extension); see config.Config for the full key list. A key present
			in the file may be overridden by a TAP_AGENT_-prefixed environment
			variable.

			Press Ctrl+C to shut down.
		`),
		Flags(func(flags *pflag.FlagSet) {
			flags.String("config-file", "./tap-agent.toml", "path to the agent's TOML configuration file")
		}),
		ConfigureVersion(version),
		OnCommandErrorLogAndExit(zlog),
	)
}
