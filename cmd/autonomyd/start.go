package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahwlsqja/autonomy-abci/node"
)

// startFlags maps config keys to their command line flags.
var startFlags = map[string]string{
	"chain_id":        "chain-id",
	"key_file":        "key",
	"participants":    "participants",
	"abci_addr":       "abci",
	"abci_transport":  "abci-transport",
	"rpc_addr":        "rpc",
	"ledger_addr":     "ledger",
	"ledger_remote":   "ledger-remote",
	"beacon_url":      "beacon",
	"round_timeout":   "round-timeout",
	"tick_interval":   "tick",
	"max_retries":     "max-retries",
	"metrics_enabled": "metrics",
	"metrics_addr":    "metrics-addr",
	"log_level":       "log-level",
	"data_dir":        "home",
}

func newStartCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run an agent against a CometBFT node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for key, flag := range startFlags {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}

			cfg, err := node.LoadConfig(v, configFile)
			if err != nil {
				return err
			}
			logger, err := node.NewLogger(cfg.LogLevel)
			if err != nil {
				return err
			}

			n, err := node.NewNode(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return n.Run(ctx)
		},
	}

	d := node.DefaultConfig()
	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "Config file (yaml or toml)")
	f.String("chain-id", d.ChainID, "Chain ID")
	f.String("key", d.KeyFile, "Agent key file")
	f.StringSlice("participants", nil, "Comma-separated participant addresses")
	f.String("abci", d.ABCIAddr, "ABCI listen address")
	f.String("abci-transport", d.ABCITransport, "ABCI transport (socket|grpc)")
	f.String("rpc", d.RPCAddr, "CometBFT RPC address")
	f.String("ledger", d.LedgerAddr, "Ledger gRPC listen address (empty disables)")
	f.String("ledger-remote", d.LedgerRemote, "Remote ledger gRPC service used for the randomness fallback")
	f.String("beacon", d.BeaconURL, "Randomness beacon URL")
	f.Duration("round-timeout", d.RoundTimeout, "Round timeout in block time")
	f.Duration("tick", d.TickInterval, "Behaviour tick interval")
	f.Int("max-retries", d.MaxRetries, "Beacon retries before the ledger fallback")
	f.Bool("metrics", d.MetricsEnabled, "Serve Prometheus metrics")
	f.String("metrics-addr", d.MetricsAddr, "Prometheus metrics address")
	f.String("log-level", d.LogLevel, "Log level (debug|info|error|none)")
	f.String("home", d.DataDir, "Data directory")

	return cmd
}
