package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahwlsqja/autonomy-abci/abci"
	"github.com/ahwlsqja/autonomy-abci/behaviour"
	"github.com/ahwlsqja/autonomy-abci/consensus/fsm"
	"github.com/ahwlsqja/autonomy-abci/consensus/round"
	"github.com/ahwlsqja/autonomy-abci/crypto"
	"github.com/ahwlsqja/autonomy-abci/ledger"
	"github.com/ahwlsqja/autonomy-abci/localnet"
	"github.com/ahwlsqja/autonomy-abci/node"
	"github.com/ahwlsqja/autonomy-abci/persistence"
	"github.com/ahwlsqja/autonomy-abci/randomness"
	"github.com/ahwlsqja/autonomy-abci/types"
)

type localnetOptions struct {
	agents       int
	blockTime    time.Duration
	tick         time.Duration
	roundTimeout time.Duration
	resetPause   time.Duration
	beaconURL    string
	maxRetries   int
	periods      int64
	logLevel     string
	history      bool
	out          io.Writer
}

func newLocalnetCmd() *cobra.Command {
	opts := localnetOptions{}

	cmd := &cobra.Command{
		Use:   "localnet",
		Short: "Run several agents in one process on an in-memory chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			opts.out = cmd.OutOrStdout()
			return runLocalnet(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.agents, "agents", "n", 4, "Number of agents")
	f.DurationVar(&opts.blockTime, "block-time", time.Second, "Block interval")
	f.DurationVar(&opts.tick, "tick", 100*time.Millisecond, "Behaviour tick interval")
	f.DurationVar(&opts.roundTimeout, "round-timeout", 30*time.Second, "Round timeout in block time")
	f.DurationVar(&opts.resetPause, "reset-pause", 5*time.Second, "Pause before voting for the next period")
	f.StringVar(&opts.beaconURL, "beacon", randomness.DefaultBeaconURL, "Randomness beacon URL")
	f.IntVar(&opts.maxRetries, "max-retries", 3, "Beacon retries before the ledger fallback")
	f.Int64Var(&opts.periods, "periods", 0, "Stop after this many periods (0 runs until interrupted)")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug|info|error|none)")
	f.BoolVar(&opts.history, "history", false, "Print the first agent's transitions on exit")
	return cmd
}

func runLocalnet(ctx context.Context, opts localnetOptions) error {
	logger, err := node.NewLogger(opts.logLevel)
	if err != nil {
		return err
	}

	signers := make([]*crypto.DefaultSigner, opts.agents)
	addrs := make([]string, opts.agents)
	for i := range signers {
		if signers[i], err = crypto.NewDefaultSigner(); err != nil {
			return err
		}
		addrs[i] = signers[i].Address()
	}
	params := round.Params{Participants: types.NewParticipantSet(addrs...), Timeout: opts.roundTimeout}

	cfg := localnet.DefaultConfig()
	cfg.BlockTime = opts.blockTime
	net := localnet.NewNetwork(cfg, logger)
	api := ledger.NewCometLedger(ledger.DefaultLedgerID, net, logger)

	var (
		agents []*behaviour.Scheduler
		stores []*persistence.MemoryStore
	)
	for _, s := range signers {
		graph, err := fsm.NewCommonApp(params)
		if err != nil {
			return err
		}
		store := persistence.NewMemoryStore()
		stores = append(stores, store)
		app, err := abci.NewApp(graph, abci.Options{Logger: logger.With("agent", s.Address()), Store: store})
		if err != nil {
			return err
		}
		if err := net.AddApp(app); err != nil {
			return err
		}

		agents = append(agents, behaviour.NewCommonAgent(app, s, net, behaviour.AgentConfig{
			Beacon:     randomness.NewBeacon(opts.beaconURL, 5*time.Second, logger),
			Ledger:     api,
			Retry:      behaviour.RetryConfig{MaxRetries: opts.maxRetries, Backoff: time.Second},
			ResetPause: opts.resetPause,
		}, logger, nil))
	}

	if err := net.Start(ctx); err != nil {
		return err
	}
	logger.Info("localnet started", "agents", opts.agents, "block_time", opts.blockTime)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return net.Run(gctx, opts.blockTime)
	})
	for _, a := range agents {
		g.Go(func() error {
			return a.Run(gctx, opts.tick)
		})
	}
	if opts.periods > 0 {
		app := net.Apps()[0]
		g.Go(func() error {
			ticker := time.NewTicker(opts.blockTime)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
					if v := app.View(); v.PeriodCount() >= opts.periods {
						logger.Info("localnet finished", "periods", v.PeriodCount(), "height", v.Height)
						return errDone
					}
				}
			}
		})
	}

	err = g.Wait()
	if !errors.Is(err, errDone) && !errors.Is(err, context.Canceled) {
		return err
	}

	for i, store := range stores {
		last, err := store.LatestTransition()
		if err != nil || last == nil {
			continue
		}
		logger.Info("agent finished", "agent", addrs[i], "round", last.To, "round_height", last.RoundHeight)
	}
	if opts.history && opts.out != nil {
		return printHistory(opts.out, stores[0], 0)
	}
	return nil
}

var errDone = errors.New("done")
