package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	abciserver "github.com/cometbft/cometbft/abci/server"
	"github.com/cometbft/cometbft/libs/log"
	"github.com/cometbft/cometbft/libs/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ahwlsqja/autonomy-abci/abci"
	"github.com/ahwlsqja/autonomy-abci/behaviour"
	"github.com/ahwlsqja/autonomy-abci/consensus/fsm"
	"github.com/ahwlsqja/autonomy-abci/consensus/round"
	"github.com/ahwlsqja/autonomy-abci/crypto"
	"github.com/ahwlsqja/autonomy-abci/ledger"
	"github.com/ahwlsqja/autonomy-abci/metrics"
	"github.com/ahwlsqja/autonomy-abci/persistence"
	"github.com/ahwlsqja/autonomy-abci/randomness"
	"github.com/ahwlsqja/autonomy-abci/types"
)

// NewLogger builds the node logger: logfmt-style lines on stdout filtered
// by level.
func NewLogger(level string) (log.Logger, error) {
	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	if level == "" {
		return logger, nil
	}
	option, err := log.AllowLevel(level)
	if err != nil {
		return nil, err
	}
	return log.NewFilter(logger, option), nil
}

// Node represents one agent.
type Node struct {
	config *Config
	logger log.Logger

	signer    crypto.Signer
	app       *abci.App
	client    *abci.Client
	scheduler *behaviour.Scheduler
	store     persistence.Store

	abciServer    service.Service
	metricsServer *metrics.Server // nil when metrics are disabled
	ledgerServer  *ledger.Server  // nil when ledger_addr is empty
	ledgerClient  *ledger.GRPCClient
}

// NewNode creates a node from a validated config.
func NewNode(config *Config, logger log.Logger) (*Node, error) {
	// Validate config
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	signer, err := crypto.LoadSigner(config.KeyFile)
	if err != nil {
		return nil, err
	}
	logger = logger.With("agent", signer.Address())

	// Create FSM
	graph, err := fsm.NewCommonApp(round.Params{
		Participants: types.NewParticipantSet(config.Participants...),
		Timeout:      config.RoundTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build fsm: %w", err)
	}

	// Create metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var m *metrics.Metrics
	if config.MetricsEnabled {
		m = metrics.NewMetrics(metrics.DefaultNamespace, reg)
	} else {
		m = metrics.NewMetrics(metrics.DefaultNamespace, nil)
	}

	// Create transition store
	var store persistence.Store
	if config.DataDir != "" {
		fs, err := persistence.NewFileStore(filepath.Join(config.DataDir, signer.Address()))
		if err != nil {
			return nil, fmt.Errorf("failed to create store: %w", err)
		}
		if err := logPreviousRun(fs, logger); err != nil {
			return nil, err
		}
		store = fs
	}

	app, err := abci.NewApp(graph, abci.Options{Logger: logger, Metrics: m, Store: store})
	if err != nil {
		return nil, fmt.Errorf("failed to create app: %w", err)
	}

	client, err := abci.NewClient(config.RPCAddr, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc client: %w", err)
	}

	abciSrv, err := abciserver.NewServer(config.ABCIAddr, config.ABCITransport, app)
	if err != nil {
		return nil, fmt.Errorf("failed to create abci server: %w", err)
	}
	abciSrv.SetLogger(logger.With("module", "abci-server"))

	n := &Node{
		config:     config,
		logger:     logger.With("module", "node"),
		signer:     signer,
		app:        app,
		client:     client,
		store:      store,
		abciServer: abciSrv,
	}

	// Ledger: the chain seen through CometBFT RPC, optionally exposed over
	// gRPC, or a remote ledger service.
	var api ledger.API = ledger.NewCometLedger(ledger.DefaultLedgerID, client, logger)
	if config.LedgerAddr != "" {
		n.ledgerServer = ledger.NewServer(api, config.LedgerAddr, logger)
	}
	if config.LedgerRemote != "" {
		lc, err := ledger.Dial(config.LedgerRemote)
		if err != nil {
			return nil, fmt.Errorf("failed to dial ledger %s: %w", config.LedgerRemote, err)
		}
		n.ledgerClient = lc
		api = lc
	}

	if config.MetricsEnabled {
		n.metricsServer = metrics.NewServer(config.MetricsAddr, reg, logger)
	}

	n.scheduler = behaviour.NewCommonAgent(app, signer, client, behaviour.AgentConfig{
		Beacon: randomness.NewBeacon(config.BeaconURL, config.BeaconTimeout, logger),
		Ledger: api,
		Retry: behaviour.RetryConfig{
			MaxRetries: config.MaxRetries,
			Backoff:    config.RetryBackoff,
		},
		ResetPause: config.ResetPause,
	}, logger, m)

	return n, nil
}

// logPreviousRun reports what the store holds from an earlier run. The
// Period State is rebuilt by block replay, not from the store.
func logPreviousRun(store persistence.Store, logger log.Logger) error {
	st, err := store.LoadState()
	if err != nil {
		return fmt.Errorf("failed to load stored state: %w", err)
	}
	if st == nil {
		return nil
	}
	last, err := store.LatestTransition()
	if err != nil {
		return fmt.Errorf("failed to load stored transitions: %w", err)
	}

	kv := []any{"height", st.Height, "round", st.RoundID, "round_height", st.RoundHeight, "period", st.PeriodCount}
	if last != nil {
		kv = append(kv, "last_transition", fmt.Sprintf("%s --%s--> %s", last.From, last.Event, last.To))
	}
	logger.Info("found state of a previous run", kv...)
	return nil
}

// App returns the ABCI application.
func (n *Node) App() *abci.App {
	return n.app
}

// Address returns the agent address.
func (n *Node) Address() string {
	return n.signer.Address()
}

// Run starts every service and blocks until ctx is cancelled or one of
// them fails.
func (n *Node) Run(ctx context.Context) error {
	if err := n.abciServer.Start(); err != nil {
		return fmt.Errorf("failed to start abci server: %w", err)
	}
	n.logger.Info("abci server started", "addr", n.config.ABCIAddr, "transport", n.config.ABCITransport)

	if n.metricsServer != nil {
		if err := n.metricsServer.Start(); err != nil {
			n.stopServices()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	if n.ledgerServer != nil {
		if err := n.ledgerServer.Start(); err != nil {
			n.stopServices()
			return fmt.Errorf("failed to start ledger server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.scheduler.Run(gctx, n.config.TickInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		n.stopServices()
		return nil
	})

	n.logger.Info("agent started",
		"chain_id", n.config.ChainID,
		"participants", len(n.config.Participants),
		"rpc", n.config.RPCAddr,
		"beacon", n.config.BeaconURL)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	n.logger.Info("agent stopped")
	return err
}

func (n *Node) stopServices() {
	if n.ledgerServer != nil {
		n.ledgerServer.Stop()
	}
	if n.ledgerClient != nil {
		if err := n.ledgerClient.Close(); err != nil {
			n.logger.Error("failed to close ledger client", "err", err)
		}
	}
	if n.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.metricsServer.Stop(ctx); err != nil {
			n.logger.Error("failed to stop metrics server", "err", err)
		}
	}
	if n.abciServer.IsRunning() {
		if err := n.abciServer.Stop(); err != nil {
			n.logger.Error("failed to stop abci server", "err", err)
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Error("failed to close store", "err", err)
		}
	}
}
