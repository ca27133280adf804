// Package main provides the klingwatchd daemon - an address-index and
// subscription server between a trusted bitcoind node and Electrum wallets.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klingon-exchange/klingwatch/internal/cache"
	"github.com/klingon-exchange/klingwatch/internal/chain"
	"github.com/klingon-exchange/klingwatch/internal/config"
	"github.com/klingon-exchange/klingwatch/internal/daemon"
	"github.com/klingon-exchange/klingwatch/internal/index"
	"github.com/klingon-exchange/klingwatch/internal/mempool"
	"github.com/klingon-exchange/klingwatch/internal/metrics"
	"github.com/klingon-exchange/klingwatch/internal/rpc"
	"github.com/klingon-exchange/klingwatch/internal/store"
	"github.com/klingon-exchange/klingwatch/internal/tracker"
	"github.com/klingon-exchange/klingwatch/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// verbosityFlag counts repeated -v occurrences.
type verbosityFlag int

func (v *verbosityFlag) String() string { return fmt.Sprintf("%d", int(*v)) }

func (v *verbosityFlag) IsBoolFlag() bool { return true }

func (v *verbosityFlag) Set(string) error {
	*v++
	return nil
}

func (v verbosityFlag) level() string {
	if v == 0 {
		return "info"
	}
	return "debug"
}

func main() {
	var verbosity verbosityFlag
	var (
		network      = flag.String("network", "mainnet", "Network (mainnet, testnet, regtest)")
		dataDir      = flag.String("db-dir", "~/.klingwatch", "Data directory (per-network subdir is appended)")
		configFile   = flag.String("config", "", "Config file path (default: <db-dir>/config.yaml)")
		electrumAddr = flag.String("electrum-addr", "", "Electrum RPC bind address, overrides config")
		metricsAddr  = flag.String("metrics-addr", "", "Prometheus monitoring bind address, overrides config")
		timestamps   = flag.Bool("timestamp", false, "Prepend log lines with a timestamp")
		showVersion  = flag.Bool("version", false, "Show version and exit")
	)
	flag.Var(&verbosity, "v", "Increase logging verbosity (repeatable)")
	flag.Parse()

	timeFormat := ""
	if *timestamps {
		timeFormat = time.RFC3339
	}
	log := logging.New(&logging.Config{
		Level:      verbosity.level(),
		TimeFormat: timeFormat,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("klingwatchd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load config file, then apply CLI overrides.
	cfgPath := *configFile
	if cfgPath == "" {
		cfgPath = filepath.Join(config.ExpandPath(*dataDir), "config.yaml")
	}
	cfg, err := config.Load(cfgPath, chain.Network(*network))
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "network":
			cfg.Network = chain.Network(*network)
		case "db-dir":
			cfg.DataDir = *dataDir
		}
	})
	if *electrumAddr != "" {
		cfg.ElectrumAddr = *electrumAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	params, err := chain.GetParams(cfg.Network)
	if err != nil {
		log.Fatal("Unsupported network", "error", err)
	}
	log.Info("Starting klingwatchd", "version", version, "network", cfg.Network, "db", cfg.DBDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel, log)

	node := daemon.New(&daemon.Config{
		RPCURL:  cfg.Daemon.RPCURL,
		RPCUser: cfg.Daemon.RPCUser,
		RPCPass: cfg.Daemon.RPCPass,
		Timeout: cfg.Daemon.Timeout.Std(),
	})
	if err := node.Connect(ctx, params); err != nil {
		log.Fatal("Failed to connect to daemon", "error", err)
	}

	// WebSocket hub rides on the monitoring endpoint.
	wsHub := rpc.NewWSHub()
	go wsHub.Run()
	go func() {
		if err := metrics.Serve(cfg.MetricsAddr, map[string]http.Handler{"/ws": wsHub.Handler()}); err != nil {
			log.Error("Metrics server failed", "error", err)
		}
	}()

	ix, err := openIndex(ctx, cfg, params, node, log)
	if err != nil {
		log.Fatal("Failed to build index", "error", err)
	}
	defer ix.Store().Close()

	mp := mempool.New()
	txCache := cache.New()

	trk := tracker.New(&tracker.Config{
		Index:   ix,
		Mempool: mp,
		Daemon:  node,
		Cache:   txCache,
		Workers: cfg.Sync.Workers,
	})

	server := rpc.NewServer(&rpc.Config{
		Index:   ix,
		Mempool: mp,
		Tracker: trk,
		Cache:   txCache,
		Daemon:  node,
		WSHub:   wsHub,
	})
	trk.SetOnChange(server.OnStatusChange)
	go func() {
		if err := server.Serve(ctx, cfg.ElectrumAddr); err != nil {
			log.Fatal("RPC server failed", "error", err)
		}
	}()

	runSyncLoop(ctx, cfg, ix, mp, trk, server, node, log)
	log.Info("Shutdown complete")
}

// openIndex performs the two-phase store open: the initial bulk build runs
// with auto-compaction off, compacts once after reaching the tip, then the
// store is reopened for steady state.
func openIndex(ctx context.Context, cfg *config.Config, params *chain.Params, node *daemon.Daemon, log *logging.Logger) (*index.Index, error) {
	dbDir := cfg.DBDir()

	st, err := store.Open(&store.Config{Path: dbDir, AutoCompact: false})
	if err != nil {
		return nil, err
	}
	ix, err := index.Load(st, params)
	if err != nil {
		st.Close()
		return nil, err
	}

	log.Info("Starting initial sync", "height", ix.Chain().Height())
	if _, err := ix.Update(ctx, node); err != nil {
		if errors.Is(err, context.Canceled) {
			st.Close()
			return nil, err
		}
		st.Close()
		return nil, fmt.Errorf("initial sync failed: %w", err)
	}
	if err := st.CompactIfNeeded(); err != nil {
		st.Close()
		return nil, err
	}
	if err := st.Close(); err != nil {
		return nil, err
	}

	st, err = store.Open(&store.Config{Path: dbDir, AutoCompact: true})
	if err != nil {
		return nil, err
	}
	ix, err = index.Load(st, params)
	if err != nil {
		st.Close()
		return nil, err
	}
	log.Info("Initial sync complete", "height", ix.Chain().Height(), "tip", ix.Chain().Tip())
	return ix, nil
}

// runSyncLoop is the daemon's main loop: wait for a tip change (or the poll
// interval for mempool churn), update the index and mempool view, then
// re-sync every live subscription. A failed tip wait (transport or node
// error) is logged and retried after a backoff; a failed index update,
// whether from the node or from the store, is logged and the loop starts
// again from the top.
func runSyncLoop(ctx context.Context, cfg *config.Config, ix *index.Index, mp *mempool.Mempool, trk *tracker.Tracker, server *rpc.Server, node *daemon.Daemon, log *logging.Logger) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		lastTip := ix.Chain().Tip()
		newTip, err := node.WaitForNewBlock(ctx, cfg.Sync.PollInterval.Std())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var rpcErr *daemon.RPCError
			if errors.As(err, &rpcErr) {
				log.Error("Daemon protocol error", "error", err)
			} else {
				log.Warn("Daemon unreachable, retrying", "error", err, "backoff", backoff)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < time.Minute {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if newTip != lastTip {
			if _, err := ix.Update(ctx, node); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if errors.Is(err, index.ErrHashMismatch) {
					log.Error("Node served a mismatching block, restarting sync", "error", err)
				} else {
					log.Error("Index update failed", "error", err)
				}
				continue
			}
			server.NotifyTip()
		}

		if err := mp.Update(ctx, node); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Mempool update failed", "error", err)
			continue
		}

		if err := trk.SyncAll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Subscription sync failed", "error", err)
		}
	}
}

func handleSignals(cancel context.CancelFunc, log *logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Received signal, shutting down", "signal", sig)
	cancel()
}
