// Command backend runs the sandbox orchestrator (spec §4.6): it serves
// the Target System Provider RPC contract and materializes/tears down
// per-attacker Docker sandboxes on demand.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sshtrap/honeypot/internal/config"
	"github.com/sshtrap/honeypot/internal/orchestrator"
	"github.com/sshtrap/honeypot/internal/xlog"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadBackend()
	if err != nil {
		return fmt.Errorf("loading backend config: %w", err)
	}

	level := xlog.LevelInfo
	if cfg.EnableDebugLogging {
		level = xlog.LevelDebug
	}
	log, err := xlog.NewFromFile("backend", level, cfg.LogFile)
	if err != nil {
		log.Warnf("falling back to stderr logging: %v", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		DockerHost:                            cfg.DockerHost,
		TargetSystemAddress:                   cfg.TargetSystemAddress,
		EnableIsolatedTargetContainerNetworks: cfg.EnableIsolatedTargetContainerNetworks,
		KeepTargetSystemVolumes:               cfg.KeepTargetSystemVolumes,
	}, log.Fork("orchestrator"))
	if err != nil {
		return fmt.Errorf("constructing orchestrator: %w", err)
	}

	rpcServer, err := orchestrator.NewRPCServer(cfg.HTTPAPIBindAddress, orch, log.Fork("rpc"))
	if err != nil {
		return fmt.Errorf("starting provider rpc server: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- rpcServer.Serve() }()

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
		rpcServer.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Warnf("orchestrator shutdown: %v", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		return fmt.Errorf("provider rpc server exited: %w", err)
	}
}
