// Command frontend runs the attacker-facing SSH proxy (spec §4.1-§4.5):
// it accepts SSH connections, fakes authentication, and bridges
// authenticated sessions into sandboxes leased from the backend
// orchestrator, logging every event to the configured event store.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sshtrap/honeypot/internal/config"
	"github.com/sshtrap/honeypot/internal/eventstore"
	"github.com/sshtrap/honeypot/internal/eventstore/console"
	"github.com/sshtrap/honeypot/internal/eventstore/postgres"
	"github.com/sshtrap/honeypot/internal/hostkey"
	"github.com/sshtrap/honeypot/internal/provider"
	"github.com/sshtrap/honeypot/internal/proxyhandler"
	"github.com/sshtrap/honeypot/internal/sessionmgr"
	"github.com/sshtrap/honeypot/internal/sshstate"
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
	cfg, err := config.LoadFrontend()
	if err != nil {
		return fmt.Errorf("loading frontend config: %w", err)
	}

	level := xlog.LevelInfo
	if cfg.EnableDebugLogging {
		level = xlog.LevelDebug
	}
	log, err := xlog.NewFromFile("frontend", level, cfg.LogFile)
	if err != nil {
		log.Warnf("falling back to stderr logging: %v", err)
	}

	key, err := hostkey.LoadOrGenerate(cfg.HostKeyPath)
	if err != nil {
		return fmt.Errorf("loading host key: %w", err)
	}
	log.Infof("host key fingerprint %s", hostkey.Fingerprint(key.PublicKey()))

	var store eventstore.Store
	if cfg.DBHostname != "" && cfg.DBPassword != "" {
		store, err = postgres.Open(ctx, postgres.Config{
			Hostname: cfg.DBHostname,
			Database: cfg.DBDatabase,
			Username: cfg.DBUsername,
			Password: cfg.DBPassword,
			MinConns: int32(cfg.DBMinConnections),
			MaxConns: int32(cfg.DBMaxConnections),
		}, log.Fork("eventstore"))
		if err != nil {
			return fmt.Errorf("opening postgres event store: %w", err)
		}
	} else {
		log.Warnf("DB_PASSWORD not set; logging events to console instead of postgres")
		store = console.New(log.Fork("eventstore"))
	}
	defer store.Close()

	providerClient, err := provider.Dial(cfg.BackendAddress, log.Fork("provider"))
	if err != nil {
		return fmt.Errorf("dialing backend provider: %w", err)
	}
	defer providerClient.Close()

	newProxyHandler := proxyhandler.New(providerClient, proxyhandler.Config{})

	resolver := sessionmgr.NewHTTPPublicIPResolver(cfg.PublicIPDiscoveryURL, 5*time.Second)
	resolveCtx, cancelResolve := context.WithTimeout(ctx, 5*time.Second)
	publicIP, err := sessionmgr.ResolveWithFallback(resolveCtx, resolver, net.IPv4zero)
	cancelResolve()
	if err != nil {
		return fmt.Errorf("resolving public ip: %w", err)
	}
	log.Infof("resolved public ip %s", publicIP)

	newConn, err := sshstate.New(sshstate.Config{
		ServerVersion:         cfg.SSHLocalVersion,
		AllowedUsernamesRegex: cfg.SSHAllowedUsernamesRegex,
		AllowedPasswordsRegex: cfg.SSHAllowedPasswordsRegex,
		LoginSuccessRate:      cfg.SSHLoginSuccessRate,
		HostKey:               key,
		Store:                 store,
		NewHandler: func(log xlog.Logger, session eventstore.Session) sshstate.Handler {
			return newProxyHandler(log, session)
		},
	})
	if err != nil {
		return fmt.Errorf("constructing ssh state machine: %w", err)
	}

	mgr, err := sessionmgr.New(sessionmgr.Config{
		Port:                     cfg.SSHServerPort,
		SocketTimeout:            cfg.SSHSocketTimeout,
		MaxUnacceptedConnections: cfg.SSHMaxUnacceptedConnections,
		SessionTimeout:           cfg.SSHSessionTimeout,
		DestinationAddress:       publicIP,
	}, newConn, log.Fork("sessionmgr"))
	if err != nil {
		return fmt.Errorf("starting session manager: %w", err)
	}

	log.Infof("listening for ssh connections on port %d", cfg.SSHServerPort)
	if err := mgr.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("session manager exited: %w", err)
	}
	return nil
}
