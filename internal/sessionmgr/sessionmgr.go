// Package sessionmgr is the Session Manager and Transport Supervisor
// (spec §4.5): the Manager owns the listening socket and spawns an SSH
// State Machine per accepted TCP connection; the Supervisor periodically
// sweeps the registered connections, reaping dead transports and idle
// sessions.
//
// Grounded on original_source's frontend/protocols/ssh/connection_manager.go
// (SO_REUSEADDR + short accept timeout + per-connection goroutine) and
// _transport_manager.go (300ms sweep, is_active/zero-channels/idle-timeout
// reap rules), rewired onto internal/shutdown.Helper for cooperative
// shutdown in place of the original's polled boolean-plus-mutex flag.
package sessionmgr

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sshtrap/honeypot/internal/eventstore"
	"github.com/sshtrap/honeypot/internal/shutdown"
	"github.com/sshtrap/honeypot/internal/sshstate"
	"github.com/sshtrap/honeypot/internal/xlog"
)

// Config configures the Manager and Supervisor (spec §6 env vars).
type Config struct {
	Port                     int
	SocketTimeout            time.Duration // default 5s
	MaxUnacceptedConnections int           // listen backlog, default 100
	SessionTimeout           time.Duration // idle reap threshold
	SweepInterval            time.Duration // default 300ms
	DestinationAddress       net.IP        // for the SessionEndpoint DstAddr
}

// NewConnectionFunc matches the constructor sshstate.New returns.
type NewConnectionFunc func(conn net.Conn, log xlog.Logger, endpoint eventstore.Endpoint) (*sshstate.Connection, error)

// supervisedConn is the slice of *sshstate.Connection the Supervisor needs
// to sweep a session. Narrowing it to an interface (rather than depending
// on *sshstate.Connection directly) keeps the sweep logic unit-testable
// with fakes.
type supervisedConn interface {
	Active() bool
	OpenChannelCount() int
	LastActivity() time.Time
	ForceClose() error
}

// entry is one registered (attacker-transport, connection) pair.
type entry struct {
	conn net.Conn
	ssh  supervisedConn
}

// Manager binds the listening socket and spawns one sshstate.Connection
// per accepted connection.
type Manager struct {
	cfg      Config
	log      xlog.Logger
	newConn  NewConnectionFunc
	listener net.Listener

	sup      *Supervisor
	shutdown *shutdown.Helper
}

// New binds the listener and constructs the paired Supervisor. The
// listener uses a raw syscall.Listen call so MaxUnacceptedConnections
// controls the backlog precisely (net.Listen leaves backlog to the OS
// default); SO_REUSEADDR is set explicitly to match the original's
// socket.SO_REUSEADDR, even though Go's net package already sets it by
// default on most platforms.
func New(cfg Config, newConn NewConnectionFunc, log xlog.Logger) (*Manager, error) {
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = 5 * time.Second
	}
	if cfg.MaxUnacceptedConnections <= 0 {
		cfg.MaxUnacceptedConnections = 100
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 300 * time.Millisecond
	}

	lis, err := listenTCP(cfg.Port, cfg.MaxUnacceptedConnections)
	if err != nil {
		return nil, fmt.Errorf("binding ssh listener on port %d: %w", cfg.Port, err)
	}

	m := &Manager{
		cfg:      cfg,
		log:      log,
		newConn:  newConn,
		listener: lis,
		sup:      newSupervisor(cfg.SweepInterval, cfg.SessionTimeout, log.Fork("supervisor")),
	}
	m.shutdown = shutdown.New(log.Fork("shutdown"), m)
	return m, nil
}

// HandleOnceShutdown implements shutdown.OnceHandler: it closes the
// listening socket and stops the Supervisor, unblocking Run's accept loop.
func (m *Manager) HandleOnceShutdown(completionErr error) error {
	m.listener.Close()
	m.sup.Stop()
	return nil
}

// listenTCP mirrors socket()+setsockopt(SO_REUSEADDR)+bind()+listen(backlog)
// via golang.org/x/sys/unix, then wraps the resulting fd as a net.Listener
// so the accept loop can stay idiomatic Go.
func listenTCP(port, backlog int) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	addr := unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}
	f := os.NewFile(uintptr(fd), fmt.Sprintf("ssh-listener:%d", port))
	defer f.Close()
	lis, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("wrapping listener fd: %w", err)
	}
	return lis, nil
}

// Run accepts connections until ctx is cancelled, using a short accept
// deadline so shutdown is observed promptly even with no traffic (spec
// §4.5: "short socket timeout so it can observe a cooperative shutdown
// flag between accepts"). Cancellation is handled cooperatively through
// shutdown.Helper: ShutdownOnContext arranges for HandleOnceShutdown to
// close the listener and stop the Supervisor exactly once ctx completes,
// and the accept loop simply polls IsStartedShutdown between attempts.
func (m *Manager) Run(ctx context.Context) error {
	go m.sup.Run(ctx)
	m.shutdown.ShutdownOnContext(ctx)

	type deadliner interface {
		SetDeadline(time.Time) error
	}

	for !m.shutdown.IsStartedShutdown() {
		if tl, ok := m.listener.(deadliner); ok {
			tl.SetDeadline(time.Now().Add(m.cfg.SocketTimeout))
		}

		conn, err := m.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if m.shutdown.IsStartedShutdown() {
				break
			}
			m.log.Warnf("accept failed: %v", err)
			continue
		}

		go m.handle(ctx, conn)
	}

	m.shutdown.WaitShutdown()
	return ctx.Err()
}

func (m *Manager) handle(ctx context.Context, conn net.Conn) {
	remote, _ := conn.RemoteAddr().(*net.TCPAddr)
	local, _ := conn.LocalAddr().(*net.TCPAddr)
	endpoint := eventstore.Endpoint{}
	if remote != nil {
		endpoint.SrcAddr = remote.IP
		endpoint.SrcPort = remote.Port
	}
	if local != nil {
		endpoint.DstAddr = local.IP
		endpoint.DstPort = local.Port
	}
	if m.cfg.DestinationAddress != nil {
		endpoint.DstAddr = m.cfg.DestinationAddress
	}

	log := m.log.Fork("conn[%s]", conn.RemoteAddr())

	c, err := m.newConn(conn, log, endpoint)
	if err != nil {
		log.Warnf("constructing connection state machine: %v", err)
		conn.Close()
		return
	}

	m.sup.register(&entry{conn: conn, ssh: c})

	if err := c.Run(ctx, conn, endpoint); err != nil {
		log.Debugf("ssh session ended: %v", err)
	}
}
