// Package sshstate is the SSH Server State Machine (spec §4.1): it hosts
// the server side of golang.org/x/crypto/ssh for one attacker TCP
// connection, evaluates fake authentication, dispatches channel-open and
// per-channel requests into a Handler (the Proxy Handler, spec §4.4), and
// logs every event directly to an eventstore.Session.
//
// Grounded on share/server.go and share/server_ssh_session.go's
// ssh.ServerConfig/ssh.NewServerConn/PasswordCallback wiring, and on
// original_source's frontend/protocols/ssh/_ssh_server.go (paramiko
// ServerInterface callback dispatch) for the exact callback shape.
package sshstate

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"regexp"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sshtrap/honeypot/internal/eventstore"
	"github.com/sshtrap/honeypot/internal/xlog"
)

// Handler is implemented by the Proxy Handler (spec §4.4). It is kept
// decoupled from the eventstore.Session type: the session is handed to a
// Handler's factory at construction, not threaded through every call, so
// the State Machine and the Handler can both log to it without a circular
// package dependency.
type Handler interface {
	// Acquire requests a sandbox for the given captured credentials and,
	// on success, an outbound SSH client connection to it. Returns false
	// on any failure (unavailable provider, exhausted connect retries).
	Acquire(ctx context.Context, user, password string) bool

	// OpenChannel opens a peer sandbox-side channel of the same kind,
	// before the attacker's channel is accepted, so a failure here can
	// still reject the attacker's open with OPEN_FAILED_ADMINISTRATIVELY_
	// PROHIBITED instead of accepting then closing.
	OpenChannel(kind string, attackerChanID int) bool

	// BindAttackerChannel hands the handler the now-accepted attacker
	// channel to pair with the sandbox channel OpenChannel already opened.
	BindAttackerChannel(attackerChanID int, attackerChan ssh.Channel)

	HandlePTYRequest(attackerChanID int, term string, cols, rows, pxWidth, pxHeight uint32) bool
	HandleWindowChangeRequest(attackerChanID int, cols, rows, pxWidth, pxHeight uint32) bool
	HandleExecRequest(attackerChanID int, cmd string) bool
	HandleShellRequest(attackerChanID int) bool

	// Close ends the logging session, closes the sandbox transport, and
	// yields the target system exactly once.
	Close() error
}

// HandlerFactory builds a fresh Handler for one attacker connection,
// sharing that connection's logging session so Handler-driven COMMAND and
// CHANNEL_OUTPUT events land in the same LoggingSession as the State
// Machine's own LOGIN_ATTEMPT/PTY_REQUEST/etc. events.
type HandlerFactory func(log xlog.Logger, session eventstore.Session) Handler

// Config configures the per-connection State Machine (spec §6 env vars).
type Config struct {
	ServerVersion         string
	AllowedUsernamesRegex string
	AllowedPasswordsRegex string
	LoginSuccessRate      int // -1: unconfigured, no rate gate applied
	HostKey               ssh.Signer
	NewHandler            HandlerFactory
	Store                 eventstore.Store
}

// state is the lifecycle described in spec §4.1: new -> negotiated ->
// authenticated -> channelized -> closing.
type state int

const (
	stateNew state = iota
	stateNegotiated
	stateAuthenticated
	stateChannelized
	stateClosing
)

// Connection is one attacker TCP connection's State Machine instance.
type Connection struct {
	cfg Config
	log xlog.Logger

	usernameRe *regexp.Regexp
	passwordRe *regexp.Regexp

	session eventstore.Session
	handler Handler

	mu                    sync.Mutex
	st                    state
	sessionStarted        bool
	lastActivity          time.Time
	channelsDone          map[int]bool
	nextAttackerChannelID int
	openChannels          int
	conn                  net.Conn
	done                  chan struct{}
}

// New validates the configured regexes once (so every connection reuses
// the compiled form) and returns a constructor bound to cfg.
func New(cfg Config) (func(conn net.Conn, log xlog.Logger, endpoint eventstore.Endpoint) (*Connection, error), error) {
	var usernameRe, passwordRe *regexp.Regexp
	var err error
	if cfg.AllowedUsernamesRegex != "" {
		usernameRe, err = regexp.Compile(cfg.AllowedUsernamesRegex)
		if err != nil {
			return nil, fmt.Errorf("compiling SSH_ALLOWED_USERNAMES_REGEX: %w", err)
		}
	}
	if cfg.AllowedPasswordsRegex != "" {
		passwordRe, err = regexp.Compile(cfg.AllowedPasswordsRegex)
		if err != nil {
			return nil, fmt.Errorf("compiling SSH_ALLOWED_PASSWORDS_REGEX: %w", err)
		}
	}

	return func(conn net.Conn, log xlog.Logger, endpoint eventstore.Endpoint) (*Connection, error) {
		c := &Connection{
			cfg:          cfg,
			log:          log,
			usernameRe:   usernameRe,
			passwordRe:   passwordRe,
			session:      cfg.Store.NewSession(),
			channelsDone: make(map[int]bool),
			lastActivity: time.Now(),
			conn:         conn,
			done:         make(chan struct{}),
		}
		c.handler = cfg.NewHandler(log, c.session)
		return c, nil
	}, nil
}

// Run performs the SSH handshake on conn and services the connection to
// completion (spec §4.1: new -> negotiated -> ... -> closing).
func (c *Connection) Run(ctx context.Context, conn net.Conn, endpoint eventstore.Endpoint) error {
	defer close(c.done)
	defer c.closeSession()

	sshConfig := &ssh.ServerConfig{
		ServerVersion: c.cfg.ServerVersion,
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return c.checkAuthPassword(endpoint, meta.User(), string(password))
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			// Public-key auth always fails (spec §4.1).
			c.touchActivity(endpoint)
			return nil, fmt.Errorf("public key auth not permitted")
		},
	}
	sshConfig.AddHostKey(c.cfg.HostKey)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, sshConfig)
	if err != nil {
		return fmt.Errorf("ssh handshake: %w", err)
	}
	c.setState(stateNegotiated)
	defer sshConn.Close()

	go c.serviceGlobalRequests(reqs)

	for newChan := range chans {
		c.setState(stateChannelized)
		c.dispatchChannel(newChan)
	}

	c.setState(stateClosing)
	return sshConn.Wait()
}

func (c *Connection) setState(s state) {
	c.mu.Lock()
	c.st = s
	c.mu.Unlock()
}

// touchActivity lazily begins the logging session on the very first
// callback of any kind (spec §4.1 "first-activity trigger") and stamps
// last-activity for the future Transport Supervisor.
func (c *Connection) touchActivity(endpoint eventstore.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
	if !c.sessionStarted {
		c.sessionStarted = true
		// SetRemoteVersion must precede Begin. The honeypot records its own
		// locally-advertised version as the remote version.
		c.session.SetRemoteVersion(c.cfg.ServerVersion)
		if err := c.session.Begin(endpoint); err != nil {
			c.log.Warnf("starting logging session: %v", err)
		}
	}
}

// LastActivity reports the timestamp of the most recent SSH callback.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Active reports whether Run is still servicing this connection (spec
// §4.5 "if the attacker transport is no longer active").
func (c *Connection) Active() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// OpenChannelCount reports the number of currently open attacker channels
// (spec §4.5: "zero open channels and exceeded the idle timeout").
func (c *Connection) OpenChannelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openChannels
}

// ForceClose closes the underlying TCP connection, unblocking Run so the
// Transport Supervisor can reap an idle or dead session (spec §4.5).
func (c *Connection) ForceClose() error {
	return c.conn.Close()
}

func (c *Connection) checkAuthPassword(endpoint eventstore.Endpoint, username, password string) (*ssh.Permissions, error) {
	c.touchActivity(endpoint)

	success := c.evaluateAuth(username, password)

	if err := c.session.LogLoginAttempt(time.Now(), eventstore.LoginAttempt{
		Username: username,
		Password: password,
		Success:  success,
	}); err != nil {
		c.log.Warnf("logging login attempt: %v", err)
	}

	if !success {
		return nil, fmt.Errorf("authentication failed")
	}

	c.setState(stateAuthenticated)
	if !c.handler.Acquire(context.Background(), username, password) {
		// Acquisition failure still lets auth "succeed" at the transport
		// level (spec: fake auth always evaluated independently); the
		// ensuing session channel-open will be refused instead.
		c.log.Warnf("sandbox acquisition failed for user %q", username)
	}
	return &ssh.Permissions{}, nil
}

// evaluateAuth implements the three-step gate from spec §4.1.
func (c *Connection) evaluateAuth(username, password string) bool {
	if c.usernameRe != nil && !c.usernameRe.MatchString(username) {
		return false
	}
	if c.passwordRe != nil && !c.passwordRe.MatchString(password) {
		return false
	}
	if c.cfg.LoginSuccessRate < 0 {
		return true
	}
	return randPercent() < c.cfg.LoginSuccessRate
}

// randPercent returns a uniform random integer in [0,100) using
// crypto/rand, matching the honeypot's preference for crypto/rand over
// math/rand for anything that gates access (host keys, sandbox ids).
func randPercent() int {
	n, err := rand.Int(rand.Reader, big.NewInt(100))
	if err != nil {
		// crypto/rand failure is effectively unreachable on supported
		// platforms; fail closed rather than panic.
		return 100
	}
	return int(n.Int64())
}

func (c *Connection) serviceGlobalRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			c.handleGlobalPortForward(req)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

type tcpipForwardPayload struct {
	Address string
	Port    uint32
}

func (c *Connection) handleGlobalPortForward(req *ssh.Request) {
	var payload tcpipForwardPayload
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		c.log.Warnf("decoding tcpip-forward request: %v", err)
		if req.WantReply {
			req.Reply(false, nil)
		}
		return
	}
	c.touchActivity(eventstore.Endpoint{})
	if err := c.session.LogPortForwardRequest(time.Now(), eventstore.PortForwardRequest{
		Address: payload.Address,
		Port:    payload.Port,
	}); err != nil {
		c.log.Warnf("logging port forward request: %v", err)
	}
	// The honeypot does not actually implement remote forwarding (spec:
	// not a high-interaction emulator); refuse after logging intent.
	if req.WantReply {
		req.Reply(false, nil)
	}
}

func (c *Connection) dispatchChannel(newChan ssh.NewChannel) {
	c.mu.Lock()
	attackerChanID := c.nextAttackerChannelID
	c.nextAttackerChannelID++
	c.mu.Unlock()

	c.touchActivity(eventstore.Endpoint{})

	switch newChan.ChannelType() {
	case "session":
		// Open the sandbox-side channel before accepting the attacker's,
		// so a failed acquisition/open reports OPEN_FAILED_ADMINISTRATIVELY_
		// PROHIBITED instead of OPEN_SUCCEEDED followed by an immediate
		// close (spec §4.1, §8 scenario 5).
		if !c.handler.OpenChannel("session", attackerChanID) {
			newChan.Reject(ssh.Prohibited, "administratively prohibited")
			return
		}
		ch, reqs, err := newChan.Accept()
		if err != nil {
			c.log.Warnf("accepting session channel: %v", err)
			return
		}
		c.handler.BindAttackerChannel(attackerChanID, ch)
		c.mu.Lock()
		c.openChannels++
		c.mu.Unlock()
		go c.serviceSessionChannel(attackerChanID, ch, reqs)

	case "direct-tcpip":
		var payload struct {
			DestAddr   string
			DestPort   uint32
			OriginAddr string
			OriginPort uint32
		}
		if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
			newChan.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
			return
		}
		if err := c.session.LogDirectTCPIPRequest(time.Now(), eventstore.DirectTCPIPRequest{
			Channel:    attackerChanID,
			OriginIP:   payload.OriginAddr,
			OriginPort: payload.OriginPort,
			DestHost:   payload.DestAddr,
			DestPort:   payload.DestPort,
		}); err != nil {
			c.log.Warnf("logging direct-tcpip request: %v", err)
		}
		newChan.Reject(ssh.Prohibited, "administratively prohibited")

	default:
		newChan.Reject(ssh.Prohibited, "administratively prohibited")
	}
}

func (c *Connection) serviceSessionChannel(chanID int, ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	defer func() {
		c.mu.Lock()
		c.openChannels--
		c.mu.Unlock()
	}()
	for req := range reqs {
		c.touchActivity(eventstore.Endpoint{})
		ok := c.handleChannelRequest(chanID, ch, req)
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

type ptyRequestPayload struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	ModeList string
}

type windowChangePayload struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type envRequestPayload struct {
	Name  string
	Value string
}

type execRequestPayload struct {
	Command string
}

func (c *Connection) handleChannelRequest(chanID int, ch ssh.Channel, req *ssh.Request) bool {
	switch req.Type {
	case "pty-req":
		var p ptyRequestPayload
		if err := ssh.Unmarshal(req.Payload, &p); err != nil {
			c.log.Warnf("decoding pty-req: %v", err)
			return false
		}
		if err := c.session.LogPTYRequest(time.Now(), eventstore.PTYRequest{
			Channel:  chanID,
			Term:     p.Term,
			Cols:     p.Columns,
			Rows:     p.Rows,
			PxWidth:  p.Width,
			PxHeight: p.Height,
		}); err != nil {
			c.log.Warnf("logging pty request: %v", err)
		}
		return c.handler.HandlePTYRequest(chanID, p.Term, p.Columns, p.Rows, p.Width, p.Height)

	case "window-change":
		var p windowChangePayload
		if err := ssh.Unmarshal(req.Payload, &p); err != nil {
			c.log.Warnf("decoding window-change: %v", err)
			return false
		}
		return c.handler.HandleWindowChangeRequest(chanID, p.Columns, p.Rows, p.Width, p.Height)

	case "env":
		var p envRequestPayload
		if err := ssh.Unmarshal(req.Payload, &p); err != nil {
			c.log.Warnf("decoding env request: %v", err)
			return false
		}
		if err := c.session.LogEnvRequest(time.Now(), eventstore.EnvRequest{
			Channel: chanID,
			Name:    p.Name,
			Value:   p.Value,
		}); err != nil {
			c.log.Warnf("logging env request: %v", err)
		}
		// Spec: env requests are logged but not forwarded (matches
		// original_source, which always refuses them).
		return false

	case "shell":
		if c.isChannelDone(chanID) {
			return false
		}
		if !c.handler.HandleShellRequest(chanID) {
			return false
		}
		c.markChannelDone(chanID)
		return true

	case "exec":
		var p execRequestPayload
		if err := ssh.Unmarshal(req.Payload, &p); err != nil {
			c.log.Warnf("decoding exec request: %v", err)
			return false
		}
		if c.isChannelDone(chanID) {
			return false
		}
		if !c.handler.HandleExecRequest(chanID, p.Command) {
			return false
		}
		c.markChannelDone(chanID)
		return true

	case "x11-req":
		var p struct {
			SingleConnection bool
			AuthProtocol     string
			AuthCookie       string
			ScreenNumber     uint32
		}
		if err := ssh.Unmarshal(req.Payload, &p); err != nil {
			c.log.Warnf("decoding x11-req: %v", err)
			return false
		}
		if err := c.session.LogX11Request(time.Now(), eventstore.X11Request{
			Channel:          chanID,
			SingleConnection: p.SingleConnection,
			AuthProtocol:     p.AuthProtocol,
			AuthCookie:       p.AuthCookie,
			Screen:           p.ScreenNumber,
		}); err != nil {
			c.log.Warnf("logging x11 request: %v", err)
		}
		// Not forwarded (spec: state machine logs it; original source
		// always refuses x11 forwarding too).
		return false

	default:
		return false
	}
}

func (c *Connection) isChannelDone(chanID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelsDone[chanID]
}

func (c *Connection) markChannelDone(chanID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelsDone[chanID] = true
}

func (c *Connection) closeSession() {
	if err := c.handler.Close(); err != nil {
		c.log.Warnf("closing proxy handler: %v", err)
	}
}
