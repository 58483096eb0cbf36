// Package eventstore defines the honeypot's append-only event model
// (spec §3) and the Session/Store interfaces every persistence backend
// implements. Concrete backends live in eventstore/postgres and
// eventstore/console.
package eventstore

import (
	"errors"
	"net"
	"time"
)

// ErrSessionAborted is returned by a Session's Log* methods once the
// session has been marked aborted (e.g. after exhausting connection-acquire
// retries).
var ErrSessionAborted = errors.New("eventstore: logging session aborted")

// ErrSessionNotRunning is returned when an insert is attempted before
// Begin or after End.
var ErrSessionNotRunning = errors.New("eventstore: logging session is not running")

// State is a LoggingSession's begin-state, per spec §3.
type State int

const (
	StateUnset State = iota
	StateRunning
	StateEnded
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateUnset:
		return "unset"
	case StateRunning:
		return "running"
	case StateEnded:
		return "ended"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Endpoint is a SessionEndpoint: the immutable four-tuple identifying one
// attacker TCP connection.
type Endpoint struct {
	SrcAddr net.IP
	SrcPort int
	DstAddr net.IP
	DstPort int
}

// LoginAttempt is the LOGIN_ATTEMPT event payload.
type LoginAttempt struct {
	Username string
	Password string
	Success  bool
}

// PTYRequest is the PTY_REQUEST event payload.
type PTYRequest struct {
	Channel  int
	Term     string
	Cols     uint32
	Rows     uint32
	PxWidth  uint32
	PxHeight uint32
}

// EnvRequest is the ENV_REQUEST event payload.
type EnvRequest struct {
	Channel int
	Name    string
	Value   string
}

// DirectTCPIPRequest is the DIRECT_TCPIP_REQUEST event payload.
type DirectTCPIPRequest struct {
	Channel    int
	OriginIP   string
	OriginPort uint32
	DestHost   string
	DestPort   uint32
}

// X11Request is the X11_REQUEST event payload.
type X11Request struct {
	Channel          int
	SingleConnection bool
	AuthProtocol     string
	AuthCookie       string
	Screen           uint32
}

// PortForwardRequest is the PORT_FORWARD_REQUEST event payload.
type PortForwardRequest struct {
	Address string
	Port    uint32
}

// Command is the COMMAND event payload: a reconstructed command line.
type Command struct {
	Input string
}

// ChannelOutput is the CHANNEL_OUTPUT event payload.
type ChannelOutput struct {
	Channel int
	Bytes   []byte
}

// Download is the DOWNLOAD event payload, produced from the orchestrator's
// reconstructed HTTP responses over the sandbox's packet capture.
type Download struct {
	SourceIP string
	URL      string
	MimeType string
	FileHash string
	Bytes    []byte // nil in metadata-only mode
}

// Timestamped wraps any event payload with the UTC capture timestamp,
// taken at the producing call site per spec §3 ("not when it was
// committed").
type Timestamped struct {
	At                 time.Time
	Kind               string
	LoginAttempt       *LoginAttempt
	PTYRequest         *PTYRequest
	EnvRequest         *EnvRequest
	DirectTCPIPRequest *DirectTCPIPRequest
	X11Request         *X11Request
	PortForwardRequest *PortForwardRequest
	Command            *Command
	ChannelOutput      *ChannelOutput
	Download           *Download
}

const (
	KindLoginAttempt       = "LOGIN_ATTEMPT"
	KindPTYRequest         = "PTY_REQUEST"
	KindEnvRequest         = "ENV_REQUEST"
	KindDirectTCPIPRequest = "DIRECT_TCPIP_REQUEST"
	KindX11Request         = "X11_REQUEST"
	KindPortForwardRequest = "PORT_FORWARD_REQUEST"
	KindCommand            = "COMMAND"
	KindChannelOutput      = "CHANNEL_OUTPUT"
	KindDownload           = "DOWNLOAD"
)

// Session is the store-backed lifecycle wrapping one attacker connection,
// from SetRemoteVersion/Begin to End. Implementations must serialize calls
// internally (spec §5: "a mutex per session").
type Session interface {
	// SetRemoteVersion records the SSH remote version string. Must be
	// called exactly once, before Begin.
	SetRemoteVersion(version string)

	// Begin writes the Session/SSHSession header rows into the session's
	// open transaction (committed by End) and transitions State from Unset
	// to Running.
	Begin(endpoint Endpoint) error

	State() State

	LogLoginAttempt(at time.Time, ev LoginAttempt) error
	LogPTYRequest(at time.Time, ev PTYRequest) error
	LogEnvRequest(at time.Time, ev EnvRequest) error
	LogDirectTCPIPRequest(at time.Time, ev DirectTCPIPRequest) error
	LogX11Request(at time.Time, ev X11Request) error
	LogPortForwardRequest(at time.Time, ev PortForwardRequest) error
	LogCommand(at time.Time, ev Command) error
	LogChannelOutput(at time.Time, ev ChannelOutput) error
	LogDownload(at time.Time, ev Download) error

	// End commits the transaction and sets Session.end_timestamp,
	// transitioning State to Ended. Idempotent after the first call.
	End() error

	// Abort rolls back and releases the connection, transitioning State
	// to Aborted. Used when the transaction cannot be completed (e.g.
	// connection-acquire exhaustion).
	Abort(cause error) error
}

// Store opens new logging sessions, each bound to its own connection from
// a bounded pool.
type Store interface {
	NewSession() Session
	Close() error
}
