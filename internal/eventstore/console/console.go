// Package console is a dev-mode event store that prints events instead of
// persisting them, adapted from original_source's
// honeylogger/_console.py so the frontend can run without Postgres.
package console

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sshtrap/honeypot/internal/eventstore"
	"github.com/sshtrap/honeypot/internal/xlog"
)

// Store is an eventstore.Store that logs every event at Info level.
type Store struct {
	log xlog.Logger
	ids int64
}

// New creates a console-backed event store.
func New(log xlog.Logger) *Store {
	return &Store{log: log}
}

func (s *Store) NewSession() eventstore.Session {
	id := atomic.AddInt64(&s.ids, 1)
	return &session{id: id, log: s.log.Fork("session[%d]", id)}
}

func (s *Store) Close() error { return nil }

type session struct {
	id    int64
	log   xlog.Logger
	mu    sync.Mutex
	state eventstore.State
	version string
}

func (s *session) SetRemoteVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
}

func (s *session) State() eventstore.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) Begin(endpoint eventstore.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != eventstore.StateUnset {
		return fmt.Errorf("console session: Begin called twice")
	}
	s.state = eventstore.StateRunning
	s.log.Infof("SESSION_STARTED endpoint=%+v version=%q", endpoint, s.version)
	return nil
}

func (s *session) log1(at time.Time, kind string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == eventstore.StateAborted {
		return eventstore.ErrSessionAborted
	}
	if s.state != eventstore.StateRunning {
		return eventstore.ErrSessionNotRunning
	}
	s.log.Infof("%s at=%s %+v", kind, at.UTC().Format(time.RFC3339Nano), v)
	return nil
}

func (s *session) LogLoginAttempt(at time.Time, ev eventstore.LoginAttempt) error {
	return s.log1(at, eventstore.KindLoginAttempt, ev)
}
func (s *session) LogPTYRequest(at time.Time, ev eventstore.PTYRequest) error {
	return s.log1(at, eventstore.KindPTYRequest, ev)
}
func (s *session) LogEnvRequest(at time.Time, ev eventstore.EnvRequest) error {
	return s.log1(at, eventstore.KindEnvRequest, ev)
}
func (s *session) LogDirectTCPIPRequest(at time.Time, ev eventstore.DirectTCPIPRequest) error {
	return s.log1(at, eventstore.KindDirectTCPIPRequest, ev)
}
func (s *session) LogX11Request(at time.Time, ev eventstore.X11Request) error {
	return s.log1(at, eventstore.KindX11Request, ev)
}
func (s *session) LogPortForwardRequest(at time.Time, ev eventstore.PortForwardRequest) error {
	return s.log1(at, eventstore.KindPortForwardRequest, ev)
}
func (s *session) LogCommand(at time.Time, ev eventstore.Command) error {
	return s.log1(at, eventstore.KindCommand, ev)
}
func (s *session) LogChannelOutput(at time.Time, ev eventstore.ChannelOutput) error {
	return s.log1(at, eventstore.KindChannelOutput, fmt.Sprintf("channel=%d len=%d", ev.Channel, len(ev.Bytes)))
}
func (s *session) LogDownload(at time.Time, ev eventstore.Download) error {
	return s.log1(at, eventstore.KindDownload, fmt.Sprintf("src=%s url=%s mime=%s hash=%s", ev.SourceIP, ev.URL, ev.MimeType, ev.FileHash))
}

func (s *session) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == eventstore.StateEnded {
		return nil
	}
	s.state = eventstore.StateEnded
	s.log.Infof("SESSION_ENDED")
	return nil
}

func (s *session) Abort(cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = eventstore.StateAborted
	s.log.Warnf("SESSION_ABORTED cause=%v", cause)
	return nil
}
