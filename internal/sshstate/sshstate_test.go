package sshstate

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/sshtrap/honeypot/internal/eventstore"
	"github.com/sshtrap/honeypot/internal/eventstore/console"
	"github.com/sshtrap/honeypot/internal/xlog"
)

type fakeHandler struct {
	acquireResult bool
	acquired      bool
}

func (h *fakeHandler) Acquire(ctx context.Context, user, password string) bool {
	h.acquired = true
	return h.acquireResult
}
func (h *fakeHandler) OpenChannel(kind string, attackerChanID int) bool { return true }
func (h *fakeHandler) BindAttackerChannel(attackerChanID int, attackerChan ssh.Channel) {}
func (h *fakeHandler) HandlePTYRequest(int, string, uint32, uint32, uint32, uint32) bool { return true }
func (h *fakeHandler) HandleWindowChangeRequest(int, uint32, uint32, uint32, uint32) bool {
	return true
}
func (h *fakeHandler) HandleExecRequest(int, string) bool { return true }
func (h *fakeHandler) HandleShellRequest(int) bool        { return true }
func (h *fakeHandler) Close() error                       { return nil }

func newTestConnection(t *testing.T, cfg Config) (*Connection, *fakeHandler) {
	t.Helper()
	handler := &fakeHandler{acquireResult: true}
	cfg.Store = console.New(xlog.New("test", xlog.LevelTrace, nil))
	cfg.NewHandler = func(log xlog.Logger, session eventstore.Session) Handler { return handler }

	newConn, err := New(cfg)
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	c, err := newConn(serverConn, xlog.New("test", xlog.LevelTrace, nil), eventstore.Endpoint{})
	require.NoError(t, err)
	return c, handler
}

func TestEvaluateAuthNoGatesConfigured(t *testing.T) {
	c, _ := newTestConnection(t, Config{LoginSuccessRate: -1})
	require.True(t, c.evaluateAuth("root", "toor"))
}

func TestEvaluateAuthUsernameRegexRejects(t *testing.T) {
	c, _ := newTestConnection(t, Config{AllowedUsernamesRegex: "^admin$", LoginSuccessRate: -1})
	require.False(t, c.evaluateAuth("root", "toor"))
	require.True(t, c.evaluateAuth("admin", "toor"))
}

func TestEvaluateAuthPasswordRegexRejects(t *testing.T) {
	c, _ := newTestConnection(t, Config{AllowedPasswordsRegex: `^\d+$`, LoginSuccessRate: -1})
	require.False(t, c.evaluateAuth("root", "hunter2"))
	require.True(t, c.evaluateAuth("root", "12345"))
}

func TestEvaluateAuthSuccessRateZeroAlwaysFails(t *testing.T) {
	c, _ := newTestConnection(t, Config{LoginSuccessRate: 0})
	for i := 0; i < 20; i++ {
		require.False(t, c.evaluateAuth("root", "toor"))
	}
}

func TestEvaluateAuthSuccessRateHundredAlwaysSucceeds(t *testing.T) {
	c, _ := newTestConnection(t, Config{LoginSuccessRate: 100})
	for i := 0; i < 20; i++ {
		require.True(t, c.evaluateAuth("root", "toor"))
	}
}

func TestChannelOneShotGuard(t *testing.T) {
	c, _ := newTestConnection(t, Config{LoginSuccessRate: -1})
	require.False(t, c.isChannelDone(1))
	c.markChannelDone(1)
	require.True(t, c.isChannelDone(1))
	require.False(t, c.isChannelDone(2))
}

func TestHandleChannelRequestExecOneShot(t *testing.T) {
	c, handler := newTestConnection(t, Config{LoginSuccessRate: -1})
	_ = handler
	req := &ssh.Request{Type: "exec", Payload: ssh.Marshal(execRequestPayload{Command: "ls"})}
	require.True(t, c.handleChannelRequest(0, nil, req))
	// Second exec on the same channel must be refused (spec: per-channel
	// one-shot).
	require.False(t, c.handleChannelRequest(0, nil, req))
}

func TestHandleChannelRequestEnvAlwaysRefused(t *testing.T) {
	c, _ := newTestConnection(t, Config{LoginSuccessRate: -1})
	req := &ssh.Request{Type: "env", Payload: ssh.Marshal(envRequestPayload{Name: "LANG", Value: "C"})}
	require.False(t, c.handleChannelRequest(0, nil, req))
}

func TestTouchActivityBeginsSessionOnce(t *testing.T) {
	c, _ := newTestConnection(t, Config{LoginSuccessRate: -1})
	require.Equal(t, eventstore.StateUnset, c.session.State())
	c.touchActivity(eventstore.Endpoint{})
	require.Equal(t, eventstore.StateRunning, c.session.State())
	// Second call must not attempt Begin again (console.Begin would error,
	// which touchActivity only warns about — state must stay Running).
	c.touchActivity(eventstore.Endpoint{})
	require.Equal(t, eventstore.StateRunning, c.session.State())
}

func TestActiveFalseOnceDone(t *testing.T) {
	c, _ := newTestConnection(t, Config{LoginSuccessRate: -1})
	require.True(t, c.Active())
	close(c.done)
	require.False(t, c.Active())
}

func TestOpenChannelCount(t *testing.T) {
	c, _ := newTestConnection(t, Config{LoginSuccessRate: -1})
	require.Equal(t, 0, c.OpenChannelCount())
	c.mu.Lock()
	c.openChannels = 3
	c.mu.Unlock()
	require.Equal(t, 3, c.OpenChannelCount())
}
