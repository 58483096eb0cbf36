package proxyhandler

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/sshtrap/honeypot/internal/provider"
	"github.com/sshtrap/honeypot/internal/xlog"
)

// fakeChannel is a minimal ssh.Channel test double: Read drains a
// preloaded buffer, Write/SendRequest record what was sent.
type fakeChannel struct {
	mu       sync.Mutex
	readBuf  []byte
	writes   [][]byte
	requests []*ssh.Request
	closed   bool
}

func (c *fakeChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.readBuf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	c.writes = append(c.writes, cp)
	return len(p), nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) CloseWrite() error { return nil }

func (c *fakeChannel) SendRequest(name string, wantReply bool, payload []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, &ssh.Request{Type: name, WantReply: wantReply, Payload: payload})
	return true, nil
}

func (c *fakeChannel) Stderr() io.ReadWriter { return &fakeStderr{} }

// fakeStderr is an always-empty stderr stream.
type fakeStderr struct{}

func (f *fakeStderr) Read(p []byte) (int, error)  { return 0, io.EOF }
func (f *fakeStderr) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() xlog.Logger {
	return xlog.New("test", xlog.LevelTrace, nil)
}

func TestFirstNonEmpty(t *testing.T) {
	require.Equal(t, "a", firstNonEmpty("a", "b"))
	require.Equal(t, "b", firstNonEmpty("", "b"))
	require.Equal(t, "", firstNonEmpty("", ""))
}

func TestReadLoopDeliversChunksThenCloses(t *testing.T) {
	h := &Handler{log: testLogger()}
	fc := &fakeChannel{readBuf: []byte("hello")}

	out := h.readLoop(fc)

	var got []byte
	for chunk := range out {
		got = append(got, chunk...)
	}
	require.Equal(t, "hello", string(got))
}

func TestRelaySandboxRequestForwardsExitStatus(t *testing.T) {
	h := &Handler{log: testLogger()}
	attacker := &fakeChannel{}
	payload := ssh.Marshal(struct{ ExitStatus uint32 }{ExitStatus: 1})

	h.relaySandboxRequest(attacker, &ssh.Request{Type: "exit-status", Payload: payload, WantReply: true})

	require.Len(t, attacker.requests, 1)
	require.Equal(t, "exit-status", attacker.requests[0].Type)
	require.Equal(t, payload, attacker.requests[0].Payload)
}

func TestRelaySandboxRequestIgnoresUnknownType(t *testing.T) {
	h := &Handler{log: testLogger()}
	attacker := &fakeChannel{}

	h.relaySandboxRequest(attacker, &ssh.Request{Type: "keepalive@openssh.com", WantReply: false})

	require.Empty(t, attacker.requests)
}

func TestSandboxChannelLookup(t *testing.T) {
	h := &Handler{log: testLogger(), channels: make(map[int]*channelPair)}
	sandbox := &fakeChannel{}
	h.channels[3] = &channelPair{sandbox: sandbox}

	got, ok := h.sandboxChannel(3)
	require.True(t, ok)
	require.Equal(t, ssh.Channel(sandbox), got)

	_, ok = h.sandboxChannel(99)
	require.False(t, ok)
}

func TestAcquireIsIdempotentOnceTargetSet(t *testing.T) {
	h := &Handler{log: testLogger(), target: &provider.TargetSystem{ID: "already-acquired"}}

	// Acquire must short-circuit on h.target != nil before touching
	// h.provider at all; h.provider is nil here, so a non-idempotent
	// implementation would panic on a nil-pointer dereference.
	var ok bool
	require.NotPanics(t, func() {
		ok = h.Acquire(context.Background(), "root", "toor")
	})
	require.True(t, ok)
}
