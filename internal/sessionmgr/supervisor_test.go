package sessionmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sshtrap/honeypot/internal/xlog"
)

// fakeConn is a supervisedConn test double that avoids standing up a real
// golang.org/x/crypto/ssh handshake.
type fakeConn struct {
	mu           sync.Mutex
	active       bool
	openChannels int
	lastActivity time.Time
	closed       bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{active: true, lastActivity: time.Now()}
}

func (f *fakeConn) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeConn) OpenChannelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openChannels
}

func (f *fakeConn) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

func (f *fakeConn) ForceClose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.active = false
	return nil
}

func (f *fakeConn) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testLogger() xlog.Logger {
	return xlog.New("test", xlog.LevelTrace, nil)
}

func TestSupervisorReapsDeadTransport(t *testing.T) {
	sup := newSupervisor(10*time.Millisecond, time.Hour, testLogger())
	c := newFakeConn()
	c.active = false // transport already gone
	e := &entry{ssh: c}
	sup.register(e)

	sup.sweep()

	require.Empty(t, sup.snapshot())
}

func TestSupervisorReapsIdleSession(t *testing.T) {
	sup := newSupervisor(10*time.Millisecond, 20*time.Millisecond, testLogger())
	c := newFakeConn()
	c.lastActivity = time.Now().Add(-time.Hour)
	e := &entry{ssh: c}
	sup.register(e)

	sup.sweep()

	require.Eventually(t, c.wasClosed, time.Second, time.Millisecond)
	require.Empty(t, sup.snapshot())
}

func TestSupervisorLeavesBusySessionAlone(t *testing.T) {
	sup := newSupervisor(10*time.Millisecond, 20*time.Millisecond, testLogger())
	c := newFakeConn()
	c.openChannels = 1
	c.lastActivity = time.Now().Add(-time.Hour)
	e := &entry{ssh: c}
	sup.register(e)

	sup.sweep()

	require.False(t, c.wasClosed())
	require.Len(t, sup.snapshot(), 1)
}

func TestSupervisorLeavesFreshIdleSessionAlone(t *testing.T) {
	sup := newSupervisor(10*time.Millisecond, time.Hour, testLogger())
	c := newFakeConn()
	e := &entry{ssh: c}
	sup.register(e)

	sup.sweep()

	require.False(t, c.wasClosed())
	require.Len(t, sup.snapshot(), 1)
}

func TestSupervisorDrainsAllOnStop(t *testing.T) {
	sup := newSupervisor(5*time.Millisecond, time.Hour, testLogger())
	c1, c2 := newFakeConn(), newFakeConn()
	sup.register(&entry{ssh: c1})
	sup.register(&entry{ssh: c2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	require.Eventually(t, c1.wasClosed, time.Second, time.Millisecond)
	require.Eventually(t, c2.wasClosed, time.Second, time.Millisecond)
}

func TestSupervisorStopIsIdempotent(t *testing.T) {
	sup := newSupervisor(5*time.Millisecond, time.Hour, testLogger())
	sup.Stop()
	sup.Stop() // must not panic on double close
}
