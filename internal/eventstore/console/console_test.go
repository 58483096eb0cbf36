package console

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sshtrap/honeypot/internal/eventstore"
	"github.com/sshtrap/honeypot/internal/xlog"
)

func testLogger() xlog.Logger {
	return xlog.New("test", xlog.LevelTrace, nil)
}

func TestNewSessionAssignsDistinctIDs(t *testing.T) {
	store := New(testLogger())
	s1 := store.NewSession()
	s2 := store.NewSession()
	require.NotEqual(t, s1, s2)
}

func TestSessionLifecycle(t *testing.T) {
	store := New(testLogger())
	s := store.NewSession()

	require.Equal(t, eventstore.StateUnset, s.State())
	require.NoError(t, s.Begin(eventstore.Endpoint{}))
	require.Equal(t, eventstore.StateRunning, s.State())

	require.Error(t, s.Begin(eventstore.Endpoint{}))

	require.NoError(t, s.End())
	require.Equal(t, eventstore.StateEnded, s.State())

	// End is idempotent.
	require.NoError(t, s.End())
}

func TestLoggingBeforeBeginFails(t *testing.T) {
	store := New(testLogger())
	s := store.NewSession()

	err := s.LogCommand(time.Now(), eventstore.Command{})
	require.ErrorIs(t, err, eventstore.ErrSessionNotRunning)
}

func TestLoggingAfterBeginSucceeds(t *testing.T) {
	store := New(testLogger())
	s := store.NewSession()
	require.NoError(t, s.Begin(eventstore.Endpoint{}))

	require.NoError(t, s.LogCommand(time.Now(), eventstore.Command{Input: "ls -la"}))
	require.NoError(t, s.LogDownload(time.Now(), eventstore.Download{URL: "http://example.com/x"}))
}

func TestAbortSetsStateRegardlessOfPriorState(t *testing.T) {
	store := New(testLogger())
	s := store.NewSession()

	require.NoError(t, s.Abort(errors.New("test abort")))
	require.Equal(t, eventstore.StateAborted, s.State())
}
