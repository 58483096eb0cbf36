package sessionmgr

import (
	"context"
	"sync"
	"time"

	"github.com/sshtrap/honeypot/internal/xlog"
)

// Supervisor is the Transport Supervisor (spec §4.5): it periodically
// sweeps every registered connection, deregistering ones whose transport
// has died (their Run has already returned and closed the proxy handler)
// and force-closing ones that have sat idle with zero open channels past
// the configured session timeout.
//
// Grounded on original_source's _transport_manager.go TransportManager:
// same 300ms sweep cadence and the same two reap conditions
// (!is_active(), and zero channels plus idle-timeout exceeded), with
// "_end_proxy_handler" running each reap on its own goroutine so one slow
// session end cannot stall the sweep of the others.
type Supervisor struct {
	interval time.Duration
	timeout  time.Duration
	log      xlog.Logger

	mu      sync.Mutex
	entries map[*entry]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newSupervisor(interval, timeout time.Duration, log xlog.Logger) *Supervisor {
	return &Supervisor{
		interval: interval,
		timeout:  timeout,
		log:      log,
		entries:  make(map[*entry]struct{}),
		stopCh:   make(chan struct{}),
	}
}

func (s *Supervisor) register(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e] = struct{}{}
}

func (s *Supervisor) unregister(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, e)
}

// Run sweeps until ctx is cancelled or Stop is called, then drains every
// remaining connection by force-closing it.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drainAll()
			return
		case <-s.stopCh:
			s.drainAll()
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// Stop requests the sweep loop end and all remaining sessions be drained.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Supervisor) sweep() {
	for _, e := range s.snapshot() {
		if !e.ssh.Active() {
			s.unregister(e)
			continue
		}
		if e.ssh.OpenChannelCount() == 0 && s.timeout > 0 {
			if time.Since(e.ssh.LastActivity()) > s.timeout {
				s.reap(e, "idle session timeout exceeded")
			}
		}
	}
}

func (s *Supervisor) drainAll() {
	for _, e := range s.snapshot() {
		s.reap(e, "supervisor shutting down")
	}
}

func (s *Supervisor) snapshot() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entry, 0, len(s.entries))
	for e := range s.entries {
		out = append(out, e)
	}
	return out
}

// reap force-closes the connection's transport on its own goroutine so a
// slow session-end (the proxy handler yielding its sandbox) cannot stall
// the sweep of other sessions, mirroring _end_proxy_handler's use of a
// worker thread for the same reason.
func (s *Supervisor) reap(e *entry, reason string) {
	s.unregister(e)
	go func() {
		if err := e.ssh.ForceClose(); err != nil {
			s.log.Debugf("force-closing session: %v", err)
		} else {
			s.log.Infof("reaped session (%s)", reason)
		}
	}()
}
