// Package orchestrator is the Sandbox Orchestrator (spec §4.6): the
// server side of the Target System Provider RPC. It owns the container
// runtime, materializing one disposable SSH-accessible target container
// plus a packet-capture sidecar per acquisition, and reconstructing
// DOWNLOAD events from the sidecar's capture on yield.
//
// Grounded on github.com/docker/docker/client, a real indirect dependency
// of marmos91-dittofs (via testcontainers-go) promoted here to a direct,
// production orchestration dependency, since this is the one component in
// the repo that actually drives container lifecycle rather than testing
// against it.
package orchestrator

import (
	"sync"
	"time"
)

// State is a TargetSystem's server-side lifecycle state (spec §3).
type State int

const (
	StateCreating State = iota
	StateReady
	StateAcquired
	StateExited
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateAcquired:
		return "acquired"
	case StateExited:
		return "exited"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// RoleLabel is attached to every container, network, and volume this
// orchestrator creates, so the reaper can force-remove them all on
// shutdown (spec §4.6 "Shutdown") or find leaked resources.
const RoleLabel = "honeypot.sshtrap/role"

const (
	RoleTarget  = "target-system"
	RoleSidecar = "netlog-sidecar"
)

// Sandbox is one acquired (or in-flight) target system plus its sidecar
// and, optionally, its isolated network.
type Sandbox struct {
	ID        string // opaque id, "openssh-server<random32>"
	NetworkID string // "" if isolated networks are disabled
	VolumeID  string
	ContainerID string
	SidecarID   string

	HostAddress string
	HostPort    uint32

	State     State
	CreatedAt time.Time
}

// registry tracks every in-flight or acquired Sandbox by id, guarded by a
// mutex (spec §5: "no global mutable state other than singletons").
type registry struct {
	mu   sync.Mutex
	byID map[string]*Sandbox
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*Sandbox)}
}

func (r *registry) put(s *Sandbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID] = s
}

func (r *registry) get(id string) (*Sandbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

func (r *registry) all() []*Sandbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Sandbox, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}
