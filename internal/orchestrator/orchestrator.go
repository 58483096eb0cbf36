package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sshtrap/honeypot/internal/rpc"
	"github.com/sshtrap/honeypot/internal/xlog"
)

// Config configures the Orchestrator.
type Config struct {
	DockerHost string
	// TargetSystemAddress is the host attacker-facing frontend sessions
	// can reach sandbox containers on (spec §6: "host reachable by
	// attacker sessions"). It is advertised in AcquireResponse.Address;
	// it is NOT the address the Provider RPC server binds to.
	TargetSystemAddress                   string
	EnableIsolatedTargetContainerNetworks bool
	KeepTargetSystemVolumes               bool
	ReadyTimeout                          time.Duration
}

// Orchestrator implements rpc.Server, materializing and tearing down
// sandboxes per the Provider RPC contract (spec §4.6).
type Orchestrator struct {
	cfg Config
	d   *docker
	log xlog.Logger
	reg *registry
}

// New creates an Orchestrator bound to the local Docker Engine.
func New(cfg Config, log xlog.Logger) (*Orchestrator, error) {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	d, err := newDocker(cfg.DockerHost, log)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg, d: d, log: log, reg: newRegistry()}, nil
}

func newSandboxID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating sandbox id: %w", err)
	}
	return "openssh-server" + hex.EncodeToString(b[:]), nil
}

// AcquireTargetSystem implements rpc.Server (spec §4.6 "Acquire").
func (o *Orchestrator) AcquireTargetSystem(ctx context.Context, req *rpc.AcquireRequest) (*rpc.AcquireResponse, error) {
	id, err := newSandboxID()
	if err != nil {
		return nil, err
	}
	log := o.log.Fork("sandbox[%s]", id)

	sb := &Sandbox{ID: id, State: StateCreating, CreatedAt: time.Now()}
	o.reg.put(sb)

	cleanup := func() {
		o.destroy(context.Background(), sb, log)
		o.reg.remove(sb.ID)
	}

	if o.cfg.EnableIsolatedTargetContainerNetworks {
		netID, err := o.d.createNetwork(ctx, id)
		if err != nil {
			log.Errorln(err)
			cleanup()
			return nil, fmt.Errorf("acquiring target system: %w", err)
		}
		sb.NetworkID = netID
	}

	volID, err := o.d.createVolume(ctx, id)
	if err != nil {
		log.Errorln(err)
		cleanup()
		return nil, fmt.Errorf("acquiring target system: %w", err)
	}
	sb.VolumeID = volID

	containerID, err := o.d.createTargetContainer(ctx, id, sb.NetworkID, req.User, req.Password)
	if err != nil {
		log.Errorln(err)
		cleanup()
		return nil, fmt.Errorf("acquiring target system: %w", err)
	}
	sb.ContainerID = containerID

	sidecarID, err := o.d.createSidecarContainer(ctx, id, containerID, volID)
	if err != nil {
		log.Errorln(err)
		cleanup()
		return nil, fmt.Errorf("acquiring target system: %w", err)
	}
	sb.SidecarID = sidecarID

	if err := o.d.waitReady(ctx, containerID, o.cfg.ReadyTimeout); err != nil {
		log.Errorln(err)
		cleanup()
		return nil, fmt.Errorf("acquiring target system: %w", err)
	}

	port, err := o.d.hostPort(ctx, containerID)
	if err != nil {
		log.Errorln(err)
		cleanup()
		return nil, fmt.Errorf("acquiring target system: %w", err)
	}

	sb.HostPort = port
	sb.HostAddress = o.cfg.TargetSystemAddress
	sb.State = StateAcquired
	log.Infof("acquired: container=%s port=%d", containerID, port)

	return &rpc.AcquireResponse{ID: id, Address: sb.HostAddress, Port: port}, nil
}

// YieldTargetSystem implements rpc.Server (spec §4.6 "Yield").
func (o *Orchestrator) YieldTargetSystem(req *rpc.YieldRequest, stream rpc.YieldStream) error {
	sb, ok := o.reg.get(req.ID)
	if !ok {
		return rpc.ErrNotFound(req.ID)
	}
	ctx := stream.Context()
	log := o.log.Fork("sandbox[%s]", sb.ID)

	if err := o.d.stopContainer(ctx, sb.ContainerID); err != nil {
		log.Warnf("stopping target container: %v", err)
	}
	// Preconditions: the container must be EXITED before harvesting the
	// pcap (spec §4.6 "Yield").
	for i := 0; i < 20; i++ {
		exited, err := o.d.isExited(ctx, sb.ContainerID)
		if err == nil && exited {
			break
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	sb.State = StateExited

	if err := o.d.stopContainer(ctx, sb.SidecarID); err != nil {
		log.Warnf("stopping netlog sidecar: %v", err)
	}

	pcapData, err := o.d.copyPcap(ctx, sb.SidecarID)
	if err != nil {
		log.Warnf("harvesting pcap: %v", err)
	} else {
		downloads, err := ReconstructDownloads(pcapData)
		if err != nil {
			log.Warnf("reconstructing downloads from pcap: %v", err)
		}
		for _, dl := range downloads {
			if err := stream.Send(&rpc.YieldEvent{
				Timestamp:    dl.At.UnixNano(),
				SrcAddressV4: dl.SourceIPv4,
				SrcAddressV6: dl.SourceIPv6,
				URL:          dl.URL,
				Type:         dl.MimeType,
				Data:         dl.Data,
			}); err != nil {
				return fmt.Errorf("streaming yield event: %w", err)
			}
		}
	}

	o.destroy(ctx, sb, log)
	o.reg.remove(sb.ID)
	return nil
}

// destroy force-removes every resource belonging to sb. It is safe to
// call on a partially-constructed Sandbox (missing IDs are skipped).
func (o *Orchestrator) destroy(ctx context.Context, sb *Sandbox, log xlog.Logger) {
	if sb.SidecarID != "" {
		if err := o.d.removeContainer(ctx, sb.SidecarID); err != nil {
			log.Warnf("removing sidecar container: %v", err)
		}
	}
	if sb.ContainerID != "" {
		if err := o.d.removeContainer(ctx, sb.ContainerID); err != nil {
			log.Warnf("removing target container: %v", err)
		}
	}
	if sb.NetworkID != "" {
		if err := o.d.removeNetwork(ctx, sb.NetworkID); err != nil {
			log.Warnf("removing isolated network: %v", err)
		}
	}
	if !o.cfg.KeepTargetSystemVolumes && sb.VolumeID != "" {
		if err := o.d.removeVolume(ctx, sb.VolumeID); err != nil {
			log.Warnf("removing netlog volume: %v", err)
		}
	}
	sb.State = StateDestroyed
}

// Shutdown force-removes every container/network carrying the
// orchestrator's role label (spec §4.6 "Shutdown", tested by §8's
// "no containers with the role label remain").
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	for _, sb := range o.reg.all() {
		o.destroy(ctx, sb, o.log.Fork("sandbox[%s]", sb.ID))
		o.reg.remove(sb.ID)
	}
	if err := o.d.removeAllByRole(ctx); err != nil {
		return err
	}
	return o.d.close()
}
