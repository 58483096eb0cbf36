package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/sshtrap/honeypot/internal/xlog"
)

// TargetImage is the SSH-server image run for every acquired sandbox. It
// must accept SSH_USER/SSH_PASSWORD environment variables and expose
// 22/tcp, matching the original orchestrator's container contract
// (spec §4.6 step 3).
const TargetImage = "sshtrap/target-openssh-server:latest"

// SidecarImage runs tcpdump (or equivalent) against the target's network
// namespace, writing to /netlog/log.pcap (spec §4.6 step 4).
const SidecarImage = "sshtrap/netlog-sidecar:latest"

const targetSSHPort = "22/tcp"
const pcapPath = "/netlog/log.pcap"

// docker wraps the Docker Engine API client with the honeypot's
// container/network/volume lifecycle operations.
type docker struct {
	cli *client.Client
	log xlog.Logger
}

func newDocker(host string, log xlog.Logger) (*docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &docker{cli: cli, log: log}, nil
}

func (d *docker) close() error {
	return d.cli.Close()
}

func labels(role, sandboxID string) map[string]string {
	return map[string]string{
		RoleLabel:              role,
		"honeypot.sshtrap/sandbox": sandboxID,
	}
}

func (d *docker) createNetwork(ctx context.Context, sandboxID string) (string, error) {
	resp, err := d.cli.NetworkCreate(ctx, "honeypot-net-"+sandboxID, types.NetworkCreate{
		Driver: "bridge",
		Labels: labels(RoleTarget, sandboxID),
	})
	if err != nil {
		return "", fmt.Errorf("creating isolated network: %w", err)
	}
	return resp.ID, nil
}

func (d *docker) createVolume(ctx context.Context, sandboxID string) (string, error) {
	vol, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   "honeypot-netlog-" + sandboxID,
		Labels: labels(RoleSidecar, sandboxID),
	})
	if err != nil {
		return "", fmt.Errorf("creating netlog volume: %w", err)
	}
	return vol.Name, nil
}

func (d *docker) createTargetContainer(ctx context.Context, sandboxID, networkID, user, password string) (string, error) {
	exposed, bindings, err := nat.ParsePortSpecs([]string{targetSSHPort})
	if err != nil {
		return "", fmt.Errorf("parsing port spec: %w", err)
	}
	_ = bindings

	portSet := nat.PortSet{}
	for p := range exposed {
		portSet[p] = struct{}{}
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image: TargetImage,
		Env: []string{
			"SSH_USER=" + user,
			"SSH_PASSWORD=" + password,
		},
		ExposedPorts: portSet,
		Labels:       labels(RoleTarget, sandboxID),
	}, &container.HostConfig{
		PublishAllPorts: true,
		NetworkMode:     container.NetworkMode(networkID),
	}, &network.NetworkingConfig{}, nil, "honeypot-target-"+sandboxID)
	if err != nil {
		return "", fmt.Errorf("creating target container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting target container: %w", err)
	}
	return resp.ID, nil
}

func (d *docker) createSidecarContainer(ctx context.Context, sandboxID, targetContainerID, volumeID string) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  SidecarImage,
		Cmd:    []string{"-i", "any", "-w", pcapPath},
		Labels: labels(RoleSidecar, sandboxID),
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode("container:" + targetContainerID),
		CapAdd:      []string{"NET_RAW", "NET_ADMIN"},
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: volumeID, Target: "/netlog"},
		},
	}, &network.NetworkingConfig{}, nil, "honeypot-netlog-"+sandboxID)
	if err != nil {
		return "", fmt.Errorf("creating netlog sidecar: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting netlog sidecar: %w", err)
	}
	return resp.ID, nil
}

// waitReady polls `s6-svstat -u /run/s6/services/openssh-server` inside
// the target container until it reports "up" (spec §4.6 step 5).
func (d *docker) waitReady(ctx context.Context, containerID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		exec, err := d.cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
			Cmd:          []string{"s6-svstat", "-u", "/run/s6/services/openssh-server"},
			AttachStdout: true,
			AttachStderr: true,
		})
		if err == nil {
			attach, aerr := d.cli.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
			if aerr == nil {
				out, _ := io.ReadAll(attach.Reader)
				attach.Close()
				if bytes.Contains(out, []byte("up")) {
					return nil
				}
			}
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("target container %s did not become ready within %s", containerID, timeout)
}

// hostPort returns the ephemeral host port the runtime assigned to
// 22/tcp, by reloading container inspect state (spec §4.6 step 6).
func (d *docker) hostPort(ctx context.Context, containerID string) (uint32, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("inspecting target container: %w", err)
	}
	bindings, ok := info.NetworkSettings.Ports[nat.Port(targetSSHPort)]
	if !ok || len(bindings) == 0 {
		return 0, fmt.Errorf("target container %s has no published port for %s", containerID, targetSSHPort)
	}
	var port uint32
	_, err = fmt.Sscanf(bindings[0].HostPort, "%d", &port)
	if err != nil {
		return 0, fmt.Errorf("parsing host port %q: %w", bindings[0].HostPort, err)
	}
	return port, nil
}

// isExited reports whether a container has stopped, required before
// harvesting the pcap (spec §4.6 "Yield": preconditions).
func (d *docker) isExited(ctx context.Context, containerID string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, err
	}
	return !info.State.Running, nil
}

func (d *docker) stopContainer(ctx context.Context, containerID string) error {
	timeout := 5
	return d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (d *docker) removeContainer(ctx context.Context, containerID string) error {
	return d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func (d *docker) removeNetwork(ctx context.Context, networkID string) error {
	if networkID == "" {
		return nil
	}
	return d.cli.NetworkRemove(ctx, networkID)
}

func (d *docker) removeVolume(ctx context.Context, volumeID string) error {
	if volumeID == "" {
		return nil
	}
	return d.cli.VolumeRemove(ctx, volumeID, true)
}

// copyPcap streams /netlog/log.pcap out of the sidecar container as a tar
// archive and returns the file's raw bytes.
func (d *docker) copyPcap(ctx context.Context, sidecarContainerID string) ([]byte, error) {
	rc, _, err := d.cli.CopyFromContainer(ctx, sidecarContainerID, pcapPath)
	if err != nil {
		return nil, fmt.Errorf("copying pcap from sidecar: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("pcap archive from sidecar contained no entries")
		}
		if err != nil {
			return nil, fmt.Errorf("reading pcap tar stream: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg {
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, tr); err != nil {
				return nil, fmt.Errorf("reading pcap entry %q: %w", hdr.Name, err)
			}
			return buf.Bytes(), nil
		}
	}
}

// removeAllByRole force-removes every container carrying RoleLabel,
// regardless of role, used by the shutdown reaper (spec §4.6 "Shutdown").
func (d *docker) removeAllByRole(ctx context.Context) error {
	f := filters.NewArgs(filters.Arg("label", RoleLabel))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return fmt.Errorf("listing labeled containers: %w", err)
	}
	var firstErr error
	for _, c := range containers {
		if err := d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			d.log.Warnf("reaper: removing container %s: %v", c.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	networks, err := d.cli.NetworkList(ctx, types.NetworkListOptions{Filters: f})
	if err == nil {
		for _, n := range networks {
			_ = d.cli.NetworkRemove(ctx, n.ID)
		}
	}
	return firstErr
}
