package omega

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/arqonbus/arqonbus/internal/config"
)

// ErrRuntimeUnavailable is returned by mutating runtime calls when the
// container daemon cannot be reached. Status calls degrade instead.
var ErrRuntimeUnavailable = errors.New("runtime unavailable")

const (
	laneLabel      = "arqonbus.omega"
	substrateLabel = "arqonbus.omega.substrate"
)

// Runtime launches substrate workloads as resource-capped, network-jailed
// containers over the Docker API.
type Runtime struct {
	cfg config.OmegaConfig
	cli *client.Client
	log *slog.Logger
}

// NewRuntime connects to the container daemon. A missing daemon is not an
// error: the lane keeps running and the runtime reports unavailable.
func NewRuntime(ctx context.Context, cfg config.OmegaConfig, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	r := &Runtime{cfg: cfg, log: log}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		log.Warn("omega runtime: docker client init failed", "error", err)
		return r
	}
	if _, err := cli.Ping(ctx); err != nil {
		log.Warn("omega runtime: docker daemon unreachable", "error", err)
		cli.Close()
		return r
	}
	r.cli = cli
	log.Info("omega runtime connected", "image", cfg.Image)
	return r
}

// Available reports whether the daemon was reachable at startup.
func (r *Runtime) Available() bool { return r != nil && r.cli != nil }

// Snapshot is the probe result: daemon reachability plus the resource caps
// workloads run under.
func (r *Runtime) Snapshot() map[string]interface{} {
	snap := map[string]interface{}{
		"available":    r.Available(),
		"image":        r.cfg.Image,
		"cpu_limit":    r.cfg.CPULimit,
		"memory_limit": r.cfg.MemoryLimit,
		"run_timeout":  r.cfg.RunTimeout.String(),
	}
	if !r.Available() {
		snap["detail"] = "runtime unavailable"
		return snap
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if ping, err := r.cli.Ping(ctx); err != nil {
		snap["available"] = false
		snap["detail"] = err.Error()
	} else {
		snap["api_version"] = ping.APIVersion
	}
	return snap
}

// Launch starts one container for a substrate and returns its vm info.
func (r *Runtime) Launch(ctx context.Context, substrateID string) (map[string]interface{}, error) {
	if !r.Available() {
		return nil, ErrRuntimeUnavailable
	}

	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Resources: container.Resources{
			NanoCPUs: int64(r.cfg.CPULimit * 1e9),
			Memory:   r.cfg.MemoryLimit,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image: r.cfg.Image,
		Cmd:   []string{"sleep", "infinity"},
		Labels: map[string]string{
			laneLabel:      "true",
			substrateLabel: substrateID,
		},
	}, hostConfig, nil, nil, "arqonbus-omega-"+substrateID)
	if err != nil {
		return nil, fmt.Errorf("create substrate container: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		r.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("start substrate container: %w", err)
	}

	r.log.Info("launched omega vm", "substrate_id", substrateID, "vm_id", shortID(resp.ID))
	return map[string]interface{}{
		"vm_id":        resp.ID,
		"substrate_id": substrateID,
		"image":        r.cfg.Image,
		"started_at":   time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Stop halts and removes a launched container.
func (r *Runtime) Stop(ctx context.Context, vmID string) (map[string]interface{}, error) {
	if !r.Available() {
		return nil, ErrRuntimeUnavailable
	}
	if strings.TrimSpace(vmID) == "" {
		return nil, fmt.Errorf("'vm_id' is required")
	}

	timeout := int(10)
	if err := r.cli.ContainerStop(ctx, vmID, container.StopOptions{Timeout: &timeout}); err != nil {
		return nil, fmt.Errorf("stop substrate container: %w", err)
	}
	if err := r.cli.ContainerRemove(ctx, vmID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return nil, fmt.Errorf("remove substrate container: %w", err)
	}

	r.log.Info("stopped omega vm", "vm_id", shortID(vmID))
	return map[string]interface{}{"vm_id": vmID, "stopped": true}, nil
}

// List returns the lane's containers, running or not.
func (r *Runtime) List(ctx context.Context) ([]map[string]interface{}, error) {
	if !r.Available() {
		return nil, ErrRuntimeUnavailable
	}

	f := filters.NewArgs(filters.Arg("label", laneLabel+"=true"))
	containers, err := r.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("list substrate containers: %w", err)
	}

	out := make([]map[string]interface{}, 0, len(containers))
	for _, c := range containers {
		out = append(out, map[string]interface{}{
			"vm_id":        c.ID,
			"substrate_id": c.Labels[substrateLabel],
			"image":        c.Image,
			"state":        c.State,
			"status":       c.Status,
		})
	}
	return out, nil
}

// Close releases the daemon connection.
func (r *Runtime) Close() error {
	if r == nil || r.cli == nil {
		return nil
	}
	return r.cli.Close()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
