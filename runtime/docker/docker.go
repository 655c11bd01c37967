// Package docker implements the Container Runtime Adapter (C4): a purely
// mechanical wrapper over the Docker Engine API used by the Supervisor to
// launch, stop, inspect, and probe container-kind agents. Grounded on the
// teacher's cmd/sandbox runner (ensure workspace/env/labels, start detached)
// generalized from one-shot subprocess execution to full container
// lifecycle over github.com/docker/docker/client.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/nevindra/oasis"
)

// managedNetwork is the bridge network every adapter-launched container
// joins, created lazily on first Launch.
const managedNetwork = "oasis-agents"

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets a structured logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithAllowImagePull lets Launch pull a missing image instead of failing
// (spec §4.4: "the adapter does not pull implicitly unless a policy flag is
// set").
func WithAllowImagePull(allow bool) Option {
	return func(a *Adapter) { a.allowPull = allow }
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Adapter is the mechanical Docker Engine API wrapper. It never interprets
// agent semantics; the Supervisor is its only caller.
type Adapter struct {
	cli       *client.Client
	allowPull bool
	logger    *slog.Logger
}

// New connects to the Docker Engine using the standard environment
// (DOCKER_HOST, DOCKER_CERT_PATH, ...), negotiating the API version.
func New(opts ...Option) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, &oasis.TransportError{Op: "docker.NewClient", Message: err.Error()}
	}
	a := &Adapter{cli: cli, logger: nopLogger}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// InspectResult is the subset of container state the Supervisor's health
// probe and status operations need.
type InspectResult struct {
	Running   bool
	StartedAt time.Time
	ExitCode  int
}

// ExecResult is the outcome of a one-shot probe/exec command (spec §4.4).
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Launch ensures the agent's image and managed network exist, creates a
// container per spec.Resources, and starts it detached. Returns the
// container ID as the opaque handle the Supervisor persists on the
// AgentInstance.
func (a *Adapter) Launch(ctx context.Context, spec oasis.AgentSpec) (string, error) {
	if spec.Resources == nil {
		return "", &oasis.ConfigError{Field: "resources", Message: "container agent requires resources"}
	}
	r := spec.Resources

	if err := a.ensureImage(ctx, r.Image); err != nil {
		return "", err
	}
	if err := a.ensureNetwork(ctx); err != nil {
		return "", err
	}

	labels := map[string]string{"managed": "true", "agent": spec.ID}
	for k, v := range r.Labels {
		labels[k] = v
	}

	env := make([]string, 0, len(r.EnvOverrides))
	for k, v := range r.EnvOverrides {
		env = append(env, k+"="+v)
	}

	binds := []string{}
	if r.WorkspaceHostPath != "" {
		mountPath := r.WorkspaceMountPath
		if mountPath == "" {
			mountPath = "/workspace"
		}
		binds = append(binds, fmt.Sprintf("%s:%s:rw", r.WorkspaceHostPath, mountPath))
	}
	for host, mount := range r.ExtraMounts {
		binds = append(binds, fmt.Sprintf("%s:%s:ro", host, mount))
	}

	restartName := container.RestartPolicyMode(r.RestartPolicy)
	if restartName == "" {
		restartName = container.RestartPolicyUnlessStopped
	}

	cfg := &container.Config{
		Image:  r.Image,
		Env:    env,
		Labels: labels,
	}
	hostCfg := &container.HostConfig{
		Binds:         binds,
		RestartPolicy: container.RestartPolicy{Name: restartName},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			managedNetwork: {},
		},
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, containerName(spec.ID))
	if err != nil {
		return "", &oasis.TransportError{Op: "ContainerCreate", Message: err.Error()}
	}
	if err := a.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", &oasis.TransportError{Op: "ContainerStart", Message: err.Error()}
	}
	a.logger.Info("container launched", "agent", spec.ID, "container_id", resp.ID)
	return resp.ID, nil
}

func containerName(agentID string) string {
	return "oasis-" + strings.ReplaceAll(agentID, " ", "-")
}

func (a *Adapter) ensureImage(ctx context.Context, ref string) error {
	images, err := a.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return &oasis.TransportError{Op: "ImageList", Message: err.Error()}
	}
	if len(images) > 0 {
		return nil
	}
	if !a.allowPull {
		return &oasis.ConfigError{Field: "resources.image", Message: fmt.Sprintf("image %q not present and pull is disabled", ref)}
	}
	rc, err := a.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return &oasis.TransportError{Op: "ImagePull", Message: err.Error()}
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (a *Adapter) ensureNetwork(ctx context.Context) error {
	nets, err := a.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", managedNetwork)),
	})
	if err != nil {
		return &oasis.TransportError{Op: "NetworkList", Message: err.Error()}
	}
	for _, n := range nets {
		if n.Name == managedNetwork {
			return nil
		}
	}
	_, err = a.cli.NetworkCreate(ctx, managedNetwork, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return &oasis.TransportError{Op: "NetworkCreate", Message: err.Error()}
	}
	return nil
}

// Stop sends a graceful stop signal, waiting up to grace before killing.
func (a *Adapter) Stop(ctx context.Context, handle string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := a.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &secs}); err != nil {
		return &oasis.TransportError{Op: "ContainerStop", Message: err.Error()}
	}
	return nil
}

// Remove deletes a stopped container.
func (a *Adapter) Remove(ctx context.Context, handle string) error {
	if err := a.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil {
		return &oasis.TransportError{Op: "ContainerRemove", Message: err.Error()}
	}
	return nil
}

// Inspect returns the container's running state and start time.
func (a *Adapter) Inspect(ctx context.Context, handle string) (InspectResult, error) {
	info, err := a.cli.ContainerInspect(ctx, handle)
	if err != nil {
		return InspectResult{}, &oasis.HandleLost{InstanceID: handle, Message: err.Error()}
	}
	var startedAt time.Time
	if info.State != nil && info.State.StartedAt != "" {
		startedAt, _ = time.Parse(time.RFC3339Nano, info.State.StartedAt)
	}
	return InspectResult{
		Running:   info.State != nil && info.State.Running,
		StartedAt: startedAt,
		ExitCode:  boolToExitCode(info.State),
	}, nil
}

func boolToExitCode(s *container.State) int {
	if s == nil {
		return 0
	}
	return s.ExitCode
}

// Logs returns the last tailLines of combined stdout/stderr.
func (a *Adapter) Logs(ctx context.Context, handle string, tailLines int) (string, error) {
	rc, err := a.cli.ContainerLogs(ctx, handle, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tailLines),
	})
	if err != nil {
		return "", &oasis.TransportError{Op: "ContainerLogs", Message: err.Error()}
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Exec runs argv inside the container and waits for completion, used by the
// Supervisor for container health probes.
func (a *Adapter) Exec(ctx context.Context, handle string, argv []string) (ExecResult, error) {
	created, err := a.cli.ContainerExecCreate(ctx, handle, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, &oasis.TransportError{Op: "ContainerExecCreate", Message: err.Error()}
	}
	attach, err := a.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, &oasis.TransportError{Op: "ContainerExecAttach", Message: err.Error()}
	}
	defer attach.Close()

	data, err := io.ReadAll(attach.Reader)
	if err != nil {
		return ExecResult{}, err
	}

	inspect, err := a.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, &oasis.TransportError{Op: "ContainerExecInspect", Message: err.Error()}
	}
	return ExecResult{ExitCode: inspect.ExitCode, Stdout: string(data)}, nil
}

// List returns container IDs matching labelSelector (spec §4.4 list()).
func (a *Adapter) List(ctx context.Context, labelSelector map[string]string) ([]string, error) {
	args := filters.NewArgs()
	for k, v := range labelSelector {
		args.Add("label", k+"="+v)
	}
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, &oasis.TransportError{Op: "ContainerList", Message: err.Error()}
	}
	ids := make([]string, len(containers))
	for i, c := range containers {
		ids[i] = c.ID
	}
	return ids, nil
}

// Close releases the underlying API client's connections.
func (a *Adapter) Close() error { return a.cli.Close() }
