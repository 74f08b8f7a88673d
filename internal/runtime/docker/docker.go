// Package docker implements runtime.Runtime against the host Docker daemon.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"jobctl/internal/apperrors"
	"jobctl/internal/runtime"
)

// Client implements runtime.Runtime and runtime.EventSource using Docker.
type Client struct {
	api *client.Client
	cfg Config
	log *slog.Logger

	pullMu sync.Mutex // serializes pulls of the same image

	cancelMaintenance context.CancelFunc
	maintenanceWg     sync.WaitGroup
}

// New connects to the daemon described by the DOCKER_* environment.
func New(cfg Config) (*Client, error) {
	cfg.withDefaults()

	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Client{
		api: api,
		cfg: cfg,
		log: cfg.Logger.With("component", "docker"),
	}, nil
}

// StartMaintenance begins periodic removal of expired containers. Call it
// after restart reconciliation so exit codes are read before removal.
func (c *Client) StartMaintenance(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelMaintenance = cancel
	c.maintenanceWg.Add(1)
	go func() {
		defer c.maintenanceWg.Done()
		c.runMaintenance(ctx, c.cfg.MaintenanceInterval)
	}()
}

// Close stops maintenance and releases the client.
func (c *Client) Close() error {
	if c.cancelMaintenance != nil {
		c.cancelMaintenance()
	}
	c.maintenanceWg.Wait()
	return c.api.Close()
}

// Ready checks if the Docker daemon is reachable and responsive.
func (c *Client) Ready(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return c.adapterErr(ctx, "docker.ping", err)
	}
	return nil
}

// Start pulls the image if needed, then creates and starts the container.
// A container that fails to start is removed.
func (c *Client) Start(ctx context.Context, spec runtime.Spec) (string, error) {
	if err := c.pullImageIfNeeded(ctx, spec.Image); err != nil {
		return "", c.adapterErr(ctx, "docker.pull", err)
	}

	env := make([]string, 0, len(spec.Env))
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, k+"="+spec.Env[k])
	}

	var cmd []string
	if spec.Command != "" {
		cmd = []string{"/bin/sh", "-c", spec.Command}
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	maps.Copy(labels, spec.Labels)
	labels[runtime.LabelManagedBy] = runtime.ManagedBy

	containerConfig := &container.Config{
		Image:  spec.Image,
		Cmd:    cmd,
		Env:    env,
		Labels: labels,
	}
	hostConfig := &container.HostConfig{
		ExtraHosts: c.cfg.ExtraHosts,
	}
	if c.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(c.cfg.Network)
	}

	resp, err := c.api.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", c.adapterErr(ctx, "docker.create", err)
	}

	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.removeContainer(context.WithoutCancel(ctx), resp.ID)
		return "", c.adapterErr(ctx, "docker.start", err)
	}

	c.log.Debug("Container started", "containerId", resp.ID, "image", spec.Image, "name", spec.Name)
	return resp.ID, nil
}

// Stop sends SIGTERM and kills the container after grace.
func (c *Client) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := c.api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		return c.adapterErr(ctx, "docker.stop", err)
	}
	return nil
}

// Inspect returns the container's current state.
func (c *Client) Inspect(ctx context.Context, containerID string) (runtime.State, error) {
	inspect, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return runtime.State{}, c.adapterErr(ctx, "docker.inspect", err)
	}
	if inspect.State == nil {
		return runtime.State{}, apperrors.Adapter("docker.inspect", fmt.Errorf("container %s has no state", containerID))
	}
	st := runtime.State{
		Status:   string(inspect.State.Status),
		Running:  inspect.State.Running,
		ExitCode: inspect.State.ExitCode,
		Error:    inspect.State.Error,
	}
	st.StartedAt, _ = time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	st.FinishedAt, _ = time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
	return st, nil
}

// Wait blocks until the container is no longer running.
func (c *Client) Wait(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := c.api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, c.adapterErr(ctx, "docker.wait", err)
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), apperrors.Adapter("docker.wait", fmt.Errorf("%s", status.Error.Message))
		}
		return int(status.StatusCode), nil
	}
}

// Logs reads a finite snapshot of stdout and stderr, merged by timestamp.
func (c *Client) Logs(ctx context.Context, containerID string, opts runtime.LogOptions) ([]runtime.LogLine, error) {
	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       "all",
	}
	if opts.Tail > 0 {
		logOpts.Tail = strconv.Itoa(opts.Tail)
	}
	if !opts.Since.IsZero() {
		logOpts.Since = strconv.FormatInt(opts.Since.Unix(), 10)
	}

	rc, err := c.api.ContainerLogs(ctx, containerID, logOpts)
	if err != nil {
		return nil, c.adapterErr(ctx, "docker.logs", err)
	}
	defer rc.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil && err != io.EOF {
		return nil, c.adapterErr(ctx, "docker.logs", err)
	}

	lines := append(parseLines(stdout.String(), "stdout"), parseLines(stderr.String(), "stderr")...)
	slices.SortStableFunc(lines, func(a, b runtime.LogLine) int { return a.Timestamp.Compare(b.Timestamp) })
	if opts.Tail > 0 && len(lines) > opts.Tail {
		lines = lines[len(lines)-opts.Tail:]
	}
	return lines, nil
}

// List returns every container labelled as managed by this service.
func (c *Client) List(ctx context.Context) ([]runtime.Container, error) {
	return c.list(ctx, runtime.LabelManagedBy+"="+runtime.ManagedBy)
}

func (c *Client) list(ctx context.Context, label string) ([]runtime.Container, error) {
	containers, err := c.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, c.adapterErr(ctx, "docker.list", err)
	}

	out := make([]runtime.Container, 0, len(containers))
	for _, s := range containers {
		name := ""
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		out = append(out, runtime.Container{
			ID:      s.ID,
			Name:    name,
			Image:   s.Image,
			State:   string(s.State),
			Labels:  s.Labels,
			Created: time.Unix(s.Created, 0).UTC(),
		})
	}
	return out, nil
}

// Exits streams die events for containers carrying label (key or key=value).
// Both channels close when ctx is done or the stream fails.
func (c *Client) Exits(ctx context.Context, label string) (<-chan runtime.ExitEvent, <-chan error) {
	out := make(chan runtime.ExitEvent)
	errOut := make(chan error, 1)

	msgs, errs := c.api.Events(ctx, events.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
			filters.Arg("event", string(events.ActionDie)),
			filters.Arg("label", label),
		),
	})

	go func() {
		defer close(out)
		defer close(errOut)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if err != nil && ctx.Err() == nil {
					errOut <- c.adapterErr(ctx, "docker.events", err)
				}
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev := toExitEvent(msg)
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errOut
}

func toExitEvent(msg events.Message) runtime.ExitEvent {
	attrs := msg.Actor.Attributes
	exitCode, err := strconv.Atoi(attrs["exitCode"])
	if err != nil {
		exitCode = -1
	}
	labels := make(map[string]string)
	for k, v := range attrs {
		switch k {
		case "exitCode", "name", "image", "execDuration", "signal":
		default:
			labels[k] = v
		}
	}
	at := time.Unix(0, msg.TimeNano).UTC()
	if msg.TimeNano == 0 {
		at = time.Now().UTC()
	}
	return runtime.ExitEvent{
		ContainerID: msg.Actor.ID,
		Name:        attrs["name"],
		Image:       attrs["image"],
		ExitCode:    exitCode,
		Labels:      labels,
		At:          at,
	}
}

// parseLines splits raw output into lines and strips the RFC3339Nano
// timestamp Docker prefixes when Timestamps is requested.
func parseLines(raw, stream string) []runtime.LogLine {
	var lines []runtime.LogLine
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		ll := runtime.LogLine{Stream: stream, Message: line}
		if ts, msg, ok := strings.Cut(line, " "); ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				ll.Timestamp = t.UTC()
				ll.Message = msg
			}
		}
		lines = append(lines, ll)
	}
	return lines
}

func (c *Client) pullImageIfNeeded(ctx context.Context, imageName string) error {
	c.pullMu.Lock()
	defer c.pullMu.Unlock()

	if _, err := c.api.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PullTimeout)
	defer cancel()

	c.log.Info("Pulling image", "image", imageName)
	reader, err := c.api.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (c *Client) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	_ = c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// adapterErr maps daemon errors: missing containers become
// runtime.ErrNotFound, deadline overruns become timeouts.
func (c *Client) adapterErr(ctx context.Context, op string, err error) error {
	c.cfg.Metrics.RecordRuntimeError(context.WithoutCancel(ctx), op)
	switch {
	case cerrdefs.IsNotFound(err):
		return apperrors.Adapter(op, fmt.Errorf("%w: %v", runtime.ErrNotFound, err))
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperrors.Timeout(op, err)
	default:
		return apperrors.Adapter(op, err)
	}
}

// runMaintenance periodically removes expired exited containers.
func (c *Client) runMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanupExpired(ctx)
		}
	}
}

// cleanupExpired removes managed containers that exited more than
// RetentionPeriod ago. Their logs were captured when the run finalized.
func (c *Client) cleanupExpired(ctx context.Context) {
	logger := c.log.With("component", "maintenance")
	now := time.Now()

	containers, err := c.List(ctx)
	if err != nil {
		logger.Warn("Failed to list containers", "error", err)
		return
	}

	var removed int
	for _, ct := range containers {
		if ct.Running() || ct.State == "created" {
			continue
		}
		st, err := c.Inspect(ctx, ct.ID)
		if err != nil || st.FinishedAt.IsZero() {
			continue
		}
		if now.Sub(st.FinishedAt) > c.cfg.RetentionPeriod {
			c.removeContainer(ctx, ct.ID)
			removed++
			logger.Debug("Removed expired container", "containerId", ct.ID, "runId", ct.Labels[runtime.LabelRunID])
		}
	}

	if removed > 0 {
		logger.Info("Maintenance complete", "removed", removed)
	}
}

var (
	_ runtime.Runtime     = (*Client)(nil)
	_ runtime.EventSource = (*Client)(nil)
)
