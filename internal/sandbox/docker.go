// Package sandbox reclaims engine containers left running after a force-kill.
// Engine containers are found by the session label the engine launcher sets.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

const (
	// DefaultLabel is the container label carrying the session id.
	DefaultLabel = "rigger.session_id"

	defaultStopTimeoutSecs = 5
)

// dockerAPI is the subset of the Docker client used for reclamation.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// DockerReclaimer stops and removes every container labelled with a session id.
type DockerReclaimer struct {
	cli             dockerAPI
	label           string
	stopTimeoutSecs int
	logger          *slog.Logger
}

// NewDockerReclaimer connects to the Docker daemon from the environment.
func NewDockerReclaimer(label string, stopTimeoutSecs int, logger *slog.Logger) (*DockerReclaimer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	r := newDockerReclaimer(cli, label, stopTimeoutSecs, logger)
	r.logger.Info("Docker reclaimer initialized", "label", r.label)
	return r, nil
}

func newDockerReclaimer(cli dockerAPI, label string, stopTimeoutSecs int, logger *slog.Logger) *DockerReclaimer {
	if label == "" {
		label = DefaultLabel
	}
	if stopTimeoutSecs <= 0 {
		stopTimeoutSecs = defaultStopTimeoutSecs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerReclaimer{cli: cli, label: label, stopTimeoutSecs: stopTimeoutSecs, logger: logger}
}

// Reclaim removes the session's containers and returns how many were removed.
func (r *DockerReclaimer) Reclaim(ctx context.Context, sessionID string) (int, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", r.label+"="+sessionID)),
	})
	if err != nil {
		return 0, fmt.Errorf("list containers for session %s: %w", sessionID, err)
	}

	removed := 0
	var errs []error
	for _, c := range list {
		if err := r.stopAndRemove(ctx, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(list) > 0 {
		r.logger.Info("Reclaimed engine containers", "session_id", sessionID, "found", len(list), "removed", removed)
	}
	return removed, errors.Join(errs...)
}

// stopAndRemove is idempotent: containers already gone count as removed.
func (r *DockerReclaimer) stopAndRemove(ctx context.Context, containerID string) error {
	timeout := r.stopTimeoutSecs
	if err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		r.logger.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}

	if err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// Close releases the Docker client.
func (r *DockerReclaimer) Close() error {
	return r.cli.Close()
}
