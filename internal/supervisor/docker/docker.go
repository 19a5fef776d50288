// Package docker implements the supervisor.Supervisor interface using
// the Docker daemon: each runner is a labelled container whose
// environment is the instance's launch environment.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/terrpan/garm-provider-pm2/internal/metadata"
	"github.com/terrpan/garm-provider-pm2/internal/supervisor"
)

// ManagedLabel marks containers created by this provider.
const ManagedLabel = "io.garm.provider.pm2.managed"

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image the bootstrap script runs in.
	Image string

	// Binds are host paths mounted into every runner container
	// ("host:container[:ro]").  The work directory and the scripts
	// directory must be visible at the same paths inside the container.
	Binds []string

	// Network is the Docker network to attach containers to (optional).
	Network string

	// Dind bind-mounts the host's Docker socket into each runner
	// container so jobs can run Docker commands.
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon.
	Dind bool
}

// dockerAPI is the subset of the Docker client used here.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

var _ dockerAPI = (*dockerclient.Client)(nil)

// Supervisor manages runners as Docker containers.
type Supervisor struct {
	client dockerAPI
	cfg    Config
	logger *slog.Logger
}

// Compile-time check that Supervisor satisfies supervisor.Supervisor.
var _ supervisor.Supervisor = (*Supervisor)(nil)

// New creates a Docker supervisor talking to the daemon selected by the
// DOCKER_* environment variables.
func New(cfg Config, logger *slog.Logger) (*Supervisor, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker: image is required")
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newSupervisor(client, cfg, logger), nil
}

func newSupervisor(client dockerAPI, cfg Config, logger *slog.Logger) *Supervisor {
	return &Supervisor{client: client, cfg: cfg, logger: logger}
}

// Connect pings the daemon.
func (s *Supervisor) Connect(ctx context.Context) error {
	if _, err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// List returns every managed container with its translated status and
// environment.
func (s *Supervisor) List(ctx context.Context) ([]supervisor.Process, error) {
	summaries, err := s.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	procs := make([]supervisor.Process, 0, len(summaries))
	for _, c := range summaries {
		info, err := s.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("container inspect %s: %w", c.ID, err)
		}

		var env []string
		if info.Config != nil {
			env = info.Config.Env
		}
		status := c.State
		if info.ContainerJSONBase != nil && info.State != nil {
			status = info.State.Status
		}

		procs = append(procs, supervisor.Process{
			Name:   containerName(c.Names, c.ID),
			Status: translateState(status),
			Env:    metadata.FromEnviron(env),
		})
	}
	return procs, nil
}

// Launch pulls the image, then creates and starts a container running
// spec.Script with spec.Env.
func (s *Supervisor) Launch(ctx context.Context, spec supervisor.LaunchSpec) error {
	if err := s.pull(ctx); err != nil {
		return err
	}

	cmd := []string{spec.Script}
	if spec.Interpreter != "" {
		cmd = []string{spec.Interpreter, spec.Script}
	}

	restart := container.RestartPolicy{Name: container.RestartPolicyDisabled}
	if spec.AutoRestart {
		restart = container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	}

	env := spec.Env.Environ()
	binds := append([]string(nil), s.cfg.Binds...)
	if s.cfg.Dind {
		env = append(env, "DOCKER_HOST=unix:///var/run/docker.sock")
		binds = append(binds, "/var/run/docker.sock:/var/run/docker.sock")
	}

	hostCfg := &container.HostConfig{
		Binds:         binds,
		RestartPolicy: restart,
	}
	if s.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(s.cfg.Network)
	}

	resp, err := s.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:      s.cfg.Image,
			Cmd:        cmd,
			Env:        env,
			WorkingDir: spec.Dir,
			Labels:     map[string]string{ManagedLabel: "true"},
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		spec.Name,
	)
	if err != nil {
		return fmt.Errorf("container create %s: %w", spec.Name, err)
	}

	if err := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start %s: %w", spec.Name, err)
	}

	s.logger.Info("runner container started",
		slog.String("name", spec.Name),
		slog.String("containerID", resp.ID),
	)
	return nil
}

// Restart restarts the named container.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	if err := s.client.ContainerRestart(ctx, name, container.StopOptions{}); err != nil {
		return fmt.Errorf("container restart %s: %w", name, err)
	}
	return nil
}

// Stop stops the named container.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	if err := s.client.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		return fmt.Errorf("container stop %s: %w", name, err)
	}
	return nil
}

// Delete force-removes the named container.
func (s *Supervisor) Delete(ctx context.Context, name string) error {
	if err := s.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container remove %s: %w", name, err)
	}
	return nil
}

// Close closes the Docker client.
func (s *Supervisor) Close() error {
	return s.client.Close()
}

func (s *Supervisor) pull(ctx context.Context) error {
	s.logger.Info("pulling runner image", slog.String("image", s.cfg.Image))

	pull, err := s.client.ImagePull(ctx, s.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", s.cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		pull.Close()
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}
	return nil
}

// translateState maps Docker container states onto the supervisor
// status vocabulary.
func translateState(state string) string {
	switch state {
	case container.StateRunning:
		return supervisor.StatusOnline
	case container.StateCreated:
		return supervisor.StatusLaunching
	case container.StateRestarting:
		return supervisor.StatusWaitingRestart
	case container.StateRemoving:
		return supervisor.StatusStopping
	case container.StatePaused, container.StateExited:
		return supervisor.StatusStopped
	case container.StateDead:
		return supervisor.StatusErrored
	default:
		return state
	}
}

func containerName(names []string, id string) string {
	if len(names) == 0 {
		return id
	}
	return strings.TrimPrefix(names[0], "/")
}
