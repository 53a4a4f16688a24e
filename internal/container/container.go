// Package container wraps the Docker Engine API for the Testrun core.
// Images are built from module build files, containers are started detached
// with the mount set and capabilities a module declares, and state is always
// re-fetched by container name so no live handles are held across waits.
package container

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	typesContainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	typesNetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// NamePrefix marks every container owned by Testrun. Teardown kills anything
// carrying it, recovering from prior crashes.
const NamePrefix = "tr-ct-"

// Client is the subset of the Docker Engine API the core consumes.
type Client interface {
	NegotiateAPIVersion(ctx context.Context)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ContainerCreate(ctx context.Context, config *typesContainer.Config, hostConfig *typesContainer.HostConfig, networkingConfig *typesNetwork.NetworkingConfig, platform *ocispec.Platform, containerName string) (typesContainer.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options typesContainer.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (typesContainer.InspectResponse, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options typesContainer.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options typesContainer.LogsOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options typesContainer.ListOptions) ([]typesContainer.Summary, error)
	Close() error
}

// Manager drives Testrun-owned containers through the Docker API.
type Manager struct {
	client Client
	logger zerolog.Logger
}

// NewManager connects to the Docker daemon and negotiates an API version.
func NewManager() (*Manager, error) {
	cli, err := docker.NewClientWithOpts(docker.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	cli.NegotiateAPIVersion(context.Background())
	return NewManagerWithClient(cli), nil
}

// NewManagerWithClient wraps an existing client. Used by tests.
func NewManagerWithClient(cli Client) *Manager {
	return &Manager{
		client: cli,
		logger: log.With().Str("component", "container").Logger(),
	}
}

// Close releases the underlying client.
func (m *Manager) Close() error {
	return m.client.Close()
}

// Spec describes a container to run. All Testrun containers run detached.
type Spec struct {
	Name        string
	Image       string
	Env         []string
	Privileged  bool
	NetworkMode string // "none" for fabric-attached modules, "host" for host modules
	CapAdd      []string
	Mounts      []Mount
}

// Mount binds one host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// BuildImage builds a module image from its build file. The build context is
// the module directory.
func (m *Manager) BuildImage(ctx context.Context, dir, dockerfile, tag string) error {
	m.logger.Info().Str("image", tag).Str("dir", dir).Msg("Building module image")

	buildContext, err := tarDirectory(dir)
	if err != nil {
		return fmt.Errorf("failed to prepare build context for %s: %w", tag, err)
	}

	resp, err := m.client.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image %s: %w", tag, err)
	}
	defer resp.Body.Close()

	// Build failures surface inside the JSON progress stream, not as a
	// transport error.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if msg := gjson.Get(line, "error").String(); msg != "" {
			return fmt.Errorf("image build failed for %s: %s", tag, msg)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read build output for %s: %w", tag, err)
	}
	return nil
}

// tarDirectory packs a directory into an in-memory tar stream for ImageBuild.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// Start creates and starts a container detached. Any container of the same
// name left over from a previous run is force-removed first.
func (m *Manager) Start(ctx context.Context, spec Spec) error {
	m.Remove(ctx, spec.Name)

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, b := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   b.Source,
			Target:   b.Target,
			ReadOnly: b.ReadOnly,
		})
	}

	hostConfig := &typesContainer.HostConfig{
		Privileged:  spec.Privileged,
		NetworkMode: typesContainer.NetworkMode(spec.NetworkMode),
		CapAdd:      strslice.StrSlice(spec.CapAdd),
		Mounts:      mounts,
	}

	created, err := m.client.ContainerCreate(ctx,
		&typesContainer.Config{
			Image: spec.Image,
			Env:   spec.Env,
		},
		hostConfig, nil, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := m.client.ContainerStart(ctx, created.ID, typesContainer.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	m.logger.Debug().Str("container", spec.Name).Str("image", spec.Image).Msg("Container started")
	return nil
}

// Pid returns the init PID of a running container, for netns attachment.
func (m *Manager) Pid(ctx context.Context, name string) (int, error) {
	info, err := m.client.ContainerInspect(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	if info.State == nil || info.State.Pid == 0 {
		return 0, fmt.Errorf("container %s has no running process", name)
	}
	return info.State.Pid, nil
}

// Status returns the container's state string ("running", "exited", ...).
// A missing container reports "removed".
func (m *Manager) Status(ctx context.Context, name string) string {
	info, err := m.client.ContainerInspect(ctx, name)
	if err != nil || info.State == nil {
		return "removed"
	}
	return string(info.State.Status)
}

// Kill force-kills a container. Missing containers are not an error.
func (m *Manager) Kill(ctx context.Context, name string) {
	if err := m.client.ContainerKill(ctx, name, "KILL"); err != nil {
		m.logger.Debug().Err(err).Str("container", name).Msg("Kill skipped")
	}
}

// Remove force-removes a container. Missing containers are not an error.
func (m *Manager) Remove(ctx context.Context, name string) {
	err := m.client.ContainerRemove(ctx, name, typesContainer.RemoveOptions{Force: true})
	if err != nil && !docker.IsErrNotFound(err) {
		m.logger.Debug().Err(err).Str("container", name).Msg("Remove skipped")
	}
}

// StreamLogs follows a container's output and hands each line to the
// callback until the stream closes or the context ends.
func (m *Manager) StreamLogs(ctx context.Context, name string, fn func(line string)) error {
	logs, err := m.client.ContainerLogs(ctx, name, typesContainer.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to open logs for %s: %w", name, err)
	}
	defer logs.Close()

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, logs)
		pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	return scanner.Err()
}

// KillAllOwned kills and removes every container carrying the Testrun name
// prefix. Best effort; used by teardown and crash recovery.
func (m *Manager) KillAllOwned(ctx context.Context) {
	list, err := m.client.ContainerList(ctx, typesContainer.ListOptions{All: true})
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list containers for cleanup")
		return
	}
	for _, c := range list {
		for _, name := range c.Names {
			name = strings.TrimPrefix(name, "/")
			if strings.HasPrefix(name, NamePrefix) {
				m.logger.Debug().Str("container", name).Msg("Removing owned container")
				m.Kill(ctx, name)
				m.Remove(ctx, name)
				break
			}
		}
	}
}
