package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
)

const containerWorkDir = "/workspace"

// DockerConfig configures the container backend
type DockerConfig struct {
	Host          string
	MemoryLimitMB int64
	CPUCores      float64
	PidsLimit     int64
	MaxOutputSize int64
	PullImages    bool
	// Images overrides the language table's image per language
	Images map[string]string
}

// DockerBackend runs each execution in a fresh container with all
// capabilities dropped. Files are copied in as a tar stream; the container is
// removed afterwards.
type DockerBackend struct {
	client *client.Client
	langs  *Languages
	cfg    DockerConfig
	logger *zap.Logger
}

// NewDockerBackend connects to the Docker daemon
func NewDockerBackend(cfg DockerConfig, logger *zap.Logger) (*DockerBackend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker sdk client init failed: %w", err)
	}
	if cfg.MemoryLimitMB <= 0 {
		cfg.MemoryLimitMB = 256
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = 0.5
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = 128
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = 1 << 20
	}
	return &DockerBackend{
		client: cli,
		langs:  DefaultLanguages(),
		cfg:    cfg,
		logger: logging.OrNop(logger).Named("sandbox.docker"),
	}, nil
}

// Name implements Backend
func (b *DockerBackend) Name() string { return "docker" }

// Close releases the daemon connection
func (b *DockerBackend) Close() error { return b.client.Close() }

// Ping checks that the daemon is reachable
func (b *DockerBackend) Ping(ctx context.Context) error {
	_, err := b.client.Ping(ctx)
	return err
}

func (b *DockerBackend) imageFor(language string) (string, error) {
	if img := b.cfg.Images[language]; img != "" {
		return img, nil
	}
	lang, ok := b.langs.Get(language)
	if !ok || lang.Image == "" {
		return "", fmt.Errorf("no image for language %s", language)
	}
	return lang.Image, nil
}

// Run implements Backend
func (b *DockerBackend) Run(ctx context.Context, req *ExecutionRequest, argv []string) (*ExecutionResult, error) {
	imageName, err := b.imageFor(req.Language)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	if b.cfg.PullImages {
		if err := b.ensureImage(ctx, imageName); err != nil {
			return nil, err
		}
	}

	archive, err := tarWorkspace(req.Files)
	if err != nil {
		return nil, fmt.Errorf("failed to pack workspace: %w", err)
	}

	id := uuid.New().String()
	created, err := b.client.ContainerCreate(ctx, &container.Config{
		Image:           imageName,
		WorkingDir:      containerWorkDir,
		Cmd:             argv,
		Env:             []string{"HOME=/tmp", "LANG=C.UTF-8"},
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: !req.AllowNetwork,
	}, b.hostConfig(req.AllowNetwork), &network.NetworkingConfig{}, nil, "forge-sandbox-"+id[:12])
	if err != nil {
		return nil, fmt.Errorf("docker container create failed: %w", err)
	}
	containerID := created.ID
	defer func() {
		if err := b.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true}); err != nil {
			b.logger.Warn("failed to remove container", zap.String("container_id", containerID), zap.Error(err))
		}
	}()

	if err := b.client.CopyToContainer(ctx, containerID, containerWorkDir, archive, container.CopyToContainerOptions{}); err != nil {
		return nil, fmt.Errorf("docker copy failed: %w", err)
	}

	result := &ExecutionResult{ID: id, StartedAt: time.Now()}
	if err := b.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("docker container start failed: %w", err)
	}

	waitCh, errCh := b.client.ContainerWait(execCtx, containerID, container.WaitConditionNotRunning)
	select {
	case <-execCtx.Done():
		_ = b.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result.TimedOut = true
			result.ExitCode = ExitTimeout
		} else {
			result.Killed = true
			result.ExitCode = ExitKilled
		}
	case resp := <-waitCh:
		result.ExitCode = int(resp.StatusCode)
		if resp.Error != nil && resp.Error.Message != "" {
			return nil, fmt.Errorf("docker container wait: %s", resp.Error.Message)
		}
	case err := <-errCh:
		return nil, fmt.Errorf("docker container wait failed: %w", err)
	}

	if result.ExitCode == ExitKilled {
		if inspect, err := b.client.ContainerInspect(context.Background(), containerID); err == nil && inspect.State != nil && inspect.State.OOMKilled {
			result.Killed = true
		}
	}

	stdout, stderr, logErr := b.readLogs(context.Background(), containerID)
	result.Stdout = stdout
	result.Stderr = stderr
	if logErr != nil {
		b.logger.Warn("failed to read container logs", zap.String("container_id", containerID), zap.Error(logErr))
	}
	result.Duration = time.Since(result.StartedAt)
	return result, nil
}

func (b *DockerBackend) hostConfig(allowNetwork bool) *container.HostConfig {
	memoryBytes := b.cfg.MemoryLimitMB * 1024 * 1024
	pids := b.cfg.PidsLimit
	hc := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		NetworkMode: "none",
		Tmpfs:       map[string]string{"/tmp": "rw,nosuid,size=64m"},
		Resources: container.Resources{
			Memory:     memoryBytes,
			MemorySwap: memoryBytes,
			NanoCPUs:   int64(b.cfg.CPUCores * 1_000_000_000),
			PidsLimit:  &pids,
		},
	}
	if allowNetwork {
		hc.NetworkMode = "bridge"
	}
	return hc
}

func (b *DockerBackend) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := b.client.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	rc, pullErr := b.client.ImagePull(ctx, imageName, image.PullOptions{})
	if pullErr != nil {
		return fmt.Errorf("pull image %s: %w (inspect err: %v)", imageName, pullErr, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

func (b *DockerBackend) readLogs(ctx context.Context, containerID string) (string, string, error) {
	rc, err := b.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	_, err = stdcopy.StdCopy(
		&limitedWriter{w: &stdout, limit: b.cfg.MaxOutputSize},
		&limitedWriter{w: &stderr, limit: b.cfg.MaxOutputSize},
		rc,
	)
	return stdout.String(), stderr.String(), err
}
