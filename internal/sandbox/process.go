package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
)

// ProcessConfig configures the local process backend
type ProcessConfig struct {
	BaseDir       string
	MemoryLimitMB int64
	MaxOutputSize int64
	// GracePeriod between SIGTERM and SIGKILL on timeout
	GracePeriod time.Duration
}

// ProcessBackend runs code as a local child process in a throwaway
// directory. It relies on process groups and ulimit, not on kernel
// namespaces, so it is meant for trusted deployments and development.
type ProcessBackend struct {
	cfg    ProcessConfig
	logger *zap.Logger
}

// NewProcessBackend creates the base directory and returns the backend
func NewProcessBackend(cfg ProcessConfig, logger *zap.Logger) (*ProcessBackend, error) {
	if cfg.BaseDir == "" {
		cfg.BaseDir = filepath.Join(os.TempDir(), "forge-sandbox")
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = 1 << 20
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox directory: %w", err)
	}
	return &ProcessBackend{cfg: cfg, logger: logging.OrNop(logger).Named("sandbox.process")}, nil
}

// Name implements Backend
func (b *ProcessBackend) Name() string { return "process" }

// Run implements Backend
func (b *ProcessBackend) Run(ctx context.Context, req *ExecutionRequest, argv []string) (*ExecutionResult, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("%s not available: %w", argv[0], err)
	}

	dir, err := os.MkdirTemp(b.cfg.BaseDir, "exec-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	defer b.cleanup(dir)

	if err := writeWorkspace(dir, req.Files); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	cmd := exec.Command(bin, argv[1:]...)
	cmd.Dir = dir
	cmd.Env = b.environment(dir, req.AllowNetwork)
	b.applyResourceLimits(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: b.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: b.cfg.MaxOutputSize}
	if req.Stdin != "" {
		cmd.Stdin = strings.NewReader(req.Stdin)
	}

	start := time.Now()
	result := &ExecutionResult{ID: uuid.New().String(), StartedAt: start}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-execCtx.Done():
		b.terminate(cmd, done)
		result.Duration = time.Since(start)
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result.TimedOut = true
			result.ExitCode = ExitTimeout
		} else {
			result.Killed = true
			result.ExitCode = ExitKilled
		}
		return result, nil

	case err := <-done:
		result.Duration = time.Since(start)
		result.Stdout = stdout.String()
		result.Stderr = stderr.String()
		if err == nil {
			return result, nil
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("wait failed: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			switch status.Signal() {
			case syscall.SIGKILL:
				result.Killed = true
				result.ExitCode = ExitKilled
				result.Stderr += "\nprocess killed (possible memory limit exceeded)"
			case syscall.SIGXCPU:
				result.TimedOut = true
				result.ExitCode = ExitTimeout
				result.Stderr += "\nCPU time limit exceeded"
			}
		}
		return result, nil
	}
}

// terminate sends SIGTERM to the process group, then SIGKILL after the grace
// period.
func (b *ProcessBackend) terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(b.cfg.GracePeriod):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		_ = cmd.Process.Kill()
		<-done
	}
}

func (b *ProcessBackend) applyResourceLimits(cmd *exec.Cmd) {
	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		return
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if b.cfg.MemoryLimitMB <= 0 {
		return
	}
	flag := "-v"
	if runtime.GOOS == "darwin" {
		flag = "-m"
	}
	limit := fmt.Sprintf("ulimit %s %d 2>/dev/null; exec ", flag, b.cfg.MemoryLimitMB*1024)

	escaped := make([]string, len(cmd.Args))
	escaped[0] = escapeShellArg(cmd.Path)
	for i, arg := range cmd.Args[1:] {
		escaped[i+1] = escapeShellArg(arg)
	}
	cmd.Path = "/bin/sh"
	cmd.Args = []string{"sh", "-c", limit + strings.Join(escaped, " ")}
}

func (b *ProcessBackend) environment(dir string, allowNetwork bool) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
	}
	// Toolchain caches live outside the throwaway workspace
	for _, k := range []string{"GOCACHE", "GOPATH", "GOROOT", "CARGO_HOME", "RUSTUP_HOME", "JAVA_HOME"} {
		if v := os.Getenv(k); v != "" {
			env = append(env, k+"="+v)
		}
	}
	if !allowNetwork {
		// Route proxy-aware clients into a closed port
		env = append(env,
			"http_proxy=http://127.0.0.1:9", "https_proxy=http://127.0.0.1:9",
			"HTTP_PROXY=http://127.0.0.1:9", "HTTPS_PROXY=http://127.0.0.1:9",
			"GOPROXY=off",
		)
	}
	return env
}

func (b *ProcessBackend) cleanup(dir string) {
	if dir == "" || !strings.HasPrefix(dir, b.cfg.BaseDir) {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		b.logger.Warn("failed to remove workspace", zap.String("dir", dir), zap.Error(err))
	}
}
