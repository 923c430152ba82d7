package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
)

// scriptedBackend returns queued outcomes in order and records every call.
type scriptedBackend struct {
	mu       sync.Mutex
	outcomes []func() (*ExecutionResult, error)
	calls    []*ExecutionRequest
	argv     [][]string
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Run(_ context.Context, req *ExecutionRequest, argv []string) (*ExecutionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, req)
	b.argv = append(b.argv, argv)
	if len(b.outcomes) == 0 {
		return &ExecutionResult{Stdout: "ok"}, nil
	}
	next := b.outcomes[0]
	b.outcomes = b.outcomes[1:]
	return next()
}

func exitWith(code int) func() (*ExecutionResult, error) {
	return func() (*ExecutionResult, error) { return &ExecutionResult{ExitCode: code}, nil }
}

func timedOut() (*ExecutionResult, error) {
	return &ExecutionResult{ExitCode: ExitTimeout, TimedOut: true}, nil
}

func backendDown() (*ExecutionResult, error) {
	return nil, errors.New("daemon unreachable")
}

func newTestExecutor(b Backend, cfg Config) *Executor {
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	return NewExecutor(b, cfg, nil)
}

func helloRequest() *ExecutionRequest {
	return &ExecutionRequest{
		ProjectID: "p1",
		Language:  "python",
		Files:     map[string]string{"main.py": "print('hello')"},
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		result ExecutionResult
		want   FailureClass
	}{
		{"success", ExecutionResult{ExitCode: 0}, ClassNone},
		{"program error", ExecutionResult{ExitCode: 1}, ClassTerminal},
		{"compiler error", ExecutionResult{ExitCode: 2}, ClassTerminal},
		{"timeout flag", ExecutionResult{ExitCode: ExitTimeout, TimedOut: true}, ClassRetryable},
		{"timeout exit code", ExecutionResult{ExitCode: ExitTimeout}, ClassRetryable},
		{"oom killed", ExecutionResult{ExitCode: ExitKilled}, ClassRetryable},
		{"backend error", ExecutionResult{ExitCode: ExitEnvironment, EnvError: "boom"}, ClassRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(&tt.result))
		})
	}
}

func TestExecute_NormalizesRequest(t *testing.T) {
	b := &scriptedBackend{}
	e := newTestExecutor(b, Config{DefaultTimeout: 30 * time.Second, MaxTimeout: 120 * time.Second})

	req := helloRequest()
	req.Timeout = 10 * time.Minute
	req.AllowNetwork = true

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ClassNone, res.Class)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, PhaseRun, res.Phase)

	require.Len(t, b.calls, 1)
	sent := b.calls[0]
	assert.Equal(t, 120*time.Second, sent.Timeout, "timeout clamped to max")
	assert.False(t, sent.AllowNetwork, "network needs the global switch too")
	assert.Equal(t, "main.py", sent.EntryPoint)
	assert.Equal(t, []string{"python3", "main.py"}, b.argv[0])

	assert.Equal(t, 10*time.Minute, req.Timeout, "caller request untouched")
	assert.Empty(t, req.EntryPoint)
}

func TestExecute_DefaultTimeoutAndNetworkSwitch(t *testing.T) {
	b := &scriptedBackend{}
	e := newTestExecutor(b, Config{AllowNetwork: true})

	req := helloRequest()
	req.AllowNetwork = true
	_, err := e.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, b.calls[0].Timeout)
	assert.True(t, b.calls[0].AllowNetwork)
}

func TestExecute_InvalidRequests(t *testing.T) {
	e := newTestExecutor(&scriptedBackend{}, Config{})

	tests := []struct {
		name string
		req  *ExecutionRequest
	}{
		{"nil", nil},
		{"no files", &ExecutionRequest{Language: "python"}},
		{"unknown language", &ExecutionRequest{Language: "cobol", Files: map[string]string{"a.cob": "x"}}},
		{"traversal", &ExecutionRequest{Language: "python", Files: map[string]string{"../evil.py": "x"}}},
		{"missing entry", &ExecutionRequest{Language: "python", EntryPoint: "app.py", Files: map[string]string{"main.py": "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindInput))
		})
	}
}

func TestExecute_BackendErrorBecomesRetryableResult(t *testing.T) {
	b := &scriptedBackend{outcomes: []func() (*ExecutionResult, error){backendDown}}
	e := newTestExecutor(b, Config{})

	res, err := e.Execute(context.Background(), helloRequest())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ClassRetryable, res.Class)
	assert.Equal(t, ExitEnvironment, res.ExitCode)
	assert.Contains(t, res.Stderr, "daemon unreachable")
}

func TestExecuteWithRetry_TransientThenSuccess(t *testing.T) {
	b := &scriptedBackend{outcomes: []func() (*ExecutionResult, error){timedOut, backendDown, exitWith(0)}}
	e := newTestExecutor(b, Config{})

	final, attempts, err := e.ExecuteWithRetry(context.Background(), helloRequest(), 3)
	require.NoError(t, err)
	assert.True(t, final.Success)
	require.Len(t, attempts, 3)
	assert.Len(t, b.calls, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Attempt)
	}
	assert.Equal(t, ClassRetryable, attempts[0].Class)
	assert.Equal(t, ClassRetryable, attempts[1].Class)
	assert.Same(t, attempts[2], final)
}

func TestExecuteWithRetry_TerminalIsNotRetried(t *testing.T) {
	b := &scriptedBackend{outcomes: []func() (*ExecutionResult, error){exitWith(1), exitWith(0)}}
	e := newTestExecutor(b, Config{})

	final, attempts, err := e.ExecuteWithRetry(context.Background(), helloRequest(), 5)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
	assert.Equal(t, ClassTerminal, final.Class)
	assert.False(t, final.Success)
}

func TestExecuteWithRetry_AttemptBound(t *testing.T) {
	tests := []struct {
		maxRetries int
		want       int
	}{
		{-3, 1},
		{0, 1},
		{1, 2},
		{4, 5},
	}
	for _, tt := range tests {
		b := &scriptedBackend{}
		for i := 0; i < 10; i++ {
			b.outcomes = append(b.outcomes, timedOut)
		}
		e := newTestExecutor(b, Config{})

		final, attempts, err := e.ExecuteWithRetry(context.Background(), helloRequest(), tt.maxRetries)
		require.NoError(t, err)
		assert.Len(t, attempts, tt.want, "maxRetries=%d", tt.maxRetries)
		assert.Equal(t, ClassRetryable, final.Class)
	}
}

func TestExecuteWithRetry_StopsWhenContextEnds(t *testing.T) {
	b := &scriptedBackend{outcomes: []func() (*ExecutionResult, error){timedOut, timedOut, timedOut}}
	e := NewExecutor(b, Config{BackoffBase: time.Hour, BackoffMax: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, attempts, err := e.ExecuteWithRetry(ctx, helloRequest(), 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, attempts, 1)
}

func TestExecute_PhaseWithoutCommand(t *testing.T) {
	b := &scriptedBackend{}
	e := newTestExecutor(b, Config{})

	res, err := e.Execute(context.Background(), &ExecutionRequest{
		Language: "java",
		Phase:    PhaseTest,
		Files:    map[string]string{"Main.java": "class Main {}"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, b.calls)
}

func TestExecute_GoScaffold(t *testing.T) {
	b := &scriptedBackend{}
	e := newTestExecutor(b, Config{})

	_, err := e.Execute(context.Background(), &ExecutionRequest{
		Language: "golang",
		Files:    map[string]string{"main.go": "package main\nfunc main() {}"},
	})
	require.NoError(t, err)
	require.Len(t, b.calls, 1)
	assert.Contains(t, b.calls[0].Files, "go.mod")
	assert.Equal(t, "go", b.calls[0].Language)
}

func TestBackoffIsCapped(t *testing.T) {
	e := NewExecutor(&scriptedBackend{}, Config{BackoffBase: 250 * time.Millisecond, BackoffMax: 4 * time.Second}, nil)
	assert.Equal(t, 250*time.Millisecond, e.backoff(1))
	assert.Equal(t, 500*time.Millisecond, e.backoff(2))
	assert.Equal(t, 2*time.Second, e.backoff(4))
	assert.Equal(t, 4*time.Second, e.backoff(10))
}
