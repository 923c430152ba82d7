package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
	"github.com/Richard1990h/KING-V3-sub001/internal/metrics"
)

// Config bounds every execution
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// AllowNetwork is the global switch; a request gets network only when it
	// asks for it and this is true.
	AllowNetwork bool
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// DefaultConfig returns the production limits
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     120 * time.Second,
		BackoffBase:    250 * time.Millisecond,
		BackoffMax:     4 * time.Second,
	}
}

// Executor normalizes requests, runs them on a backend and classifies the
// outcome.
type Executor struct {
	backend Backend
	langs   *Languages
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewExecutor creates an executor over backend. Zero config fields take the
// DefaultConfig values.
func NewExecutor(backend Backend, cfg Config, logger *zap.Logger) *Executor {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.DefaultTimeout > cfg.MaxTimeout {
		cfg.DefaultTimeout = cfg.MaxTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	return &Executor{
		backend: backend,
		langs:   DefaultLanguages(),
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("sandbox"),
		metrics: metrics.Get(),
	}
}

// Languages returns the language table used by the executor
func (e *Executor) Languages() *Languages { return e.langs }

// Backend returns the backend name
func (e *Executor) Backend() string { return e.backend.Name() }

type prepared struct {
	req  *ExecutionRequest
	cmd  []string
	lang *Language
}

// prepare validates req and returns a normalized copy. The caller's request
// is never modified.
func (e *Executor) prepare(req *ExecutionRequest) (*prepared, error) {
	if req == nil {
		return nil, apperr.Input("execution request is required")
	}
	if len(req.Files) == 0 {
		return nil, apperr.Input("at least one file is required")
	}
	lang, ok := e.langs.Get(req.Language)
	if !ok {
		return nil, apperr.Input(fmt.Sprintf("unsupported language: %s", req.Language))
	}

	n := *req
	n.Language = lang.Name
	if n.Phase == "" {
		n.Phase = PhaseRun
	}
	switch n.Phase {
	case PhaseBuild, PhaseTest, PhaseRun:
	default:
		return nil, apperr.Input(fmt.Sprintf("unknown phase: %s", n.Phase))
	}

	if n.Timeout <= 0 {
		n.Timeout = e.cfg.DefaultTimeout
	}
	if n.Timeout > e.cfg.MaxTimeout {
		n.Timeout = e.cfg.MaxTimeout
	}
	n.AllowNetwork = req.AllowNetwork && e.cfg.AllowNetwork

	n.Files = make(map[string]string, len(req.Files)+len(lang.Scaffold))
	for p, c := range req.Files {
		clean, err := cleanPath(p)
		if err != nil {
			return nil, apperr.Input(err.Error())
		}
		n.Files[clean] = c
	}
	for p, c := range lang.Scaffold {
		if _, exists := n.Files[p]; !exists {
			n.Files[p] = c
		}
	}

	entry, entryErr := lang.ResolveEntryPoint(n.EntryPoint, n.Files)
	cmd := lang.Command(n.Phase, entry)
	if entryErr != nil && needsEntry(lang, n.Phase) {
		return nil, apperr.Input(entryErr.Error())
	}
	n.EntryPoint = entry

	return &prepared{req: &n, cmd: cmd, lang: lang}, nil
}

func needsEntry(lang *Language, phase Phase) bool {
	var tmpl []string
	switch phase {
	case PhaseBuild:
		tmpl = lang.Build
	case PhaseTest:
		tmpl = lang.Test
	default:
		tmpl = lang.Run
	}
	for _, arg := range tmpl {
		if strings.Contains(arg, "{entry}") {
			return true
		}
	}
	return false
}

// Execute runs req once. The error is non-nil only for invalid requests;
// every execution outcome, including backend failures, is a result.
func (e *Executor) Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResult, error) {
	p, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	return e.attempt(ctx, p, 1), nil
}

func (e *Executor) attempt(ctx context.Context, p *prepared, attempt int) *ExecutionResult {
	if p.cmd == nil {
		// Nothing to do for this phase (interpreted language without a test
		// runner, for instance).
		return &ExecutionResult{
			ID:        uuid.New().String(),
			Language:  p.req.Language,
			Phase:     p.req.Phase,
			Success:   true,
			Attempt:   attempt,
			Backend:   e.backend.Name(),
			StartedAt: time.Now(),
			Stdout:    fmt.Sprintf("no %s step for %s", p.req.Phase, p.req.Language),
		}
	}

	e.metrics.SandboxInFlight.Inc()
	defer e.metrics.SandboxInFlight.Dec()

	start := time.Now()
	res, err := e.backend.Run(ctx, p.req, p.cmd)
	if err != nil {
		res = &ExecutionResult{
			ExitCode: ExitEnvironment,
			Stderr:   err.Error(),
			EnvError: err.Error(),
		}
	}
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	if res.StartedAt.IsZero() {
		res.StartedAt = start
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	res.Language = p.req.Language
	res.Phase = p.req.Phase
	res.Attempt = attempt
	res.Backend = e.backend.Name()
	res.Class = Classify(res)
	res.Success = res.Class == ClassNone

	e.metrics.RecordSandboxExecution(res.Language, string(res.Phase), string(res.Class), res.Duration)
	e.logger.Debug("sandbox attempt finished",
		zap.String("project_id", p.req.ProjectID),
		zap.String("language", res.Language),
		zap.String("phase", string(res.Phase)),
		zap.Int("attempt", attempt),
		zap.Int("exit_code", res.ExitCode),
		zap.String("class", string(res.Class)),
		zap.Duration("duration", res.Duration),
	)
	return res
}

// ExecuteWithRetry runs req up to 1+maxRetries times, retrying only results
// classified retryable. It returns the last result and every attempt in
// order. A negative maxRetries is treated as zero. The error is non-nil for
// invalid requests or when ctx ends between attempts.
func (e *Executor) ExecuteWithRetry(ctx context.Context, req *ExecutionRequest, maxRetries int) (*ExecutionResult, []*ExecutionResult, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	p, err := e.prepare(req)
	if err != nil {
		return nil, nil, err
	}

	var attempts []*ExecutionResult
	for i := 1; i <= maxRetries+1; i++ {
		res := e.attempt(ctx, p, i)
		attempts = append(attempts, res)

		if !res.Retryable() || i == maxRetries+1 {
			return res, attempts, nil
		}
		if ctx.Err() != nil {
			return res, attempts, ctx.Err()
		}

		e.metrics.SandboxRetriesTotal.Inc()
		delay := e.backoff(i)
		e.logger.Info("retrying sandbox execution",
			zap.String("project_id", p.req.ProjectID),
			zap.Int("attempt", i),
			zap.Duration("backoff", delay),
			zap.String("reason", retryReason(res)),
		)
		if err := sleep(ctx, delay); err != nil {
			return res, attempts, err
		}
	}
	return attempts[len(attempts)-1], attempts, nil
}

func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryReason(r *ExecutionResult) string {
	switch {
	case r.EnvError != "":
		return "backend error"
	case r.TimedOut:
		return "timeout"
	case r.Killed:
		return "killed"
	default:
		return fmt.Sprintf("exit %d", r.ExitCode)
	}
}
