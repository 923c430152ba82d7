package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/agents"
	"github.com/Richard1990h/KING-V3-sub001/internal/analysis"
	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
	"github.com/Richard1990h/KING-V3-sub001/internal/sandbox"
)

const defaultPipelineTimeout = 5 * time.Minute

// errStepCancelled marks a step whose charge was refused by a cancel request
var errStepCancelled = errors.New("cancelled")

// NewPipelineJob validates req, checks limits and the balance, and returns
// an unsaved pipeline job for the queue.
func (o *Orchestrator) NewPipelineJob(ctx context.Context, userID string, req PipelineRequest) (*jobs.Job, error) {
	if err := req.normalize(o.langs); err != nil {
		return nil, err
	}
	if err := o.limiter.CheckLimit(ctx, req.ProjectID, userID).Err(); err != nil {
		return nil, err
	}
	_, ownKey, err := o.clientFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	job := o.newJob(userID, req.ProjectID, req.Prompt, req.Language, jobs.KindPipeline, ownKey)
	job.Options = jobs.PipelineOptions{
		Files:         maps.Clone(req.Files),
		EntryPoint:    req.EntryPoint,
		RunAfterBuild: req.RunAfterBuild,
		MaxIterations: clampIterations(req.MaxIterations, o.settings.Pipeline.DefaultIterations, o.settings.Pipeline.MaxIterationsCeiling),
	}

	if !job.FreeUsage {
		balance, err := o.ledger.CheckBalance(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("check balance: %w", err)
		}
		if minimum := jobs.CreditsForTokens(o.defaultTaskTokens(), job.CreditRate); balance < minimum {
			return nil, newShortfall(minimum, balance)
		}
	}
	return job, nil
}

// ExecutePipeline runs plan, build, test generation, sandbox execution and
// verification synchronously, looping through fix steps until the gate
// passes or the iterations run out. When the overall timeout expires the
// best verdict so far is returned with TimedOut set.
func (o *Orchestrator) ExecutePipeline(ctx context.Context, userID string, req PipelineRequest) (*PipelineResult, error) {
	job, err := o.NewPipelineJob(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	c, job, err := o.acquire(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	defer o.release(job.ID)
	res, err := o.runPipeline(ctx, c, job)
	if res != nil && errors.Is(err, errSuperseded) {
		return res, nil
	}
	return res, err
}

// pipelineRun tracks one pass of the build/verify loop
type pipelineRun struct {
	*run
	files     map[string]string
	testFiles map[string]string
	result    *PipelineResult
	best      *analysis.Verdict
}

func (o *Orchestrator) runPipeline(ctx context.Context, c *claim, job *jobs.Job) (*PipelineResult, error) {
	sctx := context.WithoutCancel(ctx)
	timeout := o.settings.Pipeline.Timeout
	if timeout <= 0 {
		timeout = defaultPipelineTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := &pipelineRun{
		run:       o.newRun(c, job, true),
		testFiles: map[string]string{},
		result:    &PipelineResult{JobID: job.ID},
	}
	if job.Status != jobs.StatusPending || job.Kind != jobs.KindPipeline {
		return nil, apperr.New(apperr.KindConflict, "INVALID_STATE", fmt.Sprintf("pipeline job is %s", job.Status))
	}
	client, _, err := o.clientFor(ctx, job.UserID)
	if err != nil {
		return nil, p.abandon(sctx, err)
	}
	p.client = client

	if !job.FreeUsage {
		balance, err := o.ledger.CheckBalance(ctx, job.UserID)
		if err != nil {
			return nil, p.abandon(sctx, fmt.Errorf("check balance: %w", err))
		}
		job.CreditsApproved = jobs.RoundCredits(balance)
	}
	if err := o.transition(job, jobs.EventStartDirect); err != nil {
		return nil, err
	}
	if err := p.save(sctx); err != nil {
		return nil, err
	}
	p.emit(sctx, jobs.EventJobStarted, nil, "pipeline started", map[string]any{"max_iterations": job.Options.MaxIterations})

	stored, err := o.files.Read(ctx, job.ProjectID)
	if err != nil {
		return nil, p.finishFailed(sctx, fmt.Sprintf("read project files: %v", err))
	}
	p.files = stored
	maps.Copy(p.files, job.Options.Files)

	err = p.iterate(tctx)
	if err == nil {
		_, err = p.finish(ctx, tctx, sctx)
	}
	if errors.Is(err, errSuperseded) {
		p.fillResult()
		p.result.Reason = "cancelled"
		return p.result, err
	}
	return p.result, err
}

// abandon cancels a pipeline job that could not start
func (p *pipelineRun) abandon(sctx context.Context, cause error) error {
	if err := p.cancel(sctx, "not started: "+cause.Error()); err != nil {
		p.logger.Error("cancel unstarted pipeline", zap.Error(err))
	}
	return cause
}

// iterate runs the plan step and the build/fix iterations. A nil error
// means the loop ended on its own terms (pass, exhaustion, timeout or
// cancel); finish decides the status.
func (p *pipelineRun) iterate(ctx context.Context) error {
	sctx := context.WithoutCancel(ctx)

	if _, err := p.step(ctx, "plan", 0, agents.TypePlanner, "Plan", nil, ""); err != nil {
		if p.stopped(ctx) {
			return nil
		}
		if fatal := p.fatal(sctx, err); fatal != nil || p.job.Status.IsTerminal() {
			return fatal
		}
	}

	var lastErrors []string
	var lastLogs string
	for it := 1; it <= p.job.Options.MaxIterations; it++ {
		if p.stopped(ctx) {
			return nil
		}
		p.result.Iterations = it

		name, agentType, title := "build", agents.TypeDeveloper, "Build"
		if it > 1 {
			name, agentType, title = "fix", agents.TypeDebugger, fmt.Sprintf("Fix (iteration %d)", it)
		}
		res, err := p.step(ctx, name, it, agentType, title, lastErrors, lastLogs)
		if err != nil {
			if p.stopped(ctx) {
				return nil
			}
			if fatal := p.fatal(sctx, err); fatal != nil || p.job.Status.IsTerminal() {
				return fatal
			}
			lastErrors = []string{err.Error()}
			if p.countError(sctx) {
				return nil
			}
			continue
		}
		for _, f := range res.Files {
			p.files[f.Path] = f.Content
		}

		for _, f := range p.o.testgen.Generate(p.job.ProjectID, p.job.Language, p.files) {
			p.files[f.Path] = f.Content
			p.testFiles[f.Path] = f.Content
		}
		if it == 1 {
			tres, err := p.step(ctx, "tests", it, agents.TypeTestDesigner, "Design tests", nil, "")
			if err == nil {
				for _, f := range tres.Files {
					p.files[f.Path] = f.Content
					p.testFiles[f.Path] = f.Content
				}
			} else if fatal := p.fatal(sctx, err); fatal != nil || p.job.Status.IsTerminal() {
				return fatal
			}
		}

		out := &analysis.BuildOutput{}
		if p.job.Options.RunAfterBuild {
			out.Build = p.sandbox(ctx, sandbox.PhaseRun)
			if len(p.testFiles) > 0 {
				out.Test = p.sandbox(ctx, sandbox.PhaseTest)
			}
		}
		if p.stopped(ctx) {
			return nil
		}

		verdict := p.o.gate.Validate(p.job.ProjectID, p.job.Language, p.files, out)
		p.consider(verdict, out)
		if verdict.Passed {
			return nil
		}

		lastErrors = verdict.Errors()
		lastLogs = ""
		if out.Build != nil {
			lastLogs = out.Build.Output()
		}
		if out.Test != nil && !out.Test.Success {
			lastLogs += "\n" + out.Test.Output()
		}
		p.emit(sctx, jobs.EventTaskError, nil, "verification failed", map[string]any{
			"iteration": it,
			"reasons":   lastErrors,
		})
		if p.countError(sctx) {
			return nil
		}
	}
	return nil
}

// step runs one agent call as a task of the job and charges it with
// reference <jobID>:<step>:<iteration>.
func (p *pipelineRun) step(ctx context.Context, name string, iteration int, agentType agents.Type, title string, errs []string, logs string) (*agents.Result, error) {
	sctx := context.WithoutCancel(ctx)
	started := time.Now()

	task := p.o.newTask(p.job, title, p.job.Prompt, agentType, 0)
	p.job.Tasks = append(p.job.Tasks, task)
	p.job.CurrentTaskIndex = task.Order
	if err := jobs.AdvanceTask(task, jobs.TaskRunning, p.o.now()); err != nil {
		return nil, err
	}
	p.emit(sctx, jobs.EventTaskStarted, task, title, map[string]any{"agent": string(agentType), "iteration": iteration})

	agent, err := p.o.registry.Get(agentType)
	var res *agents.Result
	if err == nil {
		res, err = agent.Execute(ctx, &agents.Input{
			AI:          p.client,
			JobID:       p.job.ID,
			ProjectID:   p.job.ProjectID,
			UserID:      p.job.UserID,
			Prompt:      p.job.Prompt,
			Language:    p.job.Language,
			Task:        task,
			Files:       maps.Clone(p.files),
			Errors:      errs,
			BuildLogs:   logs,
			EntryPoint:  p.job.Options.EntryPoint,
		})
	}
	if err == nil && !res.Success && agentType != agents.TypePlanner {
		err = fmt.Errorf("%s: %v", agentType, res.Errors)
	}
	if err != nil {
		task.Error = clip(err.Error(), 4000)
		_ = jobs.AdvanceTask(task, jobs.TaskFailed, p.o.now())
		p.o.metrics.RecordTask(string(agentType), "failed", time.Since(started))
		p.emit(sctx, jobs.EventTaskError, task, clip(task.Error, 500), map[string]any{"iteration": iteration})
		if saveErr := p.save(sctx); saveErr != nil {
			p.logger.Error("save step", zap.Error(saveErr))
		}
		return nil, err
	}

	charge := 0.0
	if !p.job.FreeUsage {
		charge = min(jobs.CreditsForTokens(res.Tokens, p.job.CreditRate), p.job.RemainingApproval())
	}
	ref := fmt.Sprintf("%s:%s:%d", p.job.ID, name, iteration)
	ran, err := p.c.unlessCancelled(func() bool { return p.storedStop(ctx) }, func() error {
		if charge <= 0 {
			return nil
		}
		_, err := p.o.ledger.Debit(ctx, p.job.UserID, charge, "pipeline "+name, ref)
		return err
	})
	task.ActualTokens = res.Tokens
	task.Output = summaryOf(res)
	task.FilesCreated = res.FilePaths()
	switch {
	case !ran:
		charge = 0
		err = errStepCancelled
	case err != nil:
		charge = 0
	}
	task.ActualCredits = charge
	p.job.CreditsUsed = jobs.RoundCredits(p.job.CreditsUsed + charge)
	if err != nil {
		task.Error = err.Error()
		_ = jobs.AdvanceTask(task, jobs.TaskFailed, p.o.now())
		return nil, err
	}

	_ = jobs.AdvanceTask(task, jobs.TaskCompleted, p.o.now())
	p.o.metrics.RecordTask(string(agentType), "completed", time.Since(started))
	if err := p.save(sctx); err != nil {
		if charge > 0 && errors.Is(err, errSuperseded) {
			p.refund(sctx, charge, ref)
		}
		return nil, err
	}
	p.emit(sctx, jobs.EventTaskCompleted, task, title, map[string]any{
		"iteration": iteration,
		"files":     task.FilesCreated,
		"credits":   charge,
	})
	return res, nil
}

// sandbox runs the current file set for phase with the configured retries
func (p *pipelineRun) sandbox(ctx context.Context, phase sandbox.Phase) *sandbox.ExecutionResult {
	if p.o.sandbox == nil || ctx.Err() != nil {
		return nil
	}
	final, attempts, err := p.o.sandbox.ExecuteWithRetry(ctx, &sandbox.ExecutionRequest{
		ProjectID:  p.job.ProjectID,
		Language:   p.job.Language,
		Files:      maps.Clone(p.files),
		EntryPoint: p.job.Options.EntryPoint,
		Phase:      phase,
	}, p.o.settings.Sandbox.MaxRetries)
	if err != nil {
		p.logger.Warn("sandbox rejected request", zap.String("phase", string(phase)), zap.Error(err))
		return &sandbox.ExecutionResult{
			Language: p.job.Language,
			Phase:    phase,
			ExitCode: sandbox.ExitEnvironment,
			Stderr:   err.Error(),
			EnvError: err.Error(),
			Class:    sandbox.ClassTerminal,
		}
	}
	p.logger.Info("sandbox run",
		zap.String("phase", string(phase)),
		zap.Int("attempts", len(attempts)),
		zap.Bool("success", final.Success))
	if phase == sandbox.PhaseRun || p.result.Execution == nil {
		p.result.Execution = final
	}
	return final
}

// consider keeps the best verdict: passing beats failing, then fewer reasons
func (p *pipelineRun) consider(v analysis.Verdict, out *analysis.BuildOutput) {
	if p.best != nil {
		if p.best.Passed && !v.Passed {
			return
		}
		if p.best.Passed == v.Passed && len(v.Reasons) >= len(p.best.Reasons) {
			return
		}
	}
	p.best = &v
	if out.Build != nil {
		p.result.Execution = out.Build
	}
}

func (p *pipelineRun) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || p.cancelRequested(ctx)
}

// countError records a failed iteration and fails the job past MaxErrors
func (p *pipelineRun) countError(sctx context.Context) bool {
	p.job.ErrorCount++
	if p.job.ErrorCount <= p.job.MaxErrors {
		return false
	}
	if err := p.finishFailed(sctx, fmt.Sprintf("too many errors (%d)", p.job.ErrorCount)); err != nil {
		p.logger.Error("fail job", zap.Error(err))
	}
	return true
}

// fatal ends the job for errors no further iteration can fix
func (p *pipelineRun) fatal(sctx context.Context, err error) error {
	switch {
	case apperr.IsKind(err, apperr.KindInsufficientCredits):
		return p.finishFailed(sctx, "insufficient credits")
	case errors.Is(err, agents.ErrNoModel):
		return p.finishFailed(sctx, err.Error())
	}
	return nil
}

func (p *pipelineRun) finishFailed(sctx context.Context, reason string) error {
	p.result.Reason = reason
	if err := p.failJob(sctx, nil, reason); err != nil {
		return err
	}
	return p.saveResult(sctx)
}

// saveResult stores the full bundle over the partial one the terminal
// transition wrote
func (p *pipelineRun) saveResult(sctx context.Context) error {
	p.fillResult()
	return p.save(sctx)
}

// finish settles the job status once the loop has ended
func (p *pipelineRun) finish(ctx, tctx, sctx context.Context) (*PipelineResult, error) {
	if p.job.Status.IsTerminal() {
		p.fillResult()
		return p.result, nil
	}

	if p.c.isCancelled() || ctx.Err() != nil {
		p.result.Reason = "cancelled"
		if err := p.cancel(sctx, "cancelled"); err != nil {
			return p.result, err
		}
		return p.result, p.saveResult(sctx)
	}

	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		p.result.TimedOut = true
	}
	if p.best == nil {
		p.best = &analysis.Verdict{Reasons: []analysis.Reason{{Kind: analysis.ReasonBuild, Message: "no verification completed"}}}
	}
	switch {
	case p.best.Passed:
	case p.result.TimedOut:
		p.result.Reason = "timed out before verification passed"
	default:
		p.result.Reason = fmt.Sprintf("verification failed after %d iterations", p.result.Iterations)
	}

	if err := p.o.transition(p.job, jobs.EventComplete); err != nil {
		return p.result, err
	}
	p.fillResult()
	if err := p.save(sctx); err != nil {
		return p.result, err
	}
	p.emit(sctx, jobs.EventJobCompleted, nil, "pipeline finished", map[string]any{
		"passed":     p.best.Passed,
		"iterations": p.result.Iterations,
		"timed_out":  p.result.TimedOut,
	})
	return p.result, nil
}

// fillResult copies the outcome into the result and the job's bundle
func (p *pipelineRun) fillResult() {
	code := make(map[string]string, len(p.files))
	for path, content := range p.files {
		if _, isTest := p.testFiles[path]; !isTest {
			code[path] = content
		}
	}
	r := p.result
	r.Files = code
	r.TestFiles = p.testFiles
	if p.best != nil {
		r.Verdict = *p.best
	}
	r.CreditsUsed = p.job.CreditsUsed
	r.Status = p.job.Status

	bundle := &jobs.Result{
		Files:       code,
		TestFiles:   p.testFiles,
		Passed:      r.Verdict.Passed,
		Reasons:     r.Verdict.Errors(),
		Iterations:  r.Iterations,
		TimedOut:    r.TimedOut,
		CreditsUsed: r.CreditsUsed,
	}
	if r.Execution != nil {
		bundle.Stdout = r.Execution.Stdout
		bundle.Stderr = r.Execution.Stderr
	}
	p.job.Result = bundle
}
