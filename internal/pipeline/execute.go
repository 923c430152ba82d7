package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/agents"
	"github.com/Richard1990h/KING-V3-sub001/internal/ai"
	"github.com/Richard1990h/KING-V3-sub001/internal/analysis"
	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
	"github.com/Richard1990h/KING-V3-sub001/internal/sandbox"
)

// ExecuteJob runs an approved job's tasks in the background and streams its
// progress. The channel closes when the job finishes or pauses. Cancelling
// ctx cancels the job at its next task boundary.
func (o *Orchestrator) ExecuteJob(ctx context.Context, jobID, userID string) (<-chan jobs.ProgressEvent, error) {
	c, job, err := o.acquire(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		o.release(jobID)
		return nil, ErrForbidden
	}
	if job.Kind != jobs.KindInteractive || job.Status != jobs.StatusRunning {
		o.release(jobID)
		return nil, apperr.New(apperr.KindConflict, "INVALID_STATE", fmt.Sprintf("%s job is %s, not approved for execution", job.Kind, job.Status))
	}

	out := make(chan jobs.ProgressEvent, 64)
	r := o.newRun(c, job, true)
	r.sink = func(ev jobs.ProgressEvent) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
	go func() {
		defer close(out)
		defer o.release(jobID)
		if err := settled(r.loop(ctx)); err != nil {
			r.logger.Warn("job run stopped", zap.Error(err))
		}
	}()
	return out, nil
}

// RunJob is the queue worker entrypoint. Approved interactive jobs run their
// task loop; pending pipeline jobs run the full pipeline. Jobs in any other
// state are left alone. Worker shutdown leaves an interactive job running so
// it can be dispatched again.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string) error {
	c, job, err := o.acquire(ctx, jobID)
	if err != nil {
		return err
	}
	defer o.release(jobID)

	switch {
	case job.Kind == jobs.KindPipeline && job.Status == jobs.StatusPending:
		_, err := o.runPipeline(ctx, c, job)
		return settled(err)
	case job.Kind == jobs.KindInteractive && job.Status == jobs.StatusRunning:
		return settled(o.newRun(c, job, false).loop(ctx))
	default:
		o.logger.Debug("nothing to run",
			zap.String("job_id", jobID),
			zap.String("kind", string(job.Kind)),
			zap.String("status", string(job.Status)))
		return nil
	}
}

// errSuperseded stops a run whose job was written by another process,
// which only happens when that process cancelled it
var errSuperseded = errors.New("job was finished by another writer")

// settled drops errSuperseded: the job reached a final state elsewhere
func settled(err error) error {
	if errors.Is(err, errSuperseded) {
		return nil
	}
	return err
}

// run is one executing pass over a job's tasks. It is the only writer of
// the job while it holds the claim.
type run struct {
	o      *Orchestrator
	c      *claim
	job    *jobs.Job
	client ai.Client
	sink   func(jobs.ProgressEvent)
	// cancelOnCtx turns ctx cancellation into job cancellation
	cancelOnCtx bool
	logger      *zap.Logger
}

func (o *Orchestrator) newRun(c *claim, job *jobs.Job, cancelOnCtx bool) *run {
	return &run{
		o:           o,
		c:           c,
		job:         job,
		cancelOnCtx: cancelOnCtx,
		logger:      o.logger.With(zap.String("job_id", job.ID), zap.String("user_id", job.UserID)),
	}
}

func (r *run) emit(ctx context.Context, typ jobs.EventType, task *jobs.Task, msg string, data map[string]any) {
	ev := r.o.emit(ctx, r.job, typ, task, msg, data)
	if r.sink != nil {
		r.sink(ev)
	}
}

// save writes the job. A stale write means another process cancelled the
// job; the run then adopts the stored state and stops with errSuperseded.
func (r *run) save(ctx context.Context) error {
	r.job.UpdatedAt = r.o.now()
	err := r.o.jobs.Save(ctx, r.job)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jobs.ErrStale):
		return r.superseded(ctx)
	default:
		return fmt.Errorf("save job %s: %w", r.job.ID, err)
	}
}

func (r *run) superseded(ctx context.Context) error {
	r.c.requestCancel()
	r.o.forgetSeq(r.job.ID)
	stored, err := r.o.jobs.Get(ctx, r.job.ID)
	if err != nil {
		r.logger.Warn("reload superseded job", zap.Error(err))
		return errSuperseded
	}
	r.job = stored
	r.logger.Info("job was finished by another writer", zap.String("status", string(stored.Status)))
	return errSuperseded
}

// cancelRequested reports a cancel asked for in this process, through ctx
// or in the stored job by any process
func (r *run) cancelRequested(ctx context.Context) bool {
	if r.c.isCancelled() || r.job.CancelRequested || (r.cancelOnCtx && ctx.Err() != nil) {
		return true
	}
	if r.storedStop(ctx) {
		r.c.requestCancel()
		return true
	}
	return false
}

// storedStop reads the job's stored cancel flag and status. A failed read
// does not stop the run; the next save still detects a cancel.
func (r *run) storedStop(ctx context.Context) bool {
	stopped, err := r.o.jobs.Stopped(context.WithoutCancel(ctx), r.job.ID)
	if err != nil {
		r.logger.Warn("read stored cancel state", zap.Error(err))
		return false
	}
	return stopped
}

// refund returns a charge that the stored job never recorded because
// another process cancelled it first
func (r *run) refund(sctx context.Context, amount float64, ref string) {
	if _, err := r.o.ledger.Grant(sctx, r.job.UserID, amount, "refund: job cancelled", ref+":refund"); err != nil {
		r.logger.Error("refund charge", zap.String("reference", ref), zap.Error(err))
		return
	}
	r.logger.Info("charge refunded", zap.String("reference", ref), zap.Float64("credits", amount))
}

// loop runs tasks from CurrentTaskIndex until the job completes, fails,
// pauses or is cancelled.
func (r *run) loop(ctx context.Context) error {
	sctx := context.WithoutCancel(ctx)

	client, _, err := r.o.clientFor(ctx, r.job.UserID)
	if err != nil {
		return err
	}
	r.client = client
	r.emit(sctx, jobs.EventJobStarted, nil, "job started", map[string]any{
		"task_count":         len(r.job.Tasks),
		"current_task_index": r.job.CurrentTaskIndex,
	})

	for {
		if r.cancelRequested(ctx) {
			return r.cancel(sctx, "cancelled")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		task := r.job.CurrentTask()
		if task == nil {
			return r.complete(sctx)
		}
		switch task.Status {
		case jobs.TaskPending:
		case jobs.TaskRunning:
			// left running by a previous process
			if err := r.interrupt(sctx, task, errors.New("process restarted")); err != nil {
				return err
			}
			continue
		default:
			r.job.CurrentTaskIndex++
			continue
		}

		paused, err := r.creditGuard(ctx, sctx, task)
		if err != nil {
			return r.abort(ctx, sctx, nil, err)
		}
		if paused {
			return nil
		}
		if err := r.runTask(ctx, sctx, task); err != nil {
			return err
		}
		if r.job.Status != jobs.StatusRunning {
			return nil
		}
	}
}

// creditGuard pauses the job when the next task would exceed the approved
// budget or the balance.
func (r *run) creditGuard(ctx, sctx context.Context, task *jobs.Task) (bool, error) {
	if r.job.FreeUsage {
		return false, nil
	}
	need := jobs.RoundCredits(r.job.CreditsUsed + task.EstimatedCredits)
	if need > r.job.CreditsApproved {
		return true, r.pause(sctx, need, r.job.CreditsApproved)
	}
	balance, err := r.o.ledger.CheckBalance(ctx, r.job.UserID)
	if err != nil {
		return false, fmt.Errorf("check balance: %w", err)
	}
	if balance < task.EstimatedCredits {
		return true, r.pause(sctx, task.EstimatedCredits, balance)
	}
	return false, nil
}

func (r *run) pause(sctx context.Context, required, available float64) error {
	s := newShortfall(required, available)
	r.job.Shortfall = s.Shortfall
	if err := r.o.transition(r.job, jobs.EventPause); err != nil {
		return err
	}
	if err := r.save(sctx); err != nil {
		return err
	}
	r.emit(sctx, jobs.EventNeedsCredits, nil, "more credits are needed to continue", map[string]any{
		"required":  s.Required,
		"available": s.Available,
		"shortfall": s.Shortfall,
	})
	r.logger.Info("job paused for credits", zap.Float64("shortfall", s.Shortfall))
	return nil
}

// runTask executes the current task and records its outcome
func (r *run) runTask(ctx, sctx context.Context, task *jobs.Task) error {
	started := time.Now()
	logger := r.logger.With(zap.String("task_id", task.ID), zap.String("agent", task.AgentType))

	if err := jobs.AdvanceTask(task, jobs.TaskRunning, r.o.now()); err != nil {
		return err
	}
	if err := r.save(sctx); err != nil {
		return err
	}
	r.emit(sctx, jobs.EventTaskStarted, task, task.Title, map[string]any{"agent": task.AgentType})

	files, err := r.o.files.Read(ctx, r.job.ProjectID)
	if err != nil {
		return r.abort(ctx, sctx, task, fmt.Errorf("read project files: %w", err))
	}
	in := r.input(task, files)

	agent, err := r.o.registry.Get(agents.Type(task.AgentType))
	var res *agents.Result
	if err == nil {
		res, err = agent.Execute(ctx, in)
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return r.abort(ctx, sctx, task, ctx.Err())
		case errors.Is(err, agents.ErrNoModel):
			return r.failJob(sctx, task, err.Error())
		}
		logger.Warn("agent failed", zap.Error(err))
		return r.taskFailed(ctx, sctx, task, in, failure{errors: []string{err.Error()}}, started)
	}

	produced := make(map[string]string, len(res.Files))
	for _, f := range res.Files {
		produced[f.Path] = f.Content
	}
	out := &analysis.BuildOutput{Build: res.Execution}
	if len(produced) > 0 {
		merged := maps.Clone(in.Files)
		maps.Copy(merged, produced)
		if exec := r.execute(ctx, merged); exec != nil {
			out.Build = exec
		}
		if ctx.Err() != nil {
			return r.abort(ctx, sctx, task, ctx.Err())
		}
	}

	verdict := r.o.gate.Validate(r.job.ProjectID, r.job.Language, produced, out)
	if !res.Success || !verdict.Passed {
		errs := append(slices.Clone(res.Errors), verdict.Errors()...)
		if len(errs) == 0 {
			errs = []string{fmt.Sprintf("%s reported failure", task.AgentType)}
		}
		f := failure{files: produced, errors: errs}
		if out.Build != nil {
			f.logs = out.Build.Output()
		}
		return r.taskFailed(ctx, sctx, task, in, f, started)
	}
	return r.taskSucceeded(ctx, sctx, task, res, produced, started)
}

// input assembles the agent input. Corrective tasks see the failing task's
// files, errors and logs.
func (r *run) input(task *jobs.Task, files map[string]string) *agents.Input {
	in := &agents.Input{
		AI:         r.client,
		JobID:      r.job.ID,
		ProjectID:  r.job.ProjectID,
		UserID:     r.job.UserID,
		Prompt:     r.job.Prompt,
		Language:   r.job.Language,
		Task:       task,
		Files:      files,
		EntryPoint: r.job.Options.EntryPoint,
	}
	for _, t := range r.job.Tasks {
		if t.Status == jobs.TaskCompleted && t.Output != "" {
			in.PreviousOutputs = append(in.PreviousOutputs, agents.PreviousOutput{Agent: agents.Type(t.AgentType), Summary: t.Output})
		}
	}
	if task.ParentTaskID == "" {
		return in
	}
	if f, ok := r.c.failure(task.ParentTaskID); ok {
		in.Files = maps.Clone(files)
		maps.Copy(in.Files, f.files)
		in.Errors = f.errors
		in.BuildLogs = f.logs
		in.TargetFiles = slices.Sorted(maps.Keys(f.files))
	} else if parent := r.job.TaskByID(task.ParentTaskID); parent != nil {
		in.Errors = []string{parent.Error}
		in.TargetFiles = parent.FilesCreated
	}
	return in
}

// execute runs the merged file set when the job asks for it and an entry
// point can be resolved. Nil means nothing ran.
func (r *run) execute(ctx context.Context, files map[string]string) *sandbox.ExecutionResult {
	if !r.job.Options.RunAfterBuild || r.o.sandbox == nil {
		return nil
	}
	lang, ok := r.o.langs.Get(r.job.Language)
	if !ok {
		return nil
	}
	entry, err := lang.ResolveEntryPoint(r.job.Options.EntryPoint, files)
	if err != nil {
		r.logger.Debug("skipping run", zap.Error(err))
		return nil
	}
	final, attempts, err := r.o.sandbox.ExecuteWithRetry(ctx, &sandbox.ExecutionRequest{
		ProjectID:  r.job.ProjectID,
		Language:   lang.Name,
		Files:      files,
		EntryPoint: entry,
		Phase:      sandbox.PhaseRun,
	}, r.o.settings.Sandbox.MaxRetries)
	if err != nil {
		r.logger.Warn("sandbox rejected request", zap.Error(err))
		return nil
	}
	r.logger.Info("sandbox run",
		zap.Int("attempts", len(attempts)),
		zap.Bool("success", final.Success),
		zap.String("class", string(final.Class)))
	return final
}

func (r *run) taskSucceeded(ctx, sctx context.Context, task *jobs.Task, res *agents.Result, produced map[string]string, started time.Time) error {
	paths := slices.Sorted(maps.Keys(produced))
	for _, p := range paths {
		if err := r.o.files.Write(ctx, r.job.ProjectID, p, produced[p]); err != nil {
			return r.abort(ctx, sctx, task, fmt.Errorf("write %s: %w", p, err))
		}
	}

	charge := 0.0
	if !r.job.FreeUsage {
		charge = min(jobs.CreditsForTokens(res.Tokens, r.job.CreditRate), r.job.RemainingApproval())
	}
	ref := r.job.ID + ":" + task.ID
	ran, err := r.c.unlessCancelled(func() bool { return r.storedStop(ctx) }, func() error {
		if r.cancelOnCtx && ctx.Err() != nil {
			return ctx.Err()
		}
		if charge <= 0 {
			return nil
		}
		_, err := r.o.ledger.Debit(ctx, r.job.UserID, charge, "task: "+task.Title, ref)
		return err
	})

	task.ActualTokens = res.Tokens
	task.Output = summaryOf(res)
	task.FilesCreated = paths
	if !ran || (err != nil && r.cancelRequested(ctx)) {
		// the work is kept but not charged
		_ = jobs.AdvanceTask(task, jobs.TaskCompleted, r.o.now())
		return r.cancel(sctx, "cancelled")
	}
	if err != nil {
		if apperr.IsKind(err, apperr.KindInsufficientCredits) {
			task.Error = "insufficient credits"
			_ = jobs.AdvanceTask(task, jobs.TaskFailed, r.o.now())
			return r.failJob(sctx, nil, "insufficient credits")
		}
		return r.abort(ctx, sctx, task, fmt.Errorf("debit: %w", err))
	}

	task.ActualCredits = charge
	r.job.CreditsUsed = jobs.RoundCredits(r.job.CreditsUsed + charge)
	if err := jobs.AdvanceTask(task, jobs.TaskCompleted, r.o.now()); err != nil {
		return err
	}
	r.o.metrics.RecordTask(task.AgentType, "completed", time.Since(started))
	r.job.CurrentTaskIndex++
	if err := r.o.transition(r.job, jobs.EventTaskDone); err != nil {
		return err
	}
	if err := r.save(sctx); err != nil {
		if charge > 0 && errors.Is(err, errSuperseded) {
			r.refund(sctx, charge, ref)
		}
		return err
	}
	r.emit(sctx, jobs.EventTaskCompleted, task, task.Title, map[string]any{
		"files":   paths,
		"tokens":  res.Tokens,
		"credits": charge,
	})
	return nil
}

// taskFailed records the failure and either fails the job or inserts a
// corrective task right after the failed one.
func (r *run) taskFailed(ctx, sctx context.Context, task *jobs.Task, in *agents.Input, f failure, started time.Time) error {
	task.Error = clip(strings.Join(f.errors, "\n"), 4000)
	task.FilesCreated = slices.Sorted(maps.Keys(f.files))
	if err := jobs.AdvanceTask(task, jobs.TaskFailed, r.o.now()); err != nil {
		return err
	}
	r.o.metrics.RecordTask(task.AgentType, "failed", time.Since(started))
	r.job.ErrorCount++
	r.emit(sctx, jobs.EventTaskError, task, clip(task.Error, 500), map[string]any{"error_count": r.job.ErrorCount})

	if r.job.ErrorCount > r.job.MaxErrors {
		return r.failJob(sctx, nil, fmt.Sprintf("too many errors (%d): %s", r.job.ErrorCount, clip(task.Error, 500)))
	}

	r.c.remember(task.ID, f)
	fix := r.correctiveTask(ctx, task, in, f)
	r.job.InsertAfter(r.job.CurrentTaskIndex, fix)
	r.job.CurrentTaskIndex++
	if err := r.o.transition(r.job, jobs.EventTaskDone); err != nil {
		return err
	}
	r.o.metrics.FixCyclesTotal.Inc()
	if err := r.save(sctx); err != nil {
		return err
	}
	r.emit(sctx, jobs.EventAutoFixApplied, fix, fix.Title, map[string]any{
		"agent":          fix.AgentType,
		"parent_task_id": task.ID,
	})
	return nil
}

// correctiveTask asks the error analyzer for the best fix, defaulting to a
// debugger task. Analysis is not charged.
func (r *run) correctiveTask(ctx context.Context, failed *jobs.Task, in *agents.Input, f failure) *jobs.Task {
	agentType := agents.TypeDebugger
	desc := fmt.Sprintf("Fix the errors from %q", failed.Title)

	if analyzer, err := r.o.registry.Get(agents.TypeErrorAnalyzer); err == nil && ctx.Err() == nil {
		ain := *in
		ain.Task = failed
		ain.Files = maps.Clone(in.Files)
		maps.Copy(ain.Files, f.files)
		ain.Errors = f.errors
		ain.BuildLogs = f.logs
		res, err := analyzer.Execute(ctx, &ain)
		switch {
		case err != nil:
			r.logger.Warn("error analysis failed", zap.String("task_id", failed.ID), zap.Error(err))
		case len(res.FixTasks) > 0:
			agentType = res.FixTasks[0].AgentType
			desc = res.FixTasks[0].Description
		}
	}

	fix := r.o.newTask(r.job, "Fix: "+failed.Title, desc, agentType, failed.EstimatedTokens)
	fix.ParentTaskID = failed.ID
	return fix
}

func (r *run) complete(sctx context.Context) error {
	if err := r.o.transition(r.job, jobs.EventComplete); err != nil {
		return err
	}
	r.job.Result = partialResult(sctx, r.o.files, r.job)
	r.job.Result.Passed = true
	if err := r.save(sctx); err != nil {
		return err
	}
	r.emit(sctx, jobs.EventJobCompleted, nil, "job completed", map[string]any{
		"credits_used": r.job.CreditsUsed,
		"files":        r.job.CompletedFiles(),
	})
	r.logger.Info("job completed", zap.Float64("credits_used", r.job.CreditsUsed), zap.Int("errors", r.job.ErrorCount))
	return nil
}

// failJob ends the job as failed. A running task is failed with it.
func (r *run) failJob(sctx context.Context, task *jobs.Task, reason string) error {
	if task != nil && task.Status == jobs.TaskRunning {
		task.Error = reason
		_ = jobs.AdvanceTask(task, jobs.TaskFailed, r.o.now())
	}
	r.job.SkipPending()
	r.job.Error = reason
	if err := r.o.transition(r.job, jobs.EventFail); err != nil {
		return err
	}
	r.job.Result = partialResult(sctx, r.o.files, r.job)
	if err := r.save(sctx); err != nil {
		return err
	}
	r.emit(sctx, jobs.EventJobFailed, nil, reason, map[string]any{"error_count": r.job.ErrorCount})
	r.logger.Warn("job failed", zap.String("reason", reason))
	return nil
}

func (r *run) cancel(sctx context.Context, reason string) error {
	for _, t := range r.job.Tasks {
		if t.Status == jobs.TaskRunning {
			t.Error = "cancelled"
			_ = jobs.AdvanceTask(t, jobs.TaskFailed, r.o.now())
		}
	}
	r.job.SkipPending()
	r.job.CancelRequested = true
	if err := r.o.transition(r.job, jobs.EventCancel); err != nil {
		return err
	}
	r.job.Result = partialResult(sctx, r.o.files, r.job)
	if err := r.save(sctx); err != nil {
		return err
	}
	r.emit(sctx, jobs.EventJobCancelled, nil, reason, nil)
	r.logger.Info("job cancelled")
	return nil
}

// abort stops the run after an infrastructure error. The job stays running
// and the interrupted task is queued again, unless cancellation was asked
// for.
func (r *run) abort(ctx, sctx context.Context, task *jobs.Task, cause error) error {
	if r.cancelRequested(ctx) {
		return r.cancel(sctx, "cancelled")
	}
	if task != nil && task.Status == jobs.TaskRunning {
		if err := r.interrupt(sctx, task, cause); err != nil {
			r.logger.Error("record interrupted task", zap.Error(err))
		}
	}
	return cause
}

// interrupt fails a running task without counting an error and queues a
// fresh copy of it in its place.
func (r *run) interrupt(sctx context.Context, task *jobs.Task, cause error) error {
	task.Error = "interrupted: " + cause.Error()
	if err := jobs.AdvanceTask(task, jobs.TaskFailed, r.o.now()); err != nil {
		return err
	}
	again := r.o.newTask(r.job, task.Title, task.Description, agents.Type(task.AgentType), task.EstimatedTokens)
	again.ParentTaskID = task.ParentTaskID
	r.job.InsertAfter(task.Order, again)
	r.job.CurrentTaskIndex = again.Order
	return r.save(sctx)
}

func summaryOf(res *agents.Result) string {
	if s := strings.TrimSpace(res.Summary); s != "" {
		return clip(s, 2000)
	}
	return clip(strings.TrimSpace(res.Content), 2000)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
