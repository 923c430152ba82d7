package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/agents"
	"github.com/Richard1990h/KING-V3-sub001/internal/ai"
	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
)

// CreateJob validates the request, checks the user's limits and plans the
// job. The returned job awaits approval; nothing is charged. A rejected
// limit check creates no record.
func (o *Orchestrator) CreateJob(ctx context.Context, userID string, req CreateJobRequest) (*jobs.Job, error) {
	if err := req.normalize(o.langs); err != nil {
		return nil, err
	}
	if err := o.limiter.CheckLimit(ctx, req.ProjectID, userID).Err(); err != nil {
		return nil, err
	}
	client, ownKey, err := o.clientFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	job := o.newJob(userID, req.ProjectID, req.Prompt, req.Language, jobs.KindInteractive, ownKey)
	job.Options = jobs.PipelineOptions{EntryPoint: req.EntryPoint, RunAfterBuild: req.RunAfterBuild}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	logger := o.logger.With(zap.String("job_id", job.ID), zap.String("user_id", userID))

	if err := o.transition(job, jobs.EventPlan); err != nil {
		return nil, err
	}
	if err := o.jobs.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}

	plan, err := o.plan(ctx, job, client)
	if err != nil {
		sctx := context.WithoutCancel(ctx)
		job.Error = "planning interrupted: " + err.Error()
		job.CancelRequested = true
		if terr := o.transition(job, jobs.EventCancel); terr == nil {
			if serr := o.jobs.Save(sctx, job); serr != nil {
				logger.Error("save interrupted job", zap.Error(serr))
			}
		}
		return nil, err
	}
	for _, p := range plan.Plan {
		job.Tasks = append(job.Tasks, o.newTask(job, p.Title, p.Description, p.AgentType, p.EstimatedTokens))
	}
	job.TotalEstimatedCredits = job.PendingEstimate()

	if err := o.transition(job, jobs.EventPlanReady); err != nil {
		return nil, err
	}
	if err := o.jobs.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}
	logger.Info("job planned",
		zap.Int("tasks", len(job.Tasks)),
		zap.Bool("fallback_plan", plan.FallbackPlan),
		zap.Float64("estimated_credits", job.TotalEstimatedCredits))
	return job, nil
}

// plan runs the planner agent. The planner only fails when ctx ends.
func (o *Orchestrator) plan(ctx context.Context, job *jobs.Job, client ai.Client) (*agents.Result, error) {
	planner, err := o.registry.Get(agents.TypePlanner)
	if err != nil {
		return &agents.Result{Plan: agents.FallbackPlan(job.Prompt, job.Language), FallbackPlan: true}, nil
	}
	started := time.Now()
	res, err := planner.Execute(ctx, &agents.Input{
		AI:        client,
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		UserID:    job.UserID,
		Prompt:    job.Prompt,
		Language:  job.Language,
	})
	if err != nil {
		o.metrics.RecordTask(string(agents.TypePlanner), "failed", time.Since(started))
		return nil, err
	}
	o.metrics.RecordTask(string(agents.TypePlanner), "completed", time.Since(started))
	if len(res.Plan) == 0 {
		res.Plan = agents.FallbackPlan(job.Prompt, job.Language)
		res.FallbackPlan = true
	}
	return res, nil
}

// ApproveJob approves the pending tasks of a planned or paused job and moves
// it to running. approved, when non-nil, replaces the pending tasks. An
// insufficient balance returns a *ShortfallError and leaves the job as it
// was.
func (o *Orchestrator) ApproveJob(ctx context.Context, jobID, userID string, approved []ApprovedTask) (*jobs.Job, error) {
	unlock := o.lock(jobID)
	defer unlock()

	job, err := o.ownedJob(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if o.claimed(jobID) != nil {
		return nil, ErrAlreadyExecuting
	}
	if job.Status != jobs.StatusAwaitingApproval && job.Status != jobs.StatusNeedsMoreCredits {
		return nil, apperr.New(apperr.KindConflict, "INVALID_STATE", fmt.Sprintf("job is %s, not awaiting approval", job.Status))
	}
	if approved != nil {
		if err := o.replacePending(job, approved); err != nil {
			return nil, err
		}
	}
	if err := o.authorize(ctx, job); err != nil {
		return nil, err
	}
	if err := o.transition(job, jobs.EventApprove); err != nil {
		return nil, err
	}
	if err := o.jobs.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	o.logger.Info("job approved",
		zap.String("job_id", job.ID),
		zap.Float64("credits_approved", job.CreditsApproved),
		zap.Bool("free_usage", job.FreeUsage))
	return job, nil
}

// ContinueJob resolves a job paused at needs_more_credits. Approval re-runs
// the approval checks; declining skips the remaining tasks and cancels the
// job without further charges.
func (o *Orchestrator) ContinueJob(ctx context.Context, jobID, userID string, approved bool) (*jobs.Job, error) {
	unlock := o.lock(jobID)
	defer unlock()

	job, err := o.ownedJob(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobs.StatusNeedsMoreCredits {
		return nil, apperr.New(apperr.KindConflict, "INVALID_STATE", fmt.Sprintf("job is %s, not waiting for credits", job.Status))
	}

	if !approved {
		return o.cancelNow(ctx, job, "declined at credit checkpoint"), nil
	}
	if err := o.authorize(ctx, job); err != nil {
		return nil, err
	}
	if err := o.transition(job, jobs.EventResume); err != nil {
		return nil, err
	}
	if err := o.jobs.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	return job, nil
}

// authorize runs the limit and balance checks for the job's pending work and
// raises CreditsApproved to cover it. job is only modified on success.
func (o *Orchestrator) authorize(ctx context.Context, job *jobs.Job) error {
	if err := o.limiter.CheckLimit(ctx, job.ProjectID, job.UserID).Err(); err != nil {
		return err
	}
	required := job.PendingEstimate()
	if !job.FreeUsage {
		balance, err := o.ledger.CheckBalance(ctx, job.UserID)
		if err != nil {
			return fmt.Errorf("check balance: %w", err)
		}
		if balance < required {
			return newShortfall(required, balance)
		}
	}
	job.CreditsApproved = jobs.RoundCredits(job.CreditsUsed + required)
	job.Shortfall = 0
	return nil
}

// replacePending swaps the pending tasks for the approved list
func (o *Orchestrator) replacePending(job *jobs.Job, approved []ApprovedTask) error {
	if len(approved) == 0 {
		return apperr.Input("approved task list is empty")
	}
	for i := range approved {
		if err := validateStruct(&approved[i]); err != nil {
			return err
		}
		if !plannable(o.registry, agents.Type(approved[i].AgentType)) {
			return apperr.Input(fmt.Sprintf("task %d: unknown agent type %q", i, approved[i].AgentType))
		}
	}

	kept := job.Tasks[:0:0]
	for _, t := range job.Tasks {
		if t.Status != jobs.TaskPending {
			kept = append(kept, t)
		}
	}
	job.Tasks = kept
	for _, a := range approved {
		job.Tasks = append(job.Tasks, o.newTask(job, a.Title, a.Description, agents.Type(a.AgentType), a.EstimatedTokens))
	}

	var total float64
	for _, t := range job.Tasks {
		total += t.EstimatedCredits
	}
	job.TotalEstimatedCredits = jobs.RoundCredits(total)
	return nil
}

// Cancel requests cancellation. A job executing in this process stops at
// its next task boundary. Any other job is cancelled at once; a run in
// another process sees the stored cancel before its next charge and its
// next save.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*jobs.Job, error) {
	unlock := o.lock(jobID)
	defer unlock()

	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, apperr.New(apperr.KindConflict, "JOB_FINISHED", fmt.Sprintf("job already %s", job.Status))
	}
	if c := o.claimed(jobID); c != nil {
		c.requestCancel()
		if _, err := o.jobs.RequestCancel(ctx, jobID); err != nil {
			o.logger.Warn("persist cancel request", zap.String("job_id", jobID), zap.Error(err))
		}
		job.CancelRequested = true
		o.logger.Info("cancel requested", zap.String("job_id", jobID))
		return job, nil
	}
	return o.cancelNow(ctx, job, "cancelled by user"), nil
}

// Abandon cancels a job left unfinished by a previous process
func (o *Orchestrator) Abandon(ctx context.Context, jobID, reason string) error {
	unlock := o.lock(jobID)
	defer unlock()

	if o.claimed(jobID) != nil {
		return ErrAlreadyExecuting
	}
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	o.cancelNow(ctx, job, reason)
	return nil
}

const cancelAttempts = 3

// cancelNow cancels a job that no run in this process is executing and
// returns its final state. When a run elsewhere saves first, the job is
// reloaded and cancelled from the newer state.
func (o *Orchestrator) cancelNow(ctx context.Context, job *jobs.Job, reason string) *jobs.Job {
	sctx := context.WithoutCancel(ctx)
	logger := o.logger.With(zap.String("job_id", job.ID))
	for attempt := 1; ; attempt++ {
		err := o.applyCancel(sctx, job)
		if err == nil {
			break
		}
		if !errors.Is(err, jobs.ErrStale) || attempt == cancelAttempts {
			logger.Error("cancel job", zap.Error(err))
			return job
		}
		fresh, gerr := o.jobs.Get(sctx, job.ID)
		if gerr != nil {
			logger.Error("reload job to cancel", zap.Error(gerr))
			return job
		}
		if fresh.Status.IsTerminal() {
			return fresh
		}
		job = fresh
	}
	o.emit(sctx, job, jobs.EventJobCancelled, nil, reason, nil)
	logger.Info("job cancelled", zap.String("reason", reason))
	return job
}

func (o *Orchestrator) applyCancel(sctx context.Context, job *jobs.Job) error {
	now := o.now()
	for _, t := range job.Tasks {
		if t.Status == jobs.TaskRunning {
			t.Error = "interrupted"
			_ = jobs.AdvanceTask(t, jobs.TaskFailed, now)
		}
	}
	job.SkipPending()
	job.CancelRequested = true
	if err := o.transition(job, jobs.EventCancel); err != nil {
		return err
	}
	job.Result = partialResult(sctx, o.files, job)
	return o.jobs.Save(sctx, job)
}

// partialResult bundles the files of completed tasks
func partialResult(ctx context.Context, files ProjectFileStore, job *jobs.Job) *jobs.Result {
	res := &jobs.Result{Files: map[string]string{}, CreditsUsed: job.CreditsUsed}
	paths := job.CompletedFiles()
	if len(paths) == 0 || files == nil {
		return res
	}
	all, err := files.Read(ctx, job.ProjectID)
	if err != nil {
		return res
	}
	for _, p := range paths {
		if c, ok := all[p]; ok {
			res.Files[p] = c
		}
	}
	return res
}
