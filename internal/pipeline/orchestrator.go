package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/agents"
	"github.com/Richard1990h/KING-V3-sub001/internal/ai"
	"github.com/Richard1990h/KING-V3-sub001/internal/analysis"
	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/config"
	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
	"github.com/Richard1990h/KING-V3-sub001/internal/metrics"
	"github.com/Richard1990h/KING-V3-sub001/internal/sandbox"
)

var (
	// ErrForbidden is returned when a job belongs to another user
	ErrForbidden = apperr.New(apperr.KindForbidden, "FORBIDDEN", "job belongs to another user")
	// ErrAlreadyExecuting is returned when a job is claimed by another executor
	ErrAlreadyExecuting = apperr.New(apperr.KindConflict, "ALREADY_EXECUTING", "job is already executing")
)

const lockStripes = 64

// Deps are the collaborators of an Orchestrator. Sandbox may be nil, in
// which case nothing is executed after a build.
type Deps struct {
	Jobs        JobStore
	Events      EventStore
	Ledger      CreditLedger
	Files       ProjectFileStore
	Identities  IdentityResolver
	Limiter     Limiter
	Agents      *agents.Registry
	Sandbox     *sandbox.Executor
	Gate        *analysis.Gate
	TestGen     *analysis.TestGenerator
	Models      *ai.Selector
	Broadcaster *jobs.Broadcaster
	Settings    config.Settings
	Logger      *zap.Logger
}

// Orchestrator is the sole mutator of job and task state
type Orchestrator struct {
	jobs        JobStore
	events      EventStore
	ledger      CreditLedger
	files       ProjectFileStore
	identities  IdentityResolver
	limiter     Limiter
	registry    *agents.Registry
	sandbox     *sandbox.Executor
	langs       *sandbox.Languages
	gate        *analysis.Gate
	testgen     *analysis.TestGenerator
	models      *ai.Selector
	broadcaster *jobs.Broadcaster
	settings    config.Settings
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	// locks serialize state changes made outside an executing run
	locks [lockStripes]sync.Mutex

	mu     sync.Mutex
	claims map[string]*claim
	seqs   map[string]int64
}

// New wires an orchestrator
func New(d Deps) *Orchestrator {
	logger := logging.OrNop(d.Logger).Named("pipeline")
	o := &Orchestrator{
		jobs:        d.Jobs,
		events:      d.Events,
		ledger:      d.Ledger,
		files:       d.Files,
		identities:  d.Identities,
		limiter:     d.Limiter,
		registry:    d.Agents,
		sandbox:     d.Sandbox,
		gate:        d.Gate,
		testgen:     d.TestGen,
		models:      d.Models,
		broadcaster: d.Broadcaster,
		settings:    d.Settings,
		logger:      logger,
		metrics:     metrics.Get(),
		now:         func() time.Time { return time.Now().UTC() },
		claims:      make(map[string]*claim),
		seqs:        make(map[string]int64),
	}
	if o.sandbox != nil {
		o.langs = o.sandbox.Languages()
	} else {
		o.langs = sandbox.DefaultLanguages()
	}
	if o.gate == nil {
		// the default patterns always validate
		analyzer, _ := analysis.NewAnalyzer(analysis.Options{Logger: logger})
		o.gate = analysis.NewGate(analyzer, logger)
	}
	if o.testgen == nil {
		o.testgen = analysis.NewTestGenerator(logger)
	}
	if o.broadcaster == nil {
		o.broadcaster = jobs.NewBroadcaster()
	}
	return o
}

// Broadcaster returns the live event fan-out
func (o *Orchestrator) Broadcaster() *jobs.Broadcaster { return o.broadcaster }

// claim marks a job as owned by one executing run
type claim struct {
	mu        sync.Mutex
	cancelled bool
	// failures keeps the output of failed tasks for their corrective task
	failures map[string]failure
}

type failure struct {
	files  map[string]string
	errors []string
	logs   string
}

func (c *claim) requestCancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

func (c *claim) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// unlessCancelled runs fn while holding the claim, so a Cancel that returns
// before fn starts is always observed. stored reports a cancel recorded by
// another process and is consulted under the same hold. It reports whether
// fn ran.
func (c *claim) unlessCancelled(stored func() bool, fn func() error) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return false, nil
	}
	if stored != nil && stored() {
		c.cancelled = true
		return false, nil
	}
	return true, fn()
}

func (c *claim) remember(taskID string, f failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures == nil {
		c.failures = make(map[string]failure)
	}
	c.failures[taskID] = f
}

func (c *claim) failure(taskID string) (failure, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.failures[taskID]
	return f, ok
}

func (o *Orchestrator) lock(jobID string) func() {
	h := fnv.New32a()
	h.Write([]byte(jobID))
	m := &o.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

func (o *Orchestrator) claimed(jobID string) *claim {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.claims[jobID]
}

// acquire claims jobID for one executing run and loads it. The job lock is
// held while loading so a concurrent Cancel is either seen in the loaded
// state or observes the claim.
func (o *Orchestrator) acquire(ctx context.Context, jobID string) (*claim, *jobs.Job, error) {
	unlock := o.lock(jobID)
	defer unlock()

	o.mu.Lock()
	if _, busy := o.claims[jobID]; busy {
		o.mu.Unlock()
		return nil, nil, ErrAlreadyExecuting
	}
	c := &claim{}
	o.claims[jobID] = c
	o.mu.Unlock()

	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		o.release(jobID)
		return nil, nil, err
	}
	return c, job, nil
}

func (o *Orchestrator) release(jobID string) {
	o.mu.Lock()
	delete(o.claims, jobID)
	o.mu.Unlock()
}

// Executing reports whether a run currently owns the job
func (o *Orchestrator) Executing(jobID string) bool {
	return o.claimed(jobID) != nil
}

// nextSeq allocates the job's next event seq. The first call for a job
// seeds the counter from the store without holding o.mu.
func (o *Orchestrator) nextSeq(ctx context.Context, jobID string) int64 {
	o.mu.Lock()
	if seq, ok := o.seqs[jobID]; ok {
		seq++
		o.seqs[jobID] = seq
		o.mu.Unlock()
		return seq
	}
	o.mu.Unlock()

	last, err := o.events.LastSeq(ctx, jobID)
	if err != nil {
		o.logger.Warn("load last event seq", zap.String("job_id", jobID), zap.Error(err))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.seqs[jobID]; ok && cur > last {
		last = cur
	}
	last++
	o.seqs[jobID] = last
	return last
}

func (o *Orchestrator) forgetSeq(jobID string) {
	o.mu.Lock()
	delete(o.seqs, jobID)
	o.mu.Unlock()
}

// emit persists and publishes one progress event
func (o *Orchestrator) emit(ctx context.Context, job *jobs.Job, typ jobs.EventType, task *jobs.Task, msg string, data map[string]any) jobs.ProgressEvent {
	ev := jobs.ProgressEvent{
		JobID:     job.ID,
		Seq:       o.nextSeq(ctx, job.ID),
		Type:      typ,
		TaskIndex: job.CurrentTaskIndex,
		Status:    string(job.Status),
		Message:   msg,
		Data:      data,
		Timestamp: o.now(),
	}
	if task != nil {
		ev.TaskID = task.ID
		ev.TaskIndex = task.Order
		ev.Status = string(task.Status)
	}
	if err := o.events.Append(ctx, ev); err != nil {
		o.logger.Warn("persist event", zap.String("job_id", job.ID), zap.Int64("seq", ev.Seq), zap.Error(err))
	}
	o.broadcaster.Publish(ev)
	if ev.IsFinal() {
		o.forgetSeq(job.ID)
	}
	return ev
}

func (o *Orchestrator) transition(job *jobs.Job, ev jobs.Event) error {
	if _, err := jobs.Transition(job, ev, o.now()); err != nil {
		return apperr.Wrap(apperr.KindConflict, "INVALID_STATE", fmt.Sprintf("job is %s", job.Status), err)
	}
	if job.Status.IsTerminal() || job.Status == jobs.StatusNeedsMoreCredits {
		o.metrics.JobsFinishedTotal.WithLabelValues(string(job.Status)).Inc()
	}
	return nil
}

// clientFor picks the model client for a user and reports whether the user's
// own key is used.
func (o *Orchestrator) clientFor(ctx context.Context, userID string) (ai.Client, bool, error) {
	var overrides map[string]string
	if o.identities != nil {
		ident, err := o.identities.Resolve(ctx, userID)
		if err != nil {
			return nil, false, fmt.Errorf("resolve identity: %w", err)
		}
		overrides = ident.APIKeyOverrides
	}
	if o.models == nil {
		return nil, false, nil
	}
	client, own := o.models.ForUser(overrides)
	return client, own, nil
}

func (o *Orchestrator) newJob(userID, projectID, prompt, language string, kind jobs.Kind, ownKey bool) *jobs.Job {
	now := o.now()
	maxErrors := o.settings.Pipeline.MaxErrors
	if maxErrors <= 0 {
		maxErrors = 5
	}
	rate := o.settings.Credits.PerThousandProject
	if rate <= 0 {
		rate = 1.0
	}
	o.metrics.JobsCreatedTotal.WithLabelValues(string(kind)).Inc()
	return &jobs.Job{
		ID:         uuid.NewString(),
		UserID:     userID,
		ProjectID:  projectID,
		Prompt:     prompt,
		Language:   language,
		Kind:       kind,
		Status:     jobs.StatusPending,
		Tasks:      []*jobs.Task{},
		MaxErrors:  maxErrors,
		CreditRate: rate,
		FreeUsage:  ownKey || !o.settings.Credits.Enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (o *Orchestrator) newTask(job *jobs.Job, title, description string, agentType agents.Type, tokens int) *jobs.Task {
	if tokens <= 0 {
		tokens = o.defaultTaskTokens()
	}
	return &jobs.Task{
		ID:               uuid.NewString(),
		JobID:            job.ID,
		Title:            title,
		Description:      description,
		AgentType:        string(agentType),
		Order:            len(job.Tasks),
		Status:           jobs.TaskPending,
		EstimatedTokens:  tokens,
		EstimatedCredits: jobs.CreditsForTokens(tokens, job.CreditRate),
	}
}

func (o *Orchestrator) defaultTaskTokens() int {
	if n := o.settings.Credits.DefaultTaskTokens; n > 0 {
		return n
	}
	return 500
}

// ownedJob loads a job and checks that userID owns it
func (o *Orchestrator) ownedJob(ctx context.Context, jobID, userID string) (*jobs.Job, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrForbidden
	}
	return job, nil
}

// GetJob returns a job owned by userID
func (o *Orchestrator) GetJob(ctx context.Context, jobID, userID string) (*jobs.Job, error) {
	return o.ownedJob(ctx, jobID, userID)
}
