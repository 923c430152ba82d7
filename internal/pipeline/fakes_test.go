package pipeline

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Richard1990h/KING-V3-sub001/internal/agents"
	"github.com/Richard1990h/KING-V3-sub001/internal/ai"
	"github.com/Richard1990h/KING-V3-sub001/internal/ai/aitest"
	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/config"
	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
	"github.com/Richard1990h/KING-V3-sub001/internal/ratelimit"
	"github.com/Richard1990h/KING-V3-sub001/internal/sandbox"
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*jobs.Job
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]*jobs.Job{}} }

func (m *memJobs) Create(_ context.Context, job *jobs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *memJobs) Save(_ context.Context, job *jobs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.ID]
	if !ok {
		return apperr.New(apperr.KindNotFound, "NOT_FOUND", "job not found")
	}
	if cur.Version != job.Version {
		return fmt.Errorf("save job %s: %w", job.ID, jobs.ErrStale)
	}
	job.Version++
	stored := job.Clone()
	stored.CancelRequested = stored.CancelRequested || cur.CancelRequested
	m.jobs[job.ID] = stored
	return nil
}

func (m *memJobs) RequestCancel(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status.IsTerminal() {
		return false, nil
	}
	job.CancelRequested = true
	return true, nil
}

func (m *memJobs) Stopped(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, apperr.New(apperr.KindNotFound, "NOT_FOUND", "job not found")
	}
	return job.CancelRequested || job.Status.IsTerminal(), nil
}

func (m *memJobs) Get(_ context.Context, id string) (*jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "NOT_FOUND", "job not found")
	}
	return job.Clone(), nil
}

func (m *memJobs) CountActiveJobs(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.UserID == userID && j.Status.IsActive() {
			n++
		}
	}
	return n, nil
}

func (m *memJobs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

type memEvents struct {
	mu     sync.Mutex
	events []jobs.ProgressEvent
}

func (m *memEvents) Append(_ context.Context, ev jobs.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memEvents) LastSeq(_ context.Context, jobID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last int64
	for _, ev := range m.events {
		if ev.JobID == jobID && ev.Seq > last {
			last = ev.Seq
		}
	}
	return last, nil
}

func (m *memEvents) types(jobID string) []jobs.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []jobs.EventType
	for _, ev := range m.events {
		if ev.JobID == jobID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type debit struct {
	user   string
	amount float64
	ref    string
}

type memLedger struct {
	mu       sync.Mutex
	balances map[string]float64
	debits   []debit
	grants   []string
}

func newMemLedger() *memLedger { return &memLedger{balances: map[string]float64{}} }

func (l *memLedger) set(user string, amount float64) {
	l.mu.Lock()
	l.balances[user] = amount
	l.mu.Unlock()
}

func (l *memLedger) CheckBalance(_ context.Context, user string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[user], nil
}

func (l *memLedger) Debit(_ context.Context, user string, amount float64, _ string, ref string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range l.debits {
		if d.ref == ref {
			return l.balances[user], nil
		}
	}
	if l.balances[user] < amount {
		return l.balances[user], apperr.New(apperr.KindInsufficientCredits, "INSUFFICIENT_CREDITS", "insufficient credits")
	}
	l.balances[user] -= amount
	l.debits = append(l.debits, debit{user: user, amount: amount, ref: ref})
	return l.balances[user], nil
}

func (l *memLedger) Grant(_ context.Context, user string, amount float64, _ string, ref string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, g := range l.grants {
		if g == ref {
			return l.balances[user], nil
		}
	}
	l.grants = append(l.grants, ref)
	l.balances[user] += amount
	return l.balances[user], nil
}

func (l *memLedger) grantRefs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.grants...)
}

func (l *memLedger) refs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.debits))
	for _, d := range l.debits {
		out = append(out, d.ref)
	}
	return out
}

func (l *memLedger) total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum float64
	for _, d := range l.debits {
		sum += d.amount
	}
	return jobs.RoundCredits(sum)
}

type memFiles struct {
	mu    sync.Mutex
	files map[string]map[string]string
}

func (m *memFiles) Read(_ context.Context, projectID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.files[projectID]), nil
}

func (m *memFiles) Write(_ context.Context, projectID, path, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = map[string]map[string]string{}
	}
	if m.files[projectID] == nil {
		m.files[projectID] = map[string]string{}
	}
	m.files[projectID][path] = content
	return nil
}

// phaseBackend replays scripted results per phase; an empty queue succeeds
type phaseBackend struct {
	mu      sync.Mutex
	results map[sandbox.Phase][]*sandbox.ExecutionResult
	calls   map[sandbox.Phase]int
}

func newPhaseBackend() *phaseBackend {
	return &phaseBackend{results: map[sandbox.Phase][]*sandbox.ExecutionResult{}, calls: map[sandbox.Phase]int{}}
}

func (b *phaseBackend) on(phase sandbox.Phase, results ...*sandbox.ExecutionResult) *phaseBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[phase] = append(b.results[phase], results...)
	return b
}

func (b *phaseBackend) Name() string { return "scripted" }

func (b *phaseBackend) Run(_ context.Context, req *sandbox.ExecutionRequest, _ []string) (*sandbox.ExecutionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[req.Phase]++
	if q := b.results[req.Phase]; len(q) > 0 {
		b.results[req.Phase] = q[1:]
		r := *q[0]
		return &r, nil
	}
	return &sandbox.ExecutionResult{Stdout: "ok\n"}, nil
}

func (b *phaseBackend) count(phase sandbox.Phase) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[phase]
}

// gatedClient blocks code generation until released or ctx ends
type gatedClient struct {
	*aitest.Client
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedClient(inner *aitest.Client) *gatedClient {
	return &gatedClient{Client: inner, started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedClient) Generate(ctx context.Context, req *ai.Request) (*ai.Response, error) {
	if req.Capability == ai.CapabilityCodeGeneration {
		g.once.Do(func() { close(g.started) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Client.Generate(ctx, req)
}

type fixture struct {
	o        *Orchestrator
	jobs     *memJobs
	events   *memEvents
	ledger   *memLedger
	files    *memFiles
	backend  *phaseBackend
	settings config.Settings
}

type fixtureOption func(*config.Settings)

func newFixture(t *testing.T, client ai.Client, opts ...fixtureOption) *fixture {
	t.Helper()
	settings := config.Default()
	settings.Credits.Enabled = true
	settings.Credits.PerThousandProject = 1.0
	settings.Credits.DefaultTaskTokens = 1000
	settings.Pipeline.MaxErrors = 5
	settings.Pipeline.Timeout = 10 * time.Second
	settings.Sandbox.MaxRetries = 3
	settings.RateLimit.DefaultMaxConcurrent = 5
	for _, opt := range opts {
		opt(&settings)
	}

	f := &fixture{
		jobs:     newMemJobs(),
		events:   &memEvents{},
		ledger:   newMemLedger(),
		files:    &memFiles{},
		backend:  newPhaseBackend(),
		settings: settings,
	}
	f.o = f.orchestrator(client, f.ledger)
	return f
}

// orchestrator builds another orchestrator over the fixture's stores, as a
// second server process sharing the database would
func (f *fixture) orchestrator(client ai.Client, ledger CreditLedger) *Orchestrator {
	exec := sandbox.NewExecutor(f.backend, sandbox.Config{BackoffBase: time.Millisecond, BackoffMax: 2 * time.Millisecond}, nil)
	registry := agents.NewDefaultRegistry(agents.Options{Executor: exec, SandboxRetries: f.settings.Sandbox.MaxRetries})
	limiter := ratelimit.New(ratelimit.Config{
		Requests:             100,
		Window:               time.Minute,
		DefaultMaxConcurrent: f.settings.RateLimit.DefaultMaxConcurrent,
		TierCaps:             map[string]int{},
	}, ratelimit.NewMemoryWindow(), f.jobs, nil, nil)

	return New(Deps{
		Jobs:     f.jobs,
		Events:   f.events,
		Ledger:   ledger,
		Files:    f.files,
		Limiter:  limiter,
		Agents:   registry,
		Sandbox:  exec,
		Models:   ai.NewSelector(client, ai.ProviderOpenAI, "", ""),
		Settings: f.settings,
	})
}

func drain(t *testing.T, ch <-chan jobs.ProgressEvent) []jobs.ProgressEvent {
	t.Helper()
	var out []jobs.ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			require.FailNow(t, "event stream did not close")
		}
	}
}

func filesReply(files map[string]string) string {
	out := `{"files":[`
	first := true
	for p, c := range files {
		if !first {
			out += ","
		}
		first = false
		out += fmt.Sprintf(`{"path":%q,"content":%q}`, p, c)
	}
	return out + `],"summary":"done"}`
}

const singleTaskPlan = `{"project_summary":"hello","tasks":[{"title":"Write hello","description":"print hello","agent_type":"developer","estimated_tokens":1000}]}`
