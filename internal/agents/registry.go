package agents

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/logging"
	"github.com/Richard1990h/KING-V3-sub001/internal/sandbox"
)

// Registry maps agent types to strategies
type Registry struct {
	mu     sync.RWMutex
	agents map[Type]Agent
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{agents: make(map[Type]Agent)}
}

// Options configures the default agent set
type Options struct {
	// Executor backs the executor agent; without it the agent reports an
	// environment failure.
	Executor *sandbox.Executor
	// SandboxRetries is the retry budget of the executor agent
	SandboxRetries int
	// DefaultTaskTokens is the estimate used when the planner omits one
	DefaultTaskTokens int
	// ProtectedPaths are glob patterns agents may never write
	ProtectedPaths []string
	Logger         *zap.Logger
}

// NewDefaultRegistry registers all eight agents.
func NewDefaultRegistry(opts Options) *Registry {
	logger := logging.OrNop(opts.Logger).Named("agents")
	if opts.DefaultTaskTokens <= 0 {
		opts.DefaultTaskTokens = 500
	}
	if opts.ProtectedPaths == nil {
		opts.ProtectedPaths = DefaultProtectedPaths
	}
	guard := NewPathGuard()

	r := NewRegistry()
	r.Register(&Planner{base: newBase(TypePlanner, logger), defaultTokens: opts.DefaultTaskTokens})
	r.Register(&Researcher{base: newBase(TypeResearcher, logger)})
	r.Register(newCoder(TypeDeveloper, logger, guard, opts.ProtectedPaths))
	r.Register(newCoder(TypeTestDesigner, logger, guard, opts.ProtectedPaths))
	r.Register(newCoder(TypeDebugger, logger, guard, opts.ProtectedPaths))
	r.Register(&Executor{base: newBase(TypeExecutor, logger), sandbox: opts.Executor, retries: opts.SandboxRetries})
	r.Register(&Verifier{base: newBase(TypeVerifier, logger)})
	r.Register(&ErrorAnalyzer{base: newBase(TypeErrorAnalyzer, logger)})
	return r
}

// Register adds or replaces the agent for its type
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Type()] = a
}

// Get returns the agent for t
func (r *Registry) Get(t Type) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, t)
	}
	return a, nil
}

// Has reports whether an agent is registered for t
func (r *Registry) Has(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[t]
	return ok
}

// Types returns the registered types, sorted
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.agents))
	for t := range r.agents {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
