package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Richard1990h/KING-V3-sub001/internal/agents"
	"github.com/Richard1990h/KING-V3-sub001/internal/analysis"
	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
	"github.com/Richard1990h/KING-V3-sub001/internal/sandbox"
)

// CreateJobRequest starts an interactive job
type CreateJobRequest struct {
	ProjectID string `json:"project_id" validate:"required,max=128"`
	Prompt    string `json:"prompt" validate:"required,max=20000"`
	Language  string `json:"language" validate:"max=32"`
	// RunAfterBuild runs the project in the sandbox after each file-producing task
	RunAfterBuild bool   `json:"run_after_build"`
	EntryPoint    string `json:"entry_point" validate:"max=256"`
}

// ApprovedTask replaces the pending part of a plan on approval
type ApprovedTask struct {
	Title           string `json:"title" validate:"required,max=200"`
	Description     string `json:"description" validate:"max=4000"`
	AgentType       string `json:"agent_type" validate:"required"`
	EstimatedTokens int    `json:"estimated_tokens" validate:"gte=0"`
}

// PipelineRequest is a one-shot build, test and verify request
type PipelineRequest struct {
	ProjectID     string            `json:"project_id" validate:"required,max=128"`
	Language      string            `json:"language" validate:"required,max=32"`
	Prompt        string            `json:"prompt" validate:"required,max=20000"`
	Files         map[string]string `json:"files"`
	EntryPoint    string            `json:"entry_point" validate:"max=256"`
	RunAfterBuild bool              `json:"run_after_build"`
	MaxIterations int               `json:"max_iterations" validate:"gte=0"`
}

// PipelineResult is the outcome of ExecutePipeline. Verdict is the best one
// seen across iterations.
type PipelineResult struct {
	JobID       string                   `json:"job_id"`
	Files       map[string]string        `json:"files"`
	TestFiles   map[string]string        `json:"test_files,omitempty"`
	Verdict     analysis.Verdict         `json:"verdict"`
	Execution   *sandbox.ExecutionResult `json:"execution,omitempty"`
	Iterations  int                      `json:"iterations"`
	CreditsUsed float64                  `json:"credits_used"`
	TimedOut    bool                     `json:"timed_out"`
	Status      jobs.Status              `json:"status"`
	Reason      string                   `json:"reason,omitempty"`
}

// ShortfallError reports that the balance cannot cover an approval
type ShortfallError struct {
	Required  float64
	Available float64
	Shortfall float64
}

func newShortfall(required, available float64) *ShortfallError {
	return &ShortfallError{
		Required:  jobs.RoundCredits(required),
		Available: jobs.RoundCredits(available),
		Shortfall: jobs.RoundCredits(required - available),
	}
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("insufficient credits: %.4f required, %.4f available", e.Required, e.Available)
}

// Unwrap exposes the classified error so HTTP mapping yields 402
func (e *ShortfallError) Unwrap() error {
	err := apperr.New(apperr.KindInsufficientCredits, "INSUFFICIENT_CREDITS", e.Error())
	err.Details = map[string]any{
		"required":  e.Required,
		"available": e.Available,
		"shortfall": e.Shortfall,
	}
	return err
}

var validate = validator.New()

// validateStruct runs the struct tags and converts failures into an input
// error listing field and rule.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.KindInput, "INVALID_INPUT", "invalid request", err)
	}
	fields := make(map[string]string, len(verrs))
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	sort.Strings(msgs)
	e := apperr.Input("invalid request: " + strings.Join(msgs, ", "))
	e.Details = map[string]any{"fields": fields}
	return e
}

func (r *CreateJobRequest) normalize(langs *sandbox.Languages) error {
	r.ProjectID = strings.TrimSpace(r.ProjectID)
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.EntryPoint = strings.TrimSpace(r.EntryPoint)
	if err := validateStruct(r); err != nil {
		return err
	}
	lang, err := canonicalLanguage(langs, r.Language, false)
	if err != nil {
		return err
	}
	r.Language = lang
	return nil
}

func (r *PipelineRequest) normalize(langs *sandbox.Languages) error {
	r.ProjectID = strings.TrimSpace(r.ProjectID)
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.EntryPoint = strings.TrimSpace(r.EntryPoint)
	if err := validateStruct(r); err != nil {
		return err
	}
	lang, err := canonicalLanguage(langs, r.Language, true)
	if err != nil {
		return err
	}
	r.Language = lang
	return nil
}

// canonicalLanguage resolves aliases. Empty is accepted unless required.
func canonicalLanguage(langs *sandbox.Languages, language string, required bool) (string, error) {
	language = strings.TrimSpace(language)
	if language == "" {
		if required {
			return "", apperr.Input("language is required")
		}
		return "", nil
	}
	lang, ok := langs.Get(language)
	if !ok {
		return "", apperr.Input(fmt.Sprintf("unsupported language %q (supported: %s)", language, strings.Join(langs.Names(), ", ")))
	}
	return lang.Name, nil
}

// plannable reports whether t may appear in an approved task list.
// Planning and error analysis are orchestrator steps.
func plannable(registry *agents.Registry, t agents.Type) bool {
	if t == agents.TypePlanner || t == agents.TypeErrorAnalyzer {
		return false
	}
	return registry.Has(t)
}

// clampIterations bounds a requested iteration count to [1, ceiling]
func clampIterations(requested, def, ceiling int) int {
	if ceiling <= 0 {
		ceiling = 10
	}
	if def <= 0 {
		def = 3
	}
	if requested <= 0 {
		requested = def
	}
	return max(1, min(requested, ceiling))
}
