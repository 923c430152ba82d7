package agents

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/sandbox"
)

// Executor runs the current project files in the sandbox. It uses no model
// and consumes no tokens.
type Executor struct {
	base
	sandbox *sandbox.Executor
	retries int
}

// Execute implements Agent
func (e *Executor) Execute(ctx context.Context, in *Input) (*Result, error) {
	if e.sandbox == nil {
		return &Result{Errors: []string{"sandbox is not configured"}}, nil
	}
	if len(in.Files) == 0 {
		return &Result{Errors: []string{"no files to execute"}}, nil
	}

	final, attempts, err := e.sandbox.ExecuteWithRetry(ctx, &sandbox.ExecutionRequest{
		ProjectID:  in.ProjectID,
		Language:   in.Language,
		Files:      in.Files,
		EntryPoint: in.EntryPoint,
		Phase:      sandbox.PhaseRun,
	}, e.retries)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// Invalid request (unknown language, no entry point): the task fails
		// but a fix cycle may repair the file set.
		return &Result{Errors: []string{err.Error()}}, nil
	}

	e.logger.Info("executed project",
		zap.String("job_id", in.JobID),
		zap.Int("attempts", len(attempts)),
		zap.Int("exit_code", final.ExitCode),
		zap.String("class", string(final.Class)),
	)

	res := &Result{
		Success:   final.Success,
		Content:   final.Output(),
		Execution: final,
	}
	if final.Success {
		res.Summary = fmt.Sprintf("ran %s successfully", orDefault(final.Language, "project"))
	} else {
		res.Summary = fmt.Sprintf("execution failed with exit code %d", final.ExitCode)
		res.Errors = []string{clip(final.Output(), 2000)}
	}
	return res, nil
}
