package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Richard1990h/KING-V3-sub001/internal/pipeline"
)

var (
	runProject    string
	runLanguage   string
	runPrompt     string
	runDir        string
	runGlob       string
	runEntry      string
	runIterations int
	runUser       string
	runExecute    bool
	runOutput     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the generate, review and test pipeline once",
	Long: `Run the full pipeline in this process and print the result.

Existing project files can be seeded from a directory; only files matching
--glob are read.

Examples:
  forge run --project demo --language python --prompt "a CLI that prints primes"
  forge run --project api --language go --dir ./svc --glob "**/*.go" --prompt "add a /ping handler"
  forge run --project demo --language javascript --prompt "fizzbuzz" --execute --output yaml`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.StringVar(&runProject, "project", "", "project id (required)")
	f.StringVar(&runLanguage, "language", "", "target language (required)")
	f.StringVar(&runPrompt, "prompt", "", "what to build (required)")
	f.StringVar(&runDir, "dir", "", "directory of existing project files")
	f.StringVar(&runGlob, "glob", "**/*", "pattern selecting files under --dir")
	f.StringVar(&runEntry, "entry", "", "entry point file")
	f.IntVar(&runIterations, "iterations", 0, "maximum fix iterations (0 uses pipeline.default_iterations)")
	f.StringVar(&runUser, "user", "cli", "user the run is charged to")
	f.BoolVar(&runExecute, "execute", false, "run the program once the gate passes")
	f.StringVar(&runOutput, "output", "json", "result format: json or yaml")
	_ = runCmd.MarkFlagRequired("project")
	_ = runCmd.MarkFlagRequired("language")
	_ = runCmd.MarkFlagRequired("prompt")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	if runOutput != "json" && runOutput != "yaml" {
		return fmt.Errorf("unknown output format %q", runOutput)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var files map[string]string
	if runDir != "" {
		var err error
		if files, err = readProjectFiles(os.DirFS(runDir), runGlob); err != nil {
			return err
		}
		logger.Info("seeded project files", zap.String("dir", runDir), zap.Int("count", len(files)))
	}

	a, err := buildApp(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.orch.ExecutePipeline(ctx, runUser, pipeline.PipelineRequest{
		ProjectID:     runProject,
		Language:      runLanguage,
		Prompt:        runPrompt,
		Files:         files,
		EntryPoint:    runEntry,
		RunAfterBuild: runExecute,
		MaxIterations: runIterations,
	})
	if err != nil {
		return err
	}
	if err := writeResult(cmd.OutOrStdout(), result, runOutput); err != nil {
		return err
	}
	if !result.Verdict.Passed {
		return errors.New("pipeline finished without a passing verdict")
	}
	return nil
}

// readProjectFiles reads every regular file of fsys matching pattern
func readProjectFiles(fsys fs.FS, pattern string) (map[string]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob %q", pattern)
	}
	files := make(map[string]string)
	err := doublestar.GlobWalk(fsys, pattern, func(path string, d fs.DirEntry) error {
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		files[path] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read project files: %w", err)
	}
	return files, nil
}

func writeResult(w io.Writer, result *pipeline.PipelineResult, format string) error {
	if format == "yaml" {
		// round-trip through json so the json field names are kept
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
