package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rdsync/internal/config"
	"github.com/roach88/rdsync/internal/harness"
)

// ValidationError is one invalid file.
type ValidationError struct {
	File    string `json:"file"`
	Kind    string `json:"kind"` // "config" or "scenario"
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool              `json:"valid"`
	Checked int               `json:"checked"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [scenario-file-or-dir]...",
		Short: "Validate a config file and scenario files",
		Long: `Validate the file given by --config and every scenario file named or
found under the given directories, without running anything.

Examples:
  rdsync validate --config rdsync.yaml
  rdsync validate ./scenarios
  rdsync validate --config rdsync.yaml ./scenarios/map_sync.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	if opts.Config == "" && len(paths) == 0 {
		return NewExitError(ExitCommandError, "nothing to validate: pass --config or scenario paths")
	}

	result := ValidationResult{Valid: true}
	fail := func(file, kind string, err error) {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{File: file, Kind: kind, Message: err.Error()})
	}

	if opts.Config != "" {
		formatter.VerboseLog("Validating config %s", opts.Config)
		result.Checked++
		if _, err := config.Load(opts.Config); err != nil {
			fail(opts.Config, "config", err)
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "cannot read path", err)
		}
		files := []string{path}
		if info.IsDir() {
			if files, err = findScenarioFiles(path, ""); err != nil {
				return WrapExitError(ExitCommandError, "failed to find scenarios", err)
			}
		}
		for _, file := range files {
			formatter.VerboseLog("Validating scenario %s", file)
			result.Checked++
			if _, err := harness.LoadScenario(file); err != nil {
				fail(file, "scenario", err)
			}
		}
	}

	return outputValidation(formatter, result)
}

func outputValidation(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.JSON() {
		if result.Valid {
			return formatter.Success(result)
		}
		code := ErrCodeScenario
		if result.Errors[0].Kind == "config" {
			code = ErrCodeConfig
		}
		if err := formatter.Error(code, fmt.Sprintf("%d invalid file(s)", len(result.Errors)), result.Errors); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "validation failed")
	}

	if result.Valid {
		return formatter.Success(fmt.Sprintf("✓ %d file(s) valid", result.Checked))
	}
	var b strings.Builder
	for _, e := range result.Errors {
		fmt.Fprintf(&b, "✗ %s (%s)\n  %s\n", e.File, e.Kind, e.Message)
	}
	fmt.Fprint(formatter.Writer, b.String())
	return NewExitError(ExitFailure, fmt.Sprintf("%d invalid file(s)", len(result.Errors)))
}
