package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/multistore/internal/compiler"
	"github.com/roach88/multistore/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationStats summarizes a compiled definition.
type CompilationStats struct {
	Reducers  int `json:"reducers"`
	Effects   int `json:"effects"`
	Persisted int `json:"persisted"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <definition>",
		Short: "Compile a store definition to JSON",
		Long: `Compile a CUE store definition to its JSON form.

The definition is validated first; an invalid definition is not written.

Examples:
  multistore compile ./store.cue
  multistore compile ./defs -o store.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	loaded, err := LoadDefinition(path)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	def := loaded.Definition
	formatter.VerboseLog("Loaded %d CUE file(s) from %s", loaded.FileCount, path)

	if verrs := compiler.Validate(def); len(verrs) > 0 {
		if formatter.JSON() {
			_ = formatter.Encode(CLIResponse{
				Status: "error",
				Data:   verrs,
				Error:  &CLIError{Code: verrs[0].Code, Message: verrs[0].Message},
			})
		} else {
			fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
			fmt.Fprintln(formatter.Writer)
			for _, e := range verrs {
				fmt.Fprintf(formatter.Writer, "  %s %s: %s\n", e.Code, e.Field, e.Message)
			}
		}
		return NewExitError(ExitCommandError, fmt.Sprintf("compilation failed with %d error(s)", len(verrs)))
	}

	if opts.Output != "" {
		if err := writeDefinition(def, opts.Output); err != nil {
			_ = formatter.Error(ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
			return WrapExitError(ExitCommandError, "failed to write output", err)
		}
	}

	if formatter.JSON() {
		return formatter.Success(def)
	}

	stats := calculateStats(def)
	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled store %q: %d reducer(s), %d effect(s)\n\n", def.Name, stats.Reducers, stats.Effects)
	fmt.Fprintln(w, "Reducers:")
	for _, r := range def.Reducers {
		suffix := ""
		if r.Persist != nil {
			suffix = " (persisted)"
		}
		fmt.Fprintf(w, "  %s: %s%s\n", r.Name, r.Kind, suffix)
	}
	if len(def.Effects) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Effects:")
		for _, e := range def.Effects {
			fmt.Fprintf(w, "  %s: %v → %s\n", e.Name, e.When, e.Then.Type)
		}
	}
	if def.Router != nil {
		fmt.Fprintf(w, "\nRouter: %s\n", def.Router.Key)
	}
	if opts.Output != "" {
		fmt.Fprintf(w, "\nWrote %s\n", opts.Output)
	}
	return nil
}

func calculateStats(def *ir.StoreDefinition) CompilationStats {
	stats := CompilationStats{Reducers: len(def.Reducers), Effects: len(def.Effects)}
	for _, r := range def.Reducers {
		if r.Persist != nil {
			stats.Persisted++
		}
	}
	return stats
}

// writeDefinition writes the definition as indented JSON.
func writeDefinition(def *ir.StoreDefinition, filename string) error {
	data, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling definition: %w", err)
	}
	return os.WriteFile(filename, append(data, '\n'), 0644)
}
