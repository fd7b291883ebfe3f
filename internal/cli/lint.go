package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"meridian/internal/config"
	"meridian/internal/dsl"
	"meridian/internal/registry"
)

// LintReport: результат проверки каталога определений.
type LintReport struct {
	Status string           `json:"status"` // ok | error
	Dir    string           `json:"dir"`
	Issues []registry.Issue `json:"issues"`
	Error  string           `json:"error,omitempty"`
}

var errLintFailed = errors.New("definitions have blocking issues")

func NewLintCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lint [definitions-dir]",
		Short: "Check definitions without starting the server",
		Long: `Load entities, rules, workflows, permissions and plugin bindings
and report problems. Exits non-zero when a blocking issue is found.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, err := config.Load(rootOpts.ConfigPath)
				if err != nil {
					return err
				}
				dir = cfg.DefinitionsDir
			}
			rep := lintDir(cmd, dir)
			if err := writeReport(cmd.OutOrStdout(), rootOpts.Format, rep); err != nil {
				return err
			}
			if rep.Status != "ok" {
				return errLintFailed
			}
			return nil
		},
	}
}

func lintDir(cmd *cobra.Command, dir string) LintReport {
	rep := LintReport{Status: "ok", Dir: dir, Issues: []registry.Issue{}}
	reg := registry.New(slog.New(slog.DiscardHandler))
	err := reg.ReloadAll(cmd.Context(), dsl.NewDirSource(dir))

	var lerr *registry.LintError
	switch {
	case errors.As(err, &lerr):
		rep.Status = "error"
		rep.Issues = append(rep.Issues, lerr.Issues...)
	case err != nil:
		rep.Status = "error"
		rep.Error = err.Error()
	default:
		rep.Issues = append(rep.Issues, reg.Lint()...)
	}
	return rep
}

func writeReport(w io.Writer, format string, rep LintReport) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	if rep.Error != "" {
		_, err := fmt.Fprintf(w, "✗ %s: %s\n", rep.Dir, rep.Error)
		return err
	}
	for _, i := range rep.Issues {
		mark := "warning"
		if i.Blocking {
			mark = "error"
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", mark, i); err != nil {
			return err
		}
	}
	if rep.Status == "ok" {
		_, err := fmt.Fprintf(w, "✓ %s: definitions valid (%d warning(s))\n", rep.Dir, len(rep.Issues))
		return err
	}
	return nil
}
