package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/detsandbox/internal/ir"
	"github.com/jkaninda/detsandbox/internal/messages"
)

var checkCmd = &cobra.Command{
	Use:   "check <archive> [class...]",
	Short: "Analyze classes and report every reference the policy forbids",
	Long: `Analyze the named classes, or every class of the archive when none is
named, and print the diagnostics collected. Exits with status 2 when any
class would be rejected.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	archive, classes := args[0], args[1:]
	env, err := setup([]string{archive})
	if err != nil {
		return err
	}
	defer env.Cleanup()

	if len(classes) == 0 {
		a, err := ir.OpenArchive(archive)
		if err != nil {
			return err
		}
		classes = a.Names()
		_ = a.Close()
	}

	l := env.newLoader()
	all := messages.NewCollection()
	for _, name := range classes {
		actx, res, err := l.Inspect(name)
		if err != nil {
			return err
		}
		all.Merge(actx.Messages)
		env.Logger.Info("class checked",
			slog.String("class", name),
			slog.Int("classes", actx.Hierarchy.Len()),
			slog.Int("references", res.References),
			slog.Int("rejected", len(res.Rejected)),
		)
	}

	p := newPrinter(cmd.OutOrStdout(), env.Policy.MinSeverity())
	p.diagnostics(all)
	if all.HasErrors() {
		fmt.Fprintf(os.Stderr, "%d classes with errors\n", len(all.ClassesWithErrors()))
		return &exitError{code: 2}
	}
	return nil
}
