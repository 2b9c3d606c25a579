package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/detsandbox/internal/costing"
	"github.com/jkaninda/detsandbox/internal/execution"
)

var (
	runTimeout time.Duration
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run <archive> <class> [input]",
	Short: "Run an entry point in a fresh sandbox",
	Long: `Run the apply method of a class implementing lang/Function in a fresh
sandbox. The input is passed as an integer when it parses as one, as a
float, as a boolean for "true" and "false", and as a string otherwise.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runRun,
}

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "session timeout (default from config, else 30s)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the summary as JSON")
}

// parseInput converts a command-line argument into an input value.
func parseInput(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if s == "true" || s == "false" {
		return s == "true"
	}
	return s
}

func runRun(cmd *cobra.Command, args []string) error {
	archive, entry := args[0], args[1]
	var input any
	if len(args) == 3 {
		input = parseInput(args[2])
	}

	env, err := setup([]string{archive})
	if err != nil {
		return err
	}
	defer env.Cleanup()

	sbx, err := env.sandbox()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	summary, err := sbx.Execute(ctx, execution.ExecutionRequest{
		Entry:   entry,
		Input:   input,
		Timeout: runTimeout,
	})
	p := newPrinter(cmd.OutOrStdout(), env.Policy.MinSeverity())
	if err != nil {
		p.failure(err)
		var serr *execution.SandboxError
		if errors.As(err, &serr) && serr.Summary != nil {
			printSummary(p, serr.Summary)
		}
		return &exitError{code: 3}
	}

	if runJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	p.printf("%s %v\n", p.render(goodStyle, "Result:"), summary.Output)
	printSummary(p, summary)
	return nil
}

func printSummary(p *printer, s *execution.Summary) {
	if p.compact {
		p.printf("%s\n", p.render(mutedStyle, s.Costs.String()))
		return
	}
	p.header("Session " + s.SessionID)
	p.printf("  duration: %s\n", s.Duration.Round(time.Microsecond))
	for _, c := range costing.Costs {
		p.printf("  %-12s %d\n", c.String()+":", s.Costs.Get(c))
	}
	p.printf("  classes:     %d defined, %d trusted, %d rewritten, %d rejected\n",
		s.Classes.Defined, s.Classes.Trusted, s.Classes.Modified, s.Classes.Rejected)
}
