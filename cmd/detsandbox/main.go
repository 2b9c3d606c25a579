// detsandbox loads untrusted compiled units, rejects what could behave
// non-deterministically and runs the rest under resource thresholds.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	level       string
	quiet       bool
	verbose     bool
	debug       bool
	colors      bool
	noColors    bool
	compact     bool
	configPath  string
	whitelist   string
	pinned      []string
	metricsFile string
}

var opts globalOptions

var rootCmd = &cobra.Command{
	Use:   "detsandbox",
	Short: "detsandbox: deterministic, resource-bounded execution of untrusted code.",
	Long: `detsandbox analyzes compiled units, rejects references to anything that
could behave non-deterministically, rewrites the rest into a private namespace
with cost accounting and runs it under allocation, invocation, jump and throw
thresholds.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&opts.level, "level", "", "lowest severity to report: TRACE, INFO, WARNING or ERROR")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "only report errors")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "report informational messages and log progress")
	f.BoolVar(&opts.debug, "debug", false, "log debug output and print full error chains")
	f.BoolVar(&opts.colors, "colors", false, "always color the output")
	f.BoolVar(&opts.noColors, "no-colors", false, "never color the output")
	f.BoolVar(&opts.compact, "compact", false, "print one line per class instead of every message")
	f.StringVarP(&opts.configPath, "config", "c", "", "path to config file (or DETSANDBOX_CONFIG env)")
	f.StringVarP(&opts.whitelist, "whitelist", "w", "", "whitelist: NONE, ALL, LANG, DEFAULT or a file")
	f.StringArrayVarP(&opts.pinned, "pin", "p", nil, "pin a class or prefix pattern; repeatable")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")
	rootCmd.MarkFlagsMutuallyExclusive("quiet", "verbose")
	rootCmd.MarkFlagsMutuallyExclusive("colors", "no-colors")

	rootCmd.AddCommand(buildCmd, newCmd, checkCmd, runCmd, showCmd, treeCmd, whitelistCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// exitError ends the process with code after the command has already
// reported the failure.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
