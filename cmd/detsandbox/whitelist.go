package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jkaninda/detsandbox/internal/ir"
	"github.com/jkaninda/detsandbox/internal/whitelist"
)

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Generate and inspect whitelists",
}

var whitelistOutput string

var whitelistGenerateCmd = &cobra.Command{
	Use:   "generate <archive>...",
	Short: "Write a whitelist admitting every class and member declared in the archives",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runWhitelistGenerate,
}

var whitelistShowCmd = &cobra.Command{
	Use:   "show [NONE|ALL|LANG|DEFAULT|file]",
	Short: "Print the patterns of a whitelist",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWhitelistShow,
}

func init() {
	whitelistGenerateCmd.Flags().StringVarP(&whitelistOutput, "output", "o", "", "file to write (default: stdout)")
	whitelistCmd.AddCommand(whitelistGenerateCmd, whitelistShowCmd)
}

func runWhitelistGenerate(cmd *cobra.Command, args []string) error {
	var classes []*ir.Class
	for _, path := range args {
		a, err := ir.OpenArchive(path)
		if err != nil {
			return err
		}
		for _, name := range a.Names() {
			c, err := a.Class(name)
			if err != nil {
				_ = a.Close()
				return err
			}
			classes = append(classes, c)
		}
		_ = a.Close()
	}
	patterns := whitelist.Generate(classes)

	var out io.Writer = cmd.OutOrStdout()
	if whitelistOutput != "" {
		f, err := os.Create(whitelistOutput)
		if err != nil {
			return fmt.Errorf("creating %s: %w", whitelistOutput, err)
		}
		defer f.Close()
		out = f
	}
	w := bufio.NewWriter(out)
	if err := whitelist.Write(w, patterns); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if whitelistOutput != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d patterns to %s\n", len(patterns), whitelistOutput)
	}
	return nil
}

func runWhitelistShow(cmd *cobra.Command, args []string) error {
	name := whitelist.NameDefault
	if len(args) == 1 {
		name = args[0]
	} else if opts.whitelist != "" {
		name = opts.whitelist
	}
	w, err := whitelist.Load(name)
	if err != nil {
		return err
	}
	p := newPrinter(cmd.OutOrStdout(), 0)
	p.printf("%s\n", p.render(mutedStyle, fmt.Sprintf("# %s: %d patterns", w.Name(), len(w.Patterns()))))
	return whitelist.Write(cmd.OutOrStdout(), w.Patterns())
}
