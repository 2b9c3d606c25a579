package main

import (
	"context"
	"errors"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jkaninda/detsandbox/internal/ir"
	"github.com/jkaninda/detsandbox/internal/loader"
)

var showRaw bool

var showCmd = &cobra.Command{
	Use:   "show <archive> <class>",
	Short: "Disassemble a class as read and as rewritten into the sandbox",
	Args:  cobra.ExactArgs(2),
	RunE:  runShow,
}

var treeCmd = &cobra.Command{
	Use:   "tree <archive> <class>",
	Short: "Print the classes a class depends on and the references it makes",
	Args:  cobra.ExactArgs(2),
	RunE:  runTree,
}

func init() {
	showCmd.Flags().BoolVar(&showRaw, "raw", false, "only print the class as read")
}

func runShow(cmd *cobra.Command, args []string) error {
	archive, name := args[0], args[1]
	env, err := setup([]string{archive})
	if err != nil {
		return err
	}
	defer env.Cleanup()

	p := newPrinter(cmd.OutOrStdout(), env.Policy.MinSeverity())

	raw, err := env.Source.Class(name)
	if err != nil {
		return err
	}
	text, err := ir.Disassemble(raw)
	if err != nil {
		return err
	}
	p.header(name)
	p.printf("%s", text)
	if showRaw {
		return nil
	}

	lc, err := env.newLoader().Load(context.Background(), name)
	if err != nil {
		var rej *loader.RejectionError
		if errors.As(err, &rej) {
			p.failure(err)
			return &exitError{code: 2}
		}
		return err
	}
	text, err = ir.Disassemble(lc.Definition)
	if err != nil {
		return err
	}
	p.printf("\n")
	p.header(lc.SandboxName)
	p.printf("%s\n", p.render(mutedStyle, "# digest "+lc.ByteCode.DigestHex()))
	if !lc.ByteCode.IsModified {
		p.printf("%s\n", p.render(mutedStyle, "# defined unmodified"))
	}
	p.printf("%s", text)
	return nil
}

func runTree(cmd *cobra.Command, args []string) error {
	archive, name := args[0], args[1]
	env, err := setup([]string{archive})
	if err != nil {
		return err
	}
	defer env.Cleanup()

	actx, res, err := env.newLoader().Inspect(name)
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout(), env.Policy.MinSeverity())
	p.header("Classes")
	for _, line := range actx.Hierarchy.Describe() {
		p.printf("  %s\n", line)
	}

	p.printf("\n")
	p.header("References")
	for _, class := range actx.Hierarchy.Names() {
		refs := actx.References.From(class)
		if len(refs) == 0 {
			continue
		}
		p.printf("  %s\n", class)
		for _, ref := range refs {
			locs := len(actx.References.Locations(ref))
			if reason, rejected := res.Rejected[ref.Key()]; rejected {
				p.printf("    %s %s (%s)\n", p.render(errorStyle, "x"), ref, reason.Describe())
				continue
			}
			p.printf("    %s %s %s\n", p.render(goodStyle, "-"), ref, p.render(mutedStyle, plural(locs, "location")))
		}
	}
	return nil
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return strconv.Itoa(n) + " " + word + "s"
}
