package main

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/jkaninda/detsandbox/internal/ir"
)

var buildOutput string

var buildCmd = &cobra.Command{
	Use:   "build <source.yaml>...",
	Short: "Assemble unit sources into a class archive",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBuild,
}

var (
	newOutput string
	newForce  bool
)

var newCmd = &cobra.Command{
	Use:   "new <class>",
	Short: "Write the source of a new entry point",
	Long: `Write the source of a new entry point implementing lang/Function.
The generated apply method returns its argument; edit it and assemble the
result with "detsandbox build".`,
	Args: cobra.ExactArgs(1),
	RunE: runNew,
}

func init() {
	buildCmd.Flags().StringVarP(&buildOutput, "output", "o", "out.car", "archive to write")
	newCmd.Flags().StringVarP(&newOutput, "output", "o", "", "source file to write (default: <SimpleName>.yaml)")
	newCmd.Flags().BoolVarP(&newForce, "force", "f", false, "overwrite an existing file")
}

func runBuild(cmd *cobra.Command, args []string) error {
	var classes []*ir.Class
	for _, src := range args {
		f, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("opening source: %w", err)
		}
		cs, err := ir.Assemble(f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("assembling %s: %w", src, err)
		}
		classes = append(classes, cs...)
	}

	var buf bytes.Buffer
	if err := ir.WriteArchive(&buf, classes); err != nil {
		return err
	}
	if err := os.WriteFile(buildOutput, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d classes to %s\n", len(classes), buildOutput)
	return nil
}

var entryTemplate = template.Must(template.New("entry").Parse(`# {{.Name}}: entry point for "detsandbox run".
class: {{.Name}}
source: {{.File}}
interfaces: [lang/Function]
methods:
  - name: <init>
    desc: ()V
    access: [public]
    code: |
      LOAD 0
      INVOKESPECIAL lang/Object.<init>:()V
      RETURN
  - name: apply
    desc: (Llang/Object;)Llang/Object;
    access: [public]
    code: |
      LOAD 1
      VRETURN
`))

func runNew(cmd *cobra.Command, args []string) error {
	name := strings.Trim(strings.ReplaceAll(args[0], ".", "/"), "/")
	if name == "" {
		return fmt.Errorf("invalid class name %q", args[0])
	}
	simple := path.Base(name)
	out := newOutput
	if out == "" {
		out = simple + ".yaml"
	}

	var buf bytes.Buffer
	if err := entryTemplate.Execute(&buf, struct{ Name, File string }{name, simple + ".yaml"}); err != nil {
		return err
	}
	// The scaffold must assemble as written.
	if _, err := ir.AssembleString(buf.String()); err != nil {
		return fmt.Errorf("generated source for %s does not assemble: %w", name, err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if newForce {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(out, flags, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", out, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s for %s\n", out, name)
	return nil
}
