package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"anybutton/internal/button"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func buttonsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buttons",
		Short: "Edit the stored button definitions",
	}
	cmd.AddCommand(buttonsListCmd(opts))
	cmd.AddCommand(buttonsAddCmd(opts))
	cmd.AddCommand(buttonsDeleteCmd(opts))
	cmd.AddCommand(buttonsImportCmd(opts))
	cmd.AddCommand(buttonsExportCmd(opts))
	return cmd
}

func buttonsListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List buttons in registry order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			reg, s, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			buttons, err := reg.List(cmd.Context())
			if err != nil {
				return err
			}
			printButtons(cmd.OutOrStdout(), buttons)
			return nil
		},
	}
}

func printButtons(w io.Writer, buttons []button.Button) {
	if len(buttons) == 0 {
		fmt.Fprintln(w, "no buttons")
		return
	}
	name := color.New(color.FgCyan, color.Bold)
	kind := color.New(color.FgYellow)
	dim := color.New(color.Faint)
	for _, b := range buttons {
		name.Fprintf(w, "%s", b.Name)
		fmt.Fprintf(w, "  %q  ", b.Label)
		kind.Fprintf(w, "[%s]", b.ActionType)
		fmt.Fprintln(w)
		dim.Fprintf(w, "    origin=%s location=%s\n", b.Origin, b.Location)
		fmt.Fprintf(w, "    action: %s\n", b.Action)
		for _, v := range b.Variables {
			fmt.Fprintf(w, "    {%s} <- %s\n", v.Key, v.Value)
		}
	}
}

func buttonsAddCmd(opts *globalOptions) *cobra.Command {
	var (
		b       button.Button
		kind    string
		vars    []string
		replace bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Save a button; a name in use gets an (n) suffix unless --replace is set",
		Example: `  anybutton buttons add --name search --label Search --origin 'example\.com' \
    --location body --type url --action 'https://s.example/?q={q}' --var q=h1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			b.ActionType = button.ActionType(kind)
			for _, raw := range vars {
				key, selector, ok := strings.Cut(raw, "=")
				if !ok || key == "" {
					return fmt.Errorf("--var %q: want key=selector", raw)
				}
				b.Variables = append(b.Variables, button.Variable{Key: key, Value: selector})
			}

			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			reg, s, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			stored, err := reg.Insert(cmd.Context(), b, replace)
			if err != nil {
				return err
			}
			if stored.Name != b.Name {
				color.New(color.FgYellow).Fprintf(cmd.OutOrStdout(), "name %q in use, saved as %q\n", b.Name, stored.Name)
				return nil
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "saved %q\n", stored.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&b.Name, "name", "", "unique button name, used as the element id")
	cmd.Flags().StringVar(&b.Label, "label", "", "visible button text")
	cmd.Flags().StringVar(&b.Origin, "origin", "", "regular expression tested against page URLs")
	cmd.Flags().StringVar(&b.Location, "location", "body", "CSS selector of the container")
	cmd.Flags().StringVar(&b.Style, "style", "", "inline style for the button")
	cmd.Flags().StringVar(&kind, "type", "", "action type: url, js or shell")
	cmd.Flags().StringVar(&b.Action, "action", "", "URL, script or shell command template")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "placeholder variable as key=selector (repeatable)")
	cmd.Flags().BoolVar(&replace, "replace", false, "replace a button with the same name")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func buttonsDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a button by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			reg, s, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := reg.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %q\n", args[0])
			return nil
		},
	}
}

func buttonsImportCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Import a JSON array of buttons, replacing same-named ones",
		Long: `Reads a JSON array of buttons (as written by export) from a file, or from
stdin when the argument is "-". Nothing is written unless every element is a
valid button.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}

			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			reg, s, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			imported, err := reg.Import(cmd.Context(), data)
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "imported %d buttons\n", len(imported))
			return nil
		},
	}
}

func buttonsExportCmd(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every button as a JSON array",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			reg, s, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			data, err := reg.Export(cmd.Context())
			if err != nil {
				return err
			}
			if output == "" {
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			return os.WriteFile(output, append(data, '\n'), 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

// readInput reads a file, or the command's stdin for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
