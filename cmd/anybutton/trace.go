package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"anybutton/internal/recorder"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func traceCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect relay traces written under relay.trace_dir",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List traces, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := traceDir(opts)
			if err != nil {
				return err
			}
			paths, err := recorder.List(dir)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no traces in %s\n", dir)
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), filepath.Base(p))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show [file]",
		Short: "Print the events of a trace (default: the newest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := traceDir(opts)
			if err != nil {
				return err
			}
			var path string
			if len(args) == 1 {
				path = args[0]
				if !filepath.IsAbs(path) && filepath.Dir(path) == "." {
					path = filepath.Join(dir, path)
				}
			} else {
				paths, err := recorder.List(dir)
				if err != nil {
					return err
				}
				if len(paths) == 0 {
					return fmt.Errorf("no traces in %s", dir)
				}
				path = paths[0]
			}

			events, err := recorder.Read(path)
			if err != nil {
				return err
			}
			kind := color.New(color.FgYellow)
			for _, e := range events {
				fmt.Fprintf(cmd.OutOrStdout(), "%s ", e.Timestamp.Format("15:04:05.000"))
				kind.Fprintf(cmd.OutOrStdout(), "%-16s", e.Kind)
				fmt.Fprintf(cmd.OutOrStdout(), " %s %s\n", e.TabID, e.Data)
			}
			return nil
		},
	})
	return cmd
}

func traceDir(opts *globalOptions) (string, error) {
	cfg, _, err := opts.load()
	if err != nil {
		return "", err
	}
	if cfg.Relay.TraceDir == "" {
		return "", errors.New("relay.trace_dir is not set")
	}
	return cfg.Relay.TraceDir, nil
}
