package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"anybutton/internal/native"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const runnerBinary = "any-button-runner"

func hostCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Manage the native shell helper",
	}
	cmd.AddCommand(hostInstallCmd(opts))
	cmd.AddCommand(hostShowCmd(opts))
	return cmd
}

func hostInstallCmd(opts *globalOptions) *cobra.Command {
	var (
		dir     string
		path    string
		origins []string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Write the helper manifest the relay launches shell commands through",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}

			if dir == "" {
				if len(cfg.Relay.ManifestDirs) == 0 {
					return errors.New("no --dir given and relay.manifest_dirs is empty")
				}
				dir = cfg.Relay.ManifestDirs[0]
			}
			if path == "" {
				path, err = defaultRunnerPath()
				if err != nil {
					return err
				}
			}
			if len(origins) == 0 && cfg.Relay.Origin != "" {
				origins = []string{cfg.Relay.Origin}
			}

			written, err := native.WriteManifest(dir, native.Manifest{
				Name:           cfg.Relay.NativeHost,
				Description:    "AnyButton shell runner",
				Path:           path,
				Type:           "stdio",
				AllowedOrigins: origins,
			})
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "wrote %s\n", written)
			fmt.Fprintf(cmd.OutOrStdout(), "  runner: %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "manifest directory (default: first relay.manifest_dirs entry)")
	cmd.Flags().StringVar(&path, "path", "", "runner executable (default: "+runnerBinary+" next to this binary)")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "origins allowed to launch the runner (default: relay.origin)")
	return cmd
}

func hostShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the manifest the relay would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			m, err := native.FindManifest(cfg.Relay.NativeHost, cfg.Relay.ManifestDirs)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			color.New(color.FgCyan, color.Bold).Fprintln(w, m.Name)
			fmt.Fprintf(w, "  path: %s\n", m.Path)
			fmt.Fprintf(w, "  type: %s\n", m.Type)
			if len(m.AllowedOrigins) == 0 {
				fmt.Fprintln(w, "  allowed origins: any")
			}
			for _, o := range m.AllowedOrigins {
				fmt.Fprintf(w, "  allowed origin: %s\n", o)
			}
			return nil
		},
	}
}

func defaultRunnerPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	name := runnerBinary
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(filepath.Dir(exe), name), nil
}
