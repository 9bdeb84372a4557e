package main

import (
	"fmt"
	"os"

	"anybutton/internal/config"
	"anybutton/internal/registry"
	"anybutton/internal/store"

	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath   string
	workspaceDir string
	noWorkspace  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "anybutton",
		Short:         "AnyButton: user-defined buttons injected into web pages",
		Long:          "AnyButton renders user-defined buttons into matching pages and runs their url, js or shell actions.",
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a config.yaml applied over the workspace config")
	root.PersistentFlags().StringVar(&opts.workspaceDir, "workspace-dir", "", "use this directory as the workspace root instead of searching upward")
	root.PersistentFlags().BoolVar(&opts.noWorkspace, "no-workspace", false, "ignore any .anybutton/ workspace")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd(opts))
	root.AddCommand(buttonsCmd(opts))
	root.AddCommand(renderCmd(opts))
	root.AddCommand(clickCmd(opts))
	root.AddCommand(hostCmd(opts))
	root.AddCommand(traceCmd(opts))

	return root
}

func (o *globalOptions) load() (config.Config, string, error) {
	cfg, wsDir, err := config.LoadWithWorkspace(o.configPath, config.WorkspaceOptions{
		Disable:     o.noWorkspace,
		ExplicitDir: o.workspaceDir,
	})
	if err != nil {
		return cfg, wsDir, fmt.Errorf("load config: %w", err)
	}
	return cfg, wsDir, nil
}

// openRegistry opens the configured store. The caller closes the store.
func openRegistry(cfg config.Config) (*registry.Registry, store.Store, error) {
	s, err := store.Open(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	return registry.New(s), s, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .anybutton/ workspace with a template config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			if err := config.InitWorkspace(root); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized workspace in %s\n", root)
			return nil
		},
	}
}
