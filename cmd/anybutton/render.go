package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"anybutton/internal/agent"
	"anybutton/internal/button"
	"anybutton/internal/config"
	"anybutton/internal/native"
	"anybutton/internal/page"
	"anybutton/internal/protocol"
	"anybutton/internal/relay"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const cliTabID = "cli"

// pageFlags select the static document an offline agent runs against.
type pageFlags struct {
	url  string
	html string
	csp  string
}

func (f *pageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "URL the page is treated as (matched against button origins)")
	cmd.Flags().StringVar(&f.html, "html", "-", `HTML file to load, "-" for stdin`)
	cmd.Flags().StringVar(&f.csp, "csp", "", "Content-Security-Policy override for in-page scripts")
	_ = cmd.MarkFlagRequired("url")
}

func (f *pageFlags) load(cmd *cobra.Command, cfg config.Config, opener func(context.Context, string) error) (*page.Page, error) {
	markup, err := readInput(cmd, f.html)
	if err != nil {
		return nil, err
	}
	return page.Load(f.url, string(markup), page.Options{
		CSP:           f.csp,
		ScriptTimeout: cfg.Agent.GetScriptTimeout(),
		Opener:        opener,
	})
}

func renderCmd(opts *globalOptions) *cobra.Command {
	var pf pageFlags

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render matching buttons into an HTML document and print the result",
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

			pg, err := pf.load(cmd, cfg, nil)
			if err != nil {
				return err
			}
			a, err := agent.New(cmd.Context(), pg, nil, reg, agent.Options{
				TabID:        cliTabID,
				MatchTimeout: cfg.Agent.GetMatchTimeout(),
			})
			if err != nil {
				return err
			}
			added, err := a.AddButtons(cmd.Context())
			if err != nil {
				return err
			}

			html, err := pg.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "rendered %d of %d matching buttons into %q\n",
				added, len(a.MatchingButtons(pf.url)), pg.Document().Title())
			fmt.Fprintln(cmd.OutOrStdout(), html)
			return nil
		},
	}
	pf.register(cmd)
	return cmd
}

func clickCmd(opts *globalOptions) *cobra.Command {
	var (
		pf       pageFlags
		wait     time.Duration
		snapshot bool
	)

	cmd := &cobra.Command{
		Use:   "click <name>",
		Short: "Render buttons into an HTML document and click one",
		Long: `Renders matching buttons into the document, then clicks the named one.
Escalations go to an in-process relay, so a js action the page refuses runs
with privileges and a shell action runs through the native helper. Shell
output is always reported back to this command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			cfg.Relay.ReportShellOutput = true

			reg, s, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			pg, err := pf.load(cmd, cfg, func(_ context.Context, url string) error {
				fmt.Fprintf(out, "open %s\n", url)
				return nil
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			router := relay.NewRouter(cfg.Relay.GetQueueSize())
			ep := router.Connect(cliTabID)
			defer ep.Close()
			go relay.New(router, relay.Options{Config: cfg.Relay}).Run(ctx, router.Inbox())

			a, err := agent.New(ctx, pg, ep, reg, agent.Options{
				TabID:        cliTabID,
				MatchTimeout: cfg.Agent.GetMatchTimeout(),
			})
			if err != nil {
				return err
			}
			if _, err := a.AddButtons(ctx); err != nil {
				return err
			}

			outcome, err := a.Click(ctx, args[0])
			if err != nil {
				return err
			}
			printOutcome(out, outcome)

			if outcome.Escalated && outcome.ActionType == button.ActionShell {
				// The relay only logs a missing helper, so fail here instead of waiting.
				if _, err := native.FindManifest(cfg.Relay.NativeHost, cfg.Relay.ManifestDirs); err != nil {
					return err
				}
			}
			if outcome.Escalated {
				r, err := awaitReport(ctx, ep.Reports(), wait)
				if err != nil {
					return err
				}
				printReport(out, r)
			}
			if snapshot {
				html, err := pg.Snapshot(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, html)
			}
			return nil
		},
	}
	pf.register(cmd)
	cmd.Flags().DurationVar(&wait, "wait", 70*time.Second, "how long to wait for the relay's report")
	cmd.Flags().BoolVar(&snapshot, "snapshot", false, "print the document after the click")
	return cmd
}

var errNoReport = errors.New("relay sent no report")

func awaitReport(ctx context.Context, reports <-chan protocol.Report, wait time.Duration) (protocol.Report, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case r, ok := <-reports:
		if !ok {
			return protocol.Report{}, errNoReport
		}
		return r, nil
	case <-timer.C:
		return protocol.Report{}, fmt.Errorf("%w within %s", errNoReport, wait)
	case <-ctx.Done():
		return protocol.Report{}, ctx.Err()
	}
}

func printOutcome(w io.Writer, o agent.Outcome) {
	color.New(color.FgCyan, color.Bold).Fprintf(w, "%s", o.Button)
	fmt.Fprintf(w, " [%s] %s\n", o.ActionType, o.Action)
	if o.LocalError != "" {
		color.New(color.FgYellow).Fprintf(w, "  refused in page: %s\n", o.LocalError)
	}
	if o.Escalated {
		fmt.Fprintln(w, "  escalated to relay")
	} else if o.ActionType == button.ActionJS {
		color.New(color.FgGreen).Fprintln(w, "  ran in page")
	}
}

func printReport(w io.Writer, r protocol.Report) {
	switch r.Type {
	case protocol.TypeScriptExecuted:
		color.New(color.FgGreen).Fprintln(w, "  relay: script executed")
	case protocol.TypeScriptError:
		color.New(color.FgRed).Fprintf(w, "  relay: script error: %s\n", r.Error)
	case protocol.TypeShellOutput:
		if r.Error != "" {
			color.New(color.FgRed).Fprintf(w, "  shell error: %s\n", r.Error)
		}
		if r.Output != "" {
			fmt.Fprint(w, r.Output)
		}
	default:
		fmt.Fprintf(w, "  relay: %s\n", r.Type)
	}
}
