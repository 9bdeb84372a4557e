package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"anybutton/internal/agent"
	"anybutton/internal/browser"
	"anybutton/internal/config"
	"anybutton/internal/facts"
	mcpserver "anybutton/internal/mcp"
	"anybutton/internal/recorder"
	"anybutton/internal/relay"

	"github.com/spf13/cobra"
)

func serveCmd(opts *globalOptions) *cobra.Command {
	var (
		ssePort  int
		httpAddr string
		withMCP  bool
		withTabs bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the privileged relay, the browser host and the MCP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, wsDir, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("sse-port") {
				cfg.MCP.SSEPort = ssePort
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.Relay.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("mcp") {
				cfg.MCP.Enable = withMCP
			}
			if cmd.Flags().Changed("browser") {
				cfg.Browser.AutoStart = withTabs
			}

			// stderr interferes with the MCP stdio protocol.
			if cfg.MCP.Enable && cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
				logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
				if err == nil {
					log.SetOutput(logFile)
					defer logFile.Close()
				} else {
					log.SetOutput(io.Discard)
				}
			}
			if wsDir != "" {
				log.Printf("[serve] workspace %s", wsDir)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().IntVar(&ssePort, "sse-port", 0, "serve MCP over SSE on this port (overrides mcp.sse_port)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "listen address of the HTTP relay transport (overrides relay.http_addr)")
	cmd.Flags().BoolVar(&withMCP, "mcp", false, "serve MCP tools (overrides mcp.enable)")
	cmd.Flags().BoolVar(&withTabs, "browser", false, "launch or attach to Chrome at startup (overrides browser.auto_start)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	reg, s, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	engine, err := facts.NewEngine(cfg.Facts)
	if err != nil {
		return err
	}

	var trace *recorder.Recorder
	if cfg.Relay.TraceDir != "" {
		trace, err = recorder.Open(cfg.Relay.TraceDir, "serve")
		if err != nil {
			return err
		}
		defer trace.Close()
		log.Printf("[serve] tracing relay to %s", trace.Path())
	}

	router := relay.NewRouter(cfg.Relay.GetQueueSize())
	rl := relay.New(router, relay.Options{
		Config:   cfg.Relay,
		Recorder: trace,
		Facts:    engine,
	})

	errCh := make(chan error, 3)
	go func() {
		if err := rl.Run(ctx, router.Inbox()); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	if cfg.Relay.HTTPAddr != "" {
		httpServer := &http.Server{
			Addr:              cfg.Relay.HTTPAddr,
			Handler:           relay.Handler(router),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[serve] relay transport listening on %s", cfg.Relay.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	deps := mcpserver.Deps{Registry: reg, Relay: router, Facts: engine}
	if cfg.Browser.AutoStart {
		host := browser.NewHost(browser.Options{
			Browser: cfg.Browser,
			Agent:   cfg.Agent,
			Source:  reg,
			Facts:   engine,
			Channels: func(tabID string) (agent.Channel, func()) {
				ep := router.Connect(tabID)
				return ep, ep.Close
			},
		})
		if err := host.Start(ctx); err != nil {
			return err
		}
		defer host.Shutdown(context.Background())
		log.Printf("[serve] browser control url %s", host.ControlURL())

		for _, url := range cfg.Browser.OpenURLs {
			info, err := host.OpenTab(ctx, url)
			if err != nil {
				log.Printf("[serve] open %s: %v", url, err)
				continue
			}
			log.Printf("[serve] tab %s: %s", info.ID, url)
		}
		deps.Host = host
	} else {
		log.Printf("[serve] browser auto-start disabled")
	}

	if cfg.MCP.Enable {
		server, err := mcpserver.NewServer(cfg, deps)
		if err != nil {
			return err
		}
		go func() {
			var err error
			if cfg.MCP.SSEPort > 0 {
				log.Printf("[serve] MCP SSE server on port %d", cfg.MCP.SSEPort)
				err = server.StartSSE(ctx, cfg.MCP.SSEPort)
			} else {
				log.Printf("[serve] MCP stdio server")
				err = server.Start(ctx)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Printf("[serve] shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
