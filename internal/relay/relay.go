// Package relay is the privileged side of the system. It receives escalations
// from page agents, runs faulted scripts against a parsed copy of the page,
// forwards shell commands to the native helper, and reports outcomes back to
// the originating tab.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"anybutton/internal/config"
	"anybutton/internal/facts"
	"anybutton/internal/native"
	"anybutton/internal/protocol"
	"anybutton/internal/recorder"
	"anybutton/internal/script"

	"github.com/PuerkitoBio/goquery"
)

// Reporter delivers a report to one tab.
type Reporter interface {
	SendToTab(tabID string, report protocol.Report) error
}

// Poster is a live connection to the native helper.
type Poster interface {
	Post(v interface{}) error
	Disconnect()
}

// Connector opens a helper connection on behalf of a tab.
type Connector func(ctx context.Context, tabID string, h native.Handlers) (Poster, error)

type Options struct {
	Config   config.RelayConfig
	Executor script.Executor
	// Connect defaults to launching the host named by Config.NativeHost.
	Connect  Connector
	Recorder *recorder.Recorder
	Facts    facts.Sink
}

type Relay struct {
	cfg      config.RelayConfig
	reporter Reporter
	exec     script.Executor
	connect  Connector
	trace    *recorder.Recorder
	sink     facts.Sink
}

func New(reporter Reporter, opts Options) *Relay {
	r := &Relay{
		cfg:      opts.Config,
		reporter: reporter,
		exec:     opts.Executor,
		connect:  opts.Connect,
		trace:    opts.Recorder,
		sink:     opts.Facts,
	}
	if r.exec == nil {
		r.exec = script.NewPrivileged(opts.Config.GetScriptTimeout())
	}
	if r.connect == nil {
		r.connect = NativeConnector(opts.Config)
	}
	return r
}

// NativeConnector resolves cfg.NativeHost in cfg.ManifestDirs and launches it
// with cfg.Origin and cfg.NativeTimeout.
func NativeConnector(cfg config.RelayConfig) Connector {
	return func(ctx context.Context, _ string, h native.Handlers) (Poster, error) {
		m, err := native.FindManifest(cfg.NativeHost, cfg.ManifestDirs)
		if err != nil {
			return nil, err
		}
		return native.Connect(ctx, m, cfg.Origin, cfg.GetNativeTimeout(), h)
	}
}

// Run handles envelopes one at a time until ctx ends or inbox is closed.
func (r *Relay) Run(ctx context.Context, inbox <-chan protocol.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-inbox:
			if !ok {
				return nil
			}
			r.Handle(ctx, env)
		}
	}
}

// Handle processes one escalation. It never panics.
func (r *Relay) Handle(ctx context.Context, env protocol.Envelope) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[relay] panic handling %s from tab %s: %v", env.Message.Type, env.TabID, p)
			if env.Message.Type == protocol.TypeRunJS {
				r.report(env.TabID, protocol.Report{Type: protocol.TypeScriptError, Error: fmt.Sprint(p)})
			}
		}
	}()

	r.trace.Record("request", env.TabID, env.Message)

	switch env.Message.Type {
	case protocol.TypeRunJS:
		r.runJS(ctx, env)
	case protocol.TypeRunShell:
		r.runShell(ctx, env)
	default:
		log.Printf("[relay] dropping unknown message type %q from tab %s", env.Message.Type, env.TabID)
	}
}

func (r *Relay) runJS(ctx context.Context, env protocol.Envelope) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(env.Message.DOM))
	if err == nil {
		err = r.exec.Run(ctx, env.Message.Code, doc)
	}
	if err != nil {
		log.Printf("[relay] script from tab %s failed: %v", env.TabID, err)
		r.report(env.TabID, protocol.Report{Type: protocol.TypeScriptError, Error: err.Error()})
		return
	}
	r.report(env.TabID, protocol.Report{Type: protocol.TypeScriptExecuted})
}

func (r *Relay) runShell(ctx context.Context, env protocol.Envelope) {
	tab := env.TabID
	port, err := r.connect(ctx, tab, native.Handlers{
		OnMessage: func(payload json.RawMessage) {
			log.Printf("[relay] native response for tab %s: %s", tab, payload)
			r.trace.Record("native-response", tab, payload)
			facts.RecordTo(ctx, r.sink, facts.NativeResponse, tab, string(payload))
			if r.cfg.ReportShellOutput {
				r.reportShellOutput(tab, payload)
			}
		},
		OnDisconnect: func(err error) {
			if err == nil {
				return
			}
			log.Printf("[relay] native host disconnected for tab %s: %v", tab, err)
			r.trace.Record("native-disconnect", tab, err.Error())
			facts.RecordTo(ctx, r.sink, facts.NativeDisconnect, tab, err.Error())
		},
	})
	if err != nil {
		log.Printf("[relay] cannot reach native host %s for tab %s: %v", r.cfg.NativeHost, tab, err)
		r.trace.Record("native-disconnect", tab, err.Error())
		facts.RecordTo(ctx, r.sink, facts.NativeDisconnect, tab, err.Error())
		return
	}
	if err := port.Post(env.Message.Code); err != nil {
		log.Printf("[relay] post to native host for tab %s: %v", tab, err)
		port.Disconnect()
	}
}

func (r *Relay) reportShellOutput(tab string, payload json.RawMessage) {
	var resp native.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		r.report(tab, protocol.Report{Type: protocol.TypeShellOutput, Error: fmt.Sprintf("unreadable helper response: %v", err)})
		return
	}
	rep := protocol.Report{Type: protocol.TypeShellOutput, Output: resp.Output}
	if !resp.Success {
		rep.Error = resp.Error
		if rep.Error == "" {
			rep.Error = "command failed"
		}
	}
	r.report(tab, rep)
}

func (r *Relay) report(tab string, rep protocol.Report) {
	r.trace.Record("report", tab, rep)
	if err := r.reporter.SendToTab(tab, rep); err != nil {
		log.Printf("[relay] report %s to tab %s: %v", rep.Type, tab, err)
	}
}
