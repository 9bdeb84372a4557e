// Package agent is the per-page runtime: it renders matching buttons into a
// page, keeps them rendered as the page changes, and dispatches clicks either
// locally or to the privileged relay.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"anybutton/internal/button"
	"anybutton/internal/facts"
	"anybutton/internal/protocol"

	"github.com/google/uuid"
)

// ErrUnknownButton is returned by Click for a name no matching button has.
var ErrUnknownButton = errors.New("no matching button with that name")

// Element is what the agent asks a page to render.
type Element struct {
	ID    string
	Label string
	Style string
}

// Page is the host document the agent runs in. Implementations must be safe
// for use from the agent loop and from click callbacks.
type Page interface {
	URL(ctx context.Context) (string, error)
	ElementExists(ctx context.Context, id string) (bool, error)
	// QueryText returns the trimmed text of the first match, "" when nothing
	// matches, and an error for an invalid selector.
	QueryText(ctx context.Context, selector string) (string, error)
	// AppendButton appends el to the first element matching container and
	// arranges for onClick to run when it is clicked. It reports false when
	// no container matches.
	AppendButton(ctx context.Context, container string, el Element, onClick func()) (bool, error)
	// Snapshot serializes the document element.
	Snapshot(ctx context.Context) (string, error)
	// Open loads url in a new browsing context.
	Open(ctx context.Context, url string) error
	// Eval runs code in the page's restricted context.
	Eval(ctx context.Context, code string) error
	// Observe calls notify after every structural mutation batch.
	Observe(ctx context.Context, notify func()) (stop func(), err error)
}

// Channel carries escalations to the relay and reports back from it.
type Channel interface {
	Send(ctx context.Context, msg protocol.Message) error
	Reports() <-chan protocol.Report
}

// ButtonSource is read once when the agent starts.
type ButtonSource interface {
	List(ctx context.Context) ([]button.Button, error)
}

type Options struct {
	// TabID identifies the page to the relay; a random one is generated when empty.
	TabID string
	// MatchTimeout bounds a single origin match.
	MatchTimeout time.Duration
	Facts        facts.Sink
	// OnReport, when set, sees every relay report after it is logged.
	OnReport func(protocol.Report)
}

type entry struct {
	button  button.Button
	matcher *button.Matcher
}

// Agent holds a fixed snapshot of the registry for the lifetime of a page.
type Agent struct {
	tabID    string
	page     Page
	channel  Channel
	entries  []entry
	sink     facts.Sink
	onReport func(protocol.Report)

	pending chan struct{}
	clicks  chan button.Button
}

// New reads the button list once and compiles every origin. Patterns that do
// not compile are kept with a nil matcher and never match.
func New(ctx context.Context, page Page, channel Channel, source ButtonSource, opts Options) (*Agent, error) {
	buttons, err := source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("read buttons: %w", err)
	}

	timeout := opts.MatchTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	entries := make([]entry, 0, len(buttons))
	for _, b := range buttons {
		m, err := button.CompileOrigin(b.Origin, timeout)
		if err != nil {
			log.Printf("[agent] button %q: origin %q does not compile: %v", b.Name, b.Origin, err)
		}
		entries = append(entries, entry{button: b, matcher: m})
	}

	tabID := opts.TabID
	if tabID == "" {
		tabID = uuid.NewString()
	}

	return &Agent{
		tabID:    tabID,
		page:     page,
		channel:  channel,
		entries:  entries,
		sink:     opts.Facts,
		onReport: opts.OnReport,
		pending:  make(chan struct{}, 1),
		clicks:   make(chan button.Button, 16),
	}, nil
}

func (a *Agent) TabID() string { return a.tabID }

// Page returns the host page.
func (a *Agent) Page() Page { return a.page }

// MatchingButtons returns, in registry order, the buttons whose origin
// matches url.
func (a *Agent) MatchingButtons(url string) []button.Button {
	var out []button.Button
	for _, e := range a.entries {
		if e.matcher.Match(url) {
			out = append(out, e.button)
		}
	}
	return out
}

// AddButtons inserts every matching button that is not already in the page.
// It is safe to call any number of times; a failure on one button never
// stops the others. It returns the number of buttons inserted.
func (a *Agent) AddButtons(ctx context.Context) (int, error) {
	url, err := a.page.URL(ctx)
	if err != nil {
		return 0, fmt.Errorf("read page url: %w", err)
	}

	added := 0
	for _, b := range a.MatchingButtons(url) {
		exists, err := a.page.ElementExists(ctx, b.Name)
		if err != nil {
			log.Printf("[agent] %s: check %q: %v", a.tabID, b.Name, err)
			continue
		}
		if exists {
			continue
		}

		rendered := b
		ok, err := a.page.AppendButton(ctx, b.Location, Element{ID: b.Name, Label: b.Label, Style: b.Style}, func() {
			a.enqueueClick(rendered)
		})
		if err != nil {
			log.Printf("[agent] %s: render %q into %q: %v", a.tabID, b.Name, b.Location, err)
			continue
		}
		if !ok {
			continue
		}
		added++
		facts.RecordTo(ctx, a.sink, facts.ButtonRendered, a.tabID, b.Name)
	}
	return added, nil
}

// ExtractVariables resolves each variable's selector against the current
// page, in order. Missing elements and invalid selectors resolve to "".
func (a *Agent) ExtractVariables(ctx context.Context, vars []button.Variable) []button.Variable {
	out := make([]button.Variable, 0, len(vars))
	for _, v := range vars {
		text, err := a.page.QueryText(ctx, v.Value)
		if err != nil {
			text = ""
		}
		out = append(out, button.Variable{Key: v.Key, Value: text})
	}
	return out
}

// Substitute replaces every literal "{key}" in action with its resolved
// value, key by key in first-appearance order. When a key repeats, the last
// value wins. Placeholders with no variable are left as they are.
func Substitute(action string, resolved []button.Variable) string {
	values := make(map[string]string, len(resolved))
	order := make([]string, 0, len(resolved))
	for _, v := range resolved {
		if _, seen := values[v.Key]; !seen {
			order = append(order, v.Key)
		}
		values[v.Key] = v.Value
	}
	for _, key := range order {
		action = strings.ReplaceAll(action, "{"+key+"}", values[key])
	}
	return action
}

// Outcome describes what a dispatch did.
type Outcome struct {
	Button     string            `json:"button"`
	ActionType button.ActionType `json:"actionType"`
	Action     string            `json:"action"`
	// Escalated is set when a message was sent to the relay.
	Escalated bool `json:"escalated"`
	// LocalError is the direct execution fault that caused a js escalation.
	LocalError string `json:"localError,omitempty"`
}

// Dispatch runs b's action against the current page.
func (a *Agent) Dispatch(ctx context.Context, b button.Button) (Outcome, error) {
	action := Substitute(b.Action, a.ExtractVariables(ctx, b.Variables))
	out := Outcome{Button: b.Name, ActionType: b.ActionType, Action: action}
	facts.RecordTo(ctx, a.sink, facts.ButtonClicked, a.tabID, b.Name, string(b.ActionType))

	switch b.ActionType {
	case button.ActionURL:
		if err := a.page.Open(ctx, action); err != nil {
			log.Printf("[agent] %s: open %q: %v", a.tabID, action, err)
		}
		return out, nil

	case button.ActionJS:
		evalErr := a.page.Eval(ctx, action)
		if evalErr == nil {
			return out, nil
		}
		log.Printf("[agent] %s: %q failed in page, escalating: %v", a.tabID, b.Name, evalErr)
		out.LocalError = evalErr.Error()
		dom, err := a.page.Snapshot(ctx)
		if err != nil {
			log.Printf("[agent] %s: snapshot after fault: %v", a.tabID, err)
		}
		return out, a.escalate(ctx, &out, protocol.RunJS(action, dom))

	case button.ActionShell:
		return out, a.escalate(ctx, &out, protocol.RunShell(action))

	default:
		log.Printf("[agent] %s: %q has unknown action type %q", a.tabID, b.Name, b.ActionType)
		return out, fmt.Errorf("unknown action type %q", b.ActionType)
	}
}

func (a *Agent) escalate(ctx context.Context, out *Outcome, msg protocol.Message) error {
	if a.channel == nil {
		return errors.New("no relay channel")
	}
	if err := a.channel.Send(ctx, msg); err != nil {
		log.Printf("[agent] %s: send %s: %v", a.tabID, msg.Type, err)
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	out.Escalated = true
	facts.RecordTo(ctx, a.sink, facts.EscalationSent, a.tabID, msg.Type)
	return nil
}

// Click dispatches the button named name if it matches the current URL.
// Rendered elements do not go through Click; they dispatch the button they
// were rendered for.
func (a *Agent) Click(ctx context.Context, name string) (Outcome, error) {
	url, err := a.page.URL(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("read page url: %w", err)
	}
	for _, b := range a.MatchingButtons(url) {
		if b.Name == name {
			return a.Dispatch(ctx, b)
		}
	}
	return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownButton, name)
}

// Notify schedules a placement pass. Notifications that arrive while one is
// pending collapse into it.
func (a *Agent) Notify() {
	select {
	case a.pending <- struct{}{}:
	default:
	}
}

// enqueueClick queues the button a rendered element was bound to. It is
// dispatched as rendered, even if the page URL has changed since.
func (a *Agent) enqueueClick(b button.Button) {
	select {
	case a.clicks <- b:
	default:
		log.Printf("[agent] %s: click queue full, dropping %q", a.tabID, b.Name)
	}
}

// Run is the page's event loop. It renders once, then handles mutation
// notifications, clicks and relay reports until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	stop, err := a.page.Observe(ctx, a.Notify)
	if err != nil {
		return fmt.Errorf("observe page: %w", err)
	}
	defer stop()

	var reports <-chan protocol.Report
	if a.channel != nil {
		reports = a.channel.Reports()
	}

	a.Notify()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.pending:
			if _, err := a.AddButtons(ctx); err != nil {
				log.Printf("[agent] %s: render pass: %v", a.tabID, err)
			}
		case b := <-a.clicks:
			if _, err := a.Dispatch(ctx, b); err != nil {
				log.Printf("[agent] %s: click %q: %v", a.tabID, b.Name, err)
			}
		case r, ok := <-reports:
			if !ok {
				reports = nil
				continue
			}
			a.handleReport(ctx, r)
		}
	}
}

func (a *Agent) handleReport(ctx context.Context, r protocol.Report) {
	switch r.Type {
	case protocol.TypeScriptExecuted:
		log.Printf("[agent] %s: relay executed script", a.tabID)
	case protocol.TypeScriptError:
		log.Printf("[agent] %s: relay script error: %s", a.tabID, r.Error)
	case protocol.TypeShellOutput:
		log.Printf("[agent] %s: shell output: %q (error %q)", a.tabID, r.Output, r.Error)
	default:
		log.Printf("[agent] %s: unknown report %q", a.tabID, r.Type)
	}
	msg := r.Error
	if r.Type == protocol.TypeShellOutput && msg == "" {
		msg = r.Output
	}
	facts.RecordTo(ctx, a.sink, facts.RelayReport, a.tabID, r.Type, msg)
	if a.onReport != nil {
		a.onReport(r)
	}
}
