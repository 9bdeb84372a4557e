package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"anybutton/internal/button"
	"anybutton/internal/facts"
	"anybutton/internal/protocol"
)

// fakePage is a flat page: a set of containers, a map of selector -> text and
// the ids of everything rendered.
type fakePage struct {
	mu         sync.Mutex
	url        string
	containers map[string]bool
	texts      map[string]string
	rendered   map[string][]string // container -> ids
	handlers   map[string]func()
	evalErr    error
	evals      []string
	opened     []string
	notify     func()
}

func newFakePage(url string, containers ...string) *fakePage {
	p := &fakePage{
		url:        url,
		containers: map[string]bool{},
		texts:      map[string]string{},
		rendered:   map[string][]string{},
		handlers:   map[string]func(){},
	}
	for _, c := range containers {
		p.containers[c] = true
	}
	return p
}

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) ElementExists(_ context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handlers[id]
	return ok, nil
}

func (p *fakePage) QueryText(_ context.Context, selector string) (string, error) {
	if strings.Contains(selector, "[[") {
		return "", errors.New("invalid selector")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.texts[selector], nil
}

func (p *fakePage) AppendButton(_ context.Context, container string, el Element, onClick func()) (bool, error) {
	p.mu.Lock()
	if !p.containers[container] {
		p.mu.Unlock()
		return false, nil
	}
	p.rendered[container] = append(p.rendered[container], el.ID)
	p.handlers[el.ID] = onClick
	notify := p.notify
	p.mu.Unlock()
	if notify != nil {
		notify()
	}
	return true, nil
}

func (p *fakePage) Snapshot(context.Context) (string, error) {
	return "<html><body>after fault</body></html>", nil
}

func (p *fakePage) Open(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, url)
	return nil
}

func (p *fakePage) Eval(_ context.Context, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evals = append(p.evals, code)
	return p.evalErr
}

func (p *fakePage) Observe(_ context.Context, notify func()) (func(), error) {
	p.mu.Lock()
	p.notify = notify
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.notify = nil
		p.mu.Unlock()
	}, nil
}

// addContainer simulates late-loaded content.
func (p *fakePage) addContainer(c string) {
	p.mu.Lock()
	p.containers[c] = true
	notify := p.notify
	p.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (p *fakePage) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ids := range p.rendered {
		for _, got := range ids {
			if got == id {
				n++
			}
		}
	}
	return n
}

type fakeChannel struct {
	mu      sync.Mutex
	sent    []protocol.Message
	reports chan protocol.Report
	err     error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{reports: make(chan protocol.Report, 4)}
}

func (c *fakeChannel) Send(_ context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Reports() <-chan protocol.Report { return c.reports }

func (c *fakeChannel) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

type staticSource []button.Button

func (s staticSource) List(context.Context) ([]button.Button, error) { return s, nil }

type recordingSink struct {
	mu    sync.Mutex
	preds []string
}

func (s *recordingSink) AddFacts(_ context.Context, fs []facts.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range fs {
		s.preds = append(s.preds, f.Predicate)
	}
	return nil
}

func newAgent(t *testing.T, page Page, ch Channel, buttons ...button.Button) *Agent {
	t.Helper()
	a, err := New(context.Background(), page, ch, staticSource(buttons), Options{TabID: "tab-1"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func TestMatchingButtons(t *testing.T) {
	buttons := []button.Button{
		{Name: "gh", Origin: `^https://github\.com/`, ActionType: button.ActionURL},
		{Name: "any", Origin: `.*`, ActionType: button.ActionURL},
		{Name: "broken", Origin: `(`, ActionType: button.ActionURL},
		{Name: "issues", Origin: `/issues/\d+$`, ActionType: button.ActionURL},
		{Name: "lookbehind", Origin: `(?<=github\.com)/x`, ActionType: button.ActionURL},
	}
	a := newAgent(t, newFakePage(""), nil, buttons...)

	tests := []struct {
		url  string
		want []string
	}{
		{"https://github.com/o/r/issues/12", []string{"gh", "any", "issues"}},
		{"https://example.com/", []string{"any"}},
		{"https://github.com/x", []string{"gh", "any", "lookbehind"}},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			var got []string
			for _, b := range a.MatchingButtons(tt.url) {
				got = append(got, b.Name)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddButtonsIsIdempotent(t *testing.T) {
	page := newFakePage("https://example.com/", "#bar")
	a := newAgent(t, page, nil,
		button.Button{Name: "a", Origin: "example", Location: "#bar", ActionType: button.ActionURL},
		button.Button{Name: "b", Origin: "example", Location: "#missing", ActionType: button.ActionURL},
		button.Button{Name: "c", Origin: "other", Location: "#bar", ActionType: button.ActionURL},
	)
	ctx := context.Background()

	n, err := a.AddButtons(ctx)
	if err != nil || n != 1 {
		t.Fatalf("first pass: n=%d err=%v", n, err)
	}
	n, err = a.AddButtons(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second pass: n=%d err=%v", n, err)
	}
	if page.count("a") != 1 {
		t.Errorf("expected exactly one a, got %d", page.count("a"))
	}
	if page.count("b") != 0 || page.count("c") != 0 {
		t.Error("rendered a button without container or match")
	}
}

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name   string
		action string
		vars   []button.Variable
		want   string
	}{
		{"ordered", "{a}-{b}", []button.Variable{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}, "1-2"},
		{"last wins", "{a}", []button.Variable{{Key: "a", Value: "1"}, {Key: "a", Value: "3"}}, "3"},
		{"missing passthrough", "{missing}", nil, "{missing}"},
		{"every occurrence", "{a}{a}", []button.Variable{{Key: "a", Value: "x"}}, "xx"},
		{"literal metacharacters", "{a.b}+{a*}", []button.Variable{{Key: "a.b", Value: "1"}, {Key: "a*", Value: "2"}}, "1+2"},
		{"empty action", "", []button.Variable{{Key: "a", Value: "1"}}, ""},
		{"dollar in value", "{a}", []button.Variable{{Key: "a", Value: "$1"}}, "$1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Substitute(tt.action, tt.vars); got != tt.want {
				t.Errorf("Substitute(%q) = %q, want %q", tt.action, got, tt.want)
			}
		})
	}
}

func TestSubstituteIsSequential(t *testing.T) {
	// An earlier value may introduce a placeholder that a later key fills.
	got := Substitute("{a}", []button.Variable{{Key: "a", Value: "{b}"}, {Key: "b", Value: "2"}})
	if got != "2" {
		t.Errorf("expected 2, got %q", got)
	}
}

func TestExtractVariables(t *testing.T) {
	page := newFakePage("https://example.com/")
	page.texts["h1"] = "Title"
	a := newAgent(t, page, nil)

	got := a.ExtractVariables(context.Background(), []button.Variable{
		{Key: "t", Value: "h1"},
		{Key: "m", Value: "#missing"},
		{Key: "bad", Value: "[[x"},
	})
	want := []button.Variable{{Key: "t", Value: "Title"}, {Key: "m", Value: ""}, {Key: "bad", Value: ""}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("variable %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDispatchURL(t *testing.T) {
	page := newFakePage("https://example.com/")
	page.texts["#q"] = "go modules"
	ch := newFakeChannel()
	a := newAgent(t, page, ch)

	out, err := a.Dispatch(context.Background(), button.Button{
		Name: "s", ActionType: button.ActionURL, Action: "https://search.example/?q={q}",
		Variables: []button.Variable{{Key: "q", Value: "#q"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Escalated || len(ch.messages()) != 0 {
		t.Error("url actions must not escalate")
	}
	if len(page.opened) != 1 || page.opened[0] != "https://search.example/?q=go modules" {
		t.Errorf("unexpected opened %v", page.opened)
	}
}

func TestDispatchJSSuccessDoesNotEscalate(t *testing.T) {
	page := newFakePage("https://example.com/")
	ch := newFakeChannel()
	a := newAgent(t, page, ch)

	out, err := a.Dispatch(context.Background(), button.Button{Name: "j", ActionType: button.ActionJS, Action: "1+1"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Escalated || len(ch.messages()) != 0 {
		t.Error("successful js must not escalate")
	}
	if len(page.evals) != 1 {
		t.Errorf("expected one local eval, got %d", len(page.evals))
	}
}

func TestDispatchJSFaultEscalatesOnce(t *testing.T) {
	page := newFakePage("https://example.com/")
	page.evalErr = errors.New("EvalError: refused")
	ch := newFakeChannel()
	a := newAgent(t, page, ch)

	out, err := a.Dispatch(context.Background(), button.Button{Name: "j", ActionType: button.ActionJS, Action: "boom()"})
	if err != nil {
		t.Fatal(err)
	}
	msgs := ch.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one escalation, got %d", len(msgs))
	}
	if msgs[0].Type != protocol.TypeRunJS || msgs[0].Code != "boom()" || msgs[0].DOM != "<html><body>after fault</body></html>" {
		t.Errorf("unexpected escalation %+v", msgs[0])
	}
	if !out.Escalated || out.LocalError == "" {
		t.Errorf("unexpected outcome %+v", out)
	}
	if len(page.evals) != 1 {
		t.Errorf("expected no local retry, got %d evals", len(page.evals))
	}
}

func TestDispatchShellAlwaysEscalates(t *testing.T) {
	page := newFakePage("https://example.com/")
	page.texts["h1"] = "x"
	ch := newFakeChannel()
	a := newAgent(t, page, ch)

	_, err := a.Dispatch(context.Background(), button.Button{
		Name: "sh", ActionType: button.ActionShell, Action: "echo {t}",
		Variables: []button.Variable{{Key: "t", Value: "h1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	msgs := ch.messages()
	if len(msgs) != 1 || msgs[0].Type != protocol.TypeRunShell || msgs[0].Code != "echo x" || msgs[0].DOM != "" {
		t.Errorf("unexpected messages %+v", msgs)
	}
	if len(page.evals) != 0 {
		t.Error("shell actions must never run locally")
	}
}

func TestDispatchSendFailureIsReported(t *testing.T) {
	ch := newFakeChannel()
	ch.err = errors.New("relay gone")
	a := newAgent(t, newFakePage("https://example.com/"), ch)

	out, err := a.Dispatch(context.Background(), button.Button{Name: "sh", ActionType: button.ActionShell, Action: "ls"})
	if err == nil || out.Escalated {
		t.Errorf("expected send failure, got out=%+v err=%v", out, err)
	}
}

func TestDispatchUnknownType(t *testing.T) {
	a := newAgent(t, newFakePage("https://example.com/"), newFakeChannel())
	if _, err := a.Dispatch(context.Background(), button.Button{Name: "x", ActionType: "ftp"}); err == nil {
		t.Error("expected error for unknown action type")
	}
}

func TestClickUnknownButton(t *testing.T) {
	a := newAgent(t, newFakePage("https://example.com/"), nil,
		button.Button{Name: "elsewhere", Origin: "other", ActionType: button.ActionURL})
	if _, err := a.Click(context.Background(), "elsewhere"); !errors.Is(err, ErrUnknownButton) {
		t.Errorf("expected ErrUnknownButton, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRunRendersLateContainersAndRoutesClicks(t *testing.T) {
	page := newFakePage("https://example.com/", "#bar")
	ch := newFakeChannel()
	var mu sync.Mutex
	var seen []protocol.Report
	a, err := New(context.Background(), page, ch, staticSource{
		{Name: "early", Origin: "example", Location: "#bar", ActionType: button.ActionShell, Action: "ls"},
		{Name: "late", Origin: "example", Location: "#feed", ActionType: button.ActionURL, Action: "https://x"},
	}, Options{TabID: "tab-1", OnReport: func(r protocol.Report) {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
	}})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, func() bool { return page.count("early") == 1 })
	page.addContainer("#feed")
	waitFor(t, func() bool { return page.count("late") == 1 })

	page.mu.Lock()
	click := page.handlers["early"]
	page.mu.Unlock()
	click()
	waitFor(t, func() bool { return len(ch.messages()) == 1 })

	ch.reports <- protocol.Report{Type: protocol.TypeScriptError, Error: "bad"}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if page.count("early") != 1 || page.count("late") != 1 {
		t.Error("mutation-driven passes produced duplicates")
	}
}

func TestDiagnosticFacts(t *testing.T) {
	page := newFakePage("https://example.com/", "#bar")
	sink := &recordingSink{}
	a, err := New(context.Background(), page, newFakeChannel(), staticSource{
		{Name: "sh", Origin: "example", Location: "#bar", ActionType: button.ActionShell, Action: "ls"},
	}, Options{Facts: sink})
	if err != nil {
		t.Fatal(err)
	}
	if a.TabID() == "" {
		t.Fatal("expected generated tab id")
	}
	ctx := context.Background()
	a.AddButtons(ctx)
	a.Click(ctx, "sh")
	a.handleReport(ctx, protocol.Report{Type: protocol.TypeScriptExecuted})

	want := []string{facts.ButtonRendered, facts.ButtonClicked, facts.EscalationSent, facts.RelayReport}
	if strings.Join(sink.preds, ",") != strings.Join(want, ",") {
		t.Errorf("got facts %v, want %v", sink.preds, want)
	}
}
