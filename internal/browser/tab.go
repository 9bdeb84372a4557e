package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"anybutton/internal/agent"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

const (
	clickBinding    = "__anyButtonClick"
	mutationBinding = "__anyButtonMutated"
)

// observerScript runs in every new document. It reports structural changes
// through the mutation binding.
const observerScript = `(() => {
	if (window.__anyButtonObserver) return;
	const start = () => {
		const obs = new MutationObserver(() => {
			if (typeof window.` + mutationBinding + ` === 'function') window.` + mutationBinding + `(null);
		});
		obs.observe(document.documentElement || document, { childList: true, subtree: true });
		window.__anyButtonObserver = obs;
	};
	if (document.documentElement) start();
	else document.addEventListener('DOMContentLoaded', start, { once: true });
})();`

// Tab is one Chrome target with an agent per page load. It implements
// agent.Page.
type Tab struct {
	host    *Host
	id      string
	page    *rod.Page
	created time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	url       string
	loads     int
	agent     *agent.Agent
	stopAgent context.CancelFunc
	handlers  map[string]func()
	notify    func()
	notifyGen int
	cleanup   []func() error
}

var _ agent.Page = (*Tab)(nil)

func newTab(h *Host, id string, p *rod.Page) *Tab {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tab{
		host:     h,
		id:       id,
		page:     p,
		created:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string]func()),
	}
}

// install wires the click and mutation bindings and the load listener.
func (t *Tab) install(ctx context.Context) error {
	p := t.page.Context(ctx)

	stopClick, err := p.Expose(clickBinding, func(arg gson.JSON) (interface{}, error) {
		t.clicked(arg.Str())
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("expose click binding: %w", err)
	}
	t.cleanup = append(t.cleanup, stopClick)

	stopMutation, err := p.Expose(mutationBinding, func(gson.JSON) (interface{}, error) {
		t.mutated()
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("expose mutation binding: %w", err)
	}
	t.cleanup = append(t.cleanup, stopMutation)

	removeObserver, err := p.EvalOnNewDocument(observerScript)
	if err != nil {
		return fmt.Errorf("install mutation observer: %w", err)
	}
	t.cleanup = append(t.cleanup, removeObserver)

	wait := t.page.Context(t.ctx).EachEvent(
		func(ev *proto.PageFrameNavigated) {
			if ev.Frame.ParentID != "" {
				return
			}
			t.mu.Lock()
			t.url = ev.Frame.URL
			t.mu.Unlock()
		},
		func(*proto.PageLoadEventFired) {
			t.loaded()
		},
	)
	go wait()
	return nil
}

// loaded replaces the agent. The previous page's agent and click handlers
// belong to a document that no longer exists.
func (t *Tab) loaded() {
	t.mu.Lock()
	if t.stopAgent != nil {
		t.stopAgent()
	}
	ctx, cancel := context.WithCancel(t.ctx)
	t.stopAgent = cancel
	t.handlers = make(map[string]func())
	t.agent = nil
	t.loads++
	t.mu.Unlock()

	go t.runAgent(ctx)
}

func (t *Tab) runAgent(ctx context.Context) {
	opts := t.host.opts
	var (
		ch      agent.Channel
		release = func() {}
	)
	if opts.Channels != nil {
		ch, release = opts.Channels(t.id)
	}
	defer release()

	a, err := agent.New(ctx, t, ch, opts.Source, agent.Options{
		TabID:        t.id,
		MatchTimeout: opts.Agent.GetMatchTimeout(),
		Facts:        opts.Facts,
	})
	if err != nil {
		log.Printf("[browser] tab %s: start agent: %v", t.id, err)
		return
	}
	t.mu.Lock()
	t.agent = a
	t.mu.Unlock()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[browser] tab %s: agent stopped: %v", t.id, err)
	}
}

func (t *Tab) currentAgent() *agent.Agent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.agent
}

func (t *Tab) clicked(id string) {
	t.mu.Lock()
	fn := t.handlers[id]
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *Tab) mutated() {
	t.mu.Lock()
	fn := t.notify
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *Tab) close() {
	t.cancel()
	for _, fn := range t.cleanup {
		_ = fn()
	}
	if err := t.page.Close(); err != nil {
		log.Printf("[browser] tab %s: close: %v", t.id, err)
	}
}

func (t *Tab) Info() TabInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TabInfo{
		ID:        t.id,
		TargetID:  string(t.page.TargetID),
		URL:       t.url,
		Loads:     t.loads,
		CreatedAt: t.created,
	}
}

func (t *Tab) eval(ctx context.Context, js string, args ...interface{}) (*proto.RuntimeRemoteObject, error) {
	return t.page.Context(ctx).Evaluate(rod.Eval(js, args...).ByPromise())
}

func (t *Tab) URL(ctx context.Context) (string, error) {
	info, err := t.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (t *Tab) ElementExists(ctx context.Context, id string) (bool, error) {
	res, err := t.eval(ctx, `(id) => document.getElementById(id) !== null`, id)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (t *Tab) QueryText(ctx context.Context, selector string) (string, error) {
	res, err := t.eval(ctx, `(sel) => {
		const el = document.querySelector(sel);
		return el ? el.textContent.trim() : "";
	}`, selector)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (t *Tab) AppendButton(ctx context.Context, container string, el agent.Element, onClick func()) (bool, error) {
	t.mu.Lock()
	t.handlers[el.ID] = onClick
	t.mu.Unlock()

	res, err := t.eval(ctx, `(container, id, label, style, binding) => {
		const target = document.querySelector(container);
		if (!target) return false;
		const b = document.createElement('button');
		b.id = id;
		b.type = 'button';
		b.textContent = label;
		if (style) b.setAttribute('style', style);
		b.addEventListener('click', () => window[binding](id));
		target.appendChild(b);
		return true;
	}`, container, el.ID, el.Label, el.Style, clickBinding)
	if err != nil || !res.Value.Bool() {
		t.mu.Lock()
		delete(t.handlers, el.ID)
		t.mu.Unlock()
		if err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (t *Tab) Snapshot(ctx context.Context) (string, error) {
	res, err := t.eval(ctx, `() => document.documentElement.outerHTML`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// Open loads url in a new hosted tab.
func (t *Tab) Open(ctx context.Context, url string) error {
	info, err := t.host.OpenTab(ctx, url)
	if err != nil {
		return err
	}
	log.Printf("[browser] tab %s opened %s as tab %s", t.id, url, info.ID)
	return nil
}

// Eval runs code through the page's Function constructor so the page's
// Content-Security-Policy decides whether it may run.
func (t *Tab) Eval(ctx context.Context, code string) error {
	timeout := t.host.opts.Agent.GetScriptTimeout()
	_, err := t.page.Context(ctx).Timeout(timeout).Evaluate(rod.Eval(`(code) => { new Function(code)(); }`, code))
	return err
}

func (t *Tab) Observe(_ context.Context, notify func()) (func(), error) {
	t.mu.Lock()
	t.notifyGen++
	gen := t.notifyGen
	t.notify = notify
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		if t.notifyGen == gen {
			t.notify = nil
		}
		t.mu.Unlock()
	}, nil
}
