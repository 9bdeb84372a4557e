// Package page hosts an agent over a static HTML document. It stands in for
// a browser tab in the CLI render and click commands and in tests.
package page

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"anybutton/internal/agent"
	"anybutton/internal/dom"
	"anybutton/internal/script"

	"github.com/PuerkitoBio/goquery"
)

// Options configures a static page.
type Options struct {
	// CSP overrides the policy found in the document's meta tags.
	CSP           string
	ScriptTimeout time.Duration
	// Opener handles url actions. Opened URLs are always recorded.
	Opener func(ctx context.Context, url string) error
}

// Page implements agent.Page over a dom.Document.
type Page struct {
	doc    *dom.Document
	exec   *script.Restricted
	opener func(ctx context.Context, url string) error

	mu       sync.Mutex
	url      string
	handlers map[string]func()
	opened   []string
}

var _ agent.Page = (*Page)(nil)

// Load parses markup and picks up a Content-Security-Policy meta tag unless
// opts.CSP is set.
func Load(url, markup string, opts Options) (*Page, error) {
	doc, err := dom.Parse(markup)
	if err != nil {
		return nil, err
	}
	return New(url, doc, opts), nil
}

func New(url string, doc *dom.Document, opts Options) *Page {
	csp := opts.CSP
	if csp == "" {
		csp = metaCSP(doc)
	}
	timeout := opts.ScriptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Page{
		doc:      doc,
		exec:     script.NewRestricted(timeout, csp),
		opener:   opts.Opener,
		url:      url,
		handlers: make(map[string]func()),
	}
}

func metaCSP(doc *dom.Document) string {
	var policies []string
	doc.Read(func(d *goquery.Document) {
		d.Find("meta").Each(func(_ int, s *goquery.Selection) {
			if strings.EqualFold(s.AttrOr("http-equiv", ""), "Content-Security-Policy") {
				policies = append(policies, s.AttrOr("content", ""))
			}
		})
	})
	return strings.Join(policies, "; ")
}

// Document returns the live document.
func (p *Page) Document() *dom.Document { return p.doc }

func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

// Navigate changes the URL without reloading, like a history push in a
// single-page app, and signals observers.
func (p *Page) Navigate(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	p.doc.Mutate(func(*goquery.Document) {})
}

func (p *Page) ElementExists(_ context.Context, id string) (bool, error) {
	return p.doc.HasID(id), nil
}

func (p *Page) QueryText(_ context.Context, selector string) (string, error) {
	text, _, err := p.doc.Text(selector)
	return text, err
}

func (p *Page) AppendButton(_ context.Context, container string, el agent.Element, onClick func()) (bool, error) {
	p.mu.Lock()
	p.handlers[el.ID] = onClick
	p.mu.Unlock()

	ok, err := p.doc.AppendChild(container, dom.NewButton(el.ID, el.Label, el.Style))
	if err != nil || !ok {
		p.mu.Lock()
		delete(p.handlers, el.ID)
		p.mu.Unlock()
	}
	return ok, err
}

// Click fires the handler of the rendered button with this id.
func (p *Page) Click(id string) error {
	p.mu.Lock()
	fn, ok := p.handlers[id]
	p.mu.Unlock()
	if !ok || !p.doc.HasID(id) {
		return fmt.Errorf("no rendered button with id %q", id)
	}
	fn()
	return nil
}

func (p *Page) Snapshot(context.Context) (string, error) {
	return p.doc.OuterHTML()
}

func (p *Page) Open(ctx context.Context, url string) error {
	p.mu.Lock()
	p.opened = append(p.opened, url)
	p.mu.Unlock()
	if p.opener == nil {
		log.Printf("[page] open %s", url)
		return nil
	}
	return p.opener(ctx, url)
}

// Opened lists every URL passed to Open.
func (p *Page) Opened() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.opened...)
}

// Eval runs code in a restricted runtime over a copy of the document.
func (p *Page) Eval(ctx context.Context, code string) error {
	snapshot, err := p.doc.Selection()
	if err != nil {
		return err
	}
	return p.exec.Run(ctx, code, snapshot)
}

func (p *Page) Observe(_ context.Context, notify func()) (func(), error) {
	return p.doc.Observe(notify), nil
}
