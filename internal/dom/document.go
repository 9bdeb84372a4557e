// Package dom is a mutable HTML document with structural-mutation
// notifications, the page model the agent renders into when it is not
// driving a live browser.
package dom

import (
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Document wraps a goquery document. All access goes through the mutex;
// observers run after the lock is released so they may query the document.
type Document struct {
	mu  sync.RWMutex
	doc *goquery.Document

	obsMu     sync.Mutex
	observers map[int]func()
	nextObs   int
}

// Parse builds a document from markup. The HTML parser is lenient, so any
// input yields a document with html, head and body elements.
func Parse(markup string) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &Document{doc: doc, observers: make(map[int]func())}, nil
}

// Compile validates a selector. Callers treat a compile error the same as a
// selector that found nothing.
func Compile(selector string) (cascadia.Selector, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return sel, nil
}

// Text returns the trimmed text content of the first element matching
// selector, and false when nothing matches.
func (d *Document) Text(selector string) (string, bool, error) {
	sel, err := Compile(selector)
	if err != nil {
		return "", false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	first := d.doc.FindMatcher(sel).First()
	if first.Length() == 0 {
		return "", false, nil
	}
	return strings.TrimSpace(first.Text()), true, nil
}

// HasID reports whether some element carries exactly this id attribute.
// Button names such as "x(1)" are not valid CSS identifiers, so this walks
// the tree instead of building a #id selector.
func (d *Document) HasID(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	found := false
	d.doc.Find("*").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if v, ok := s.Attr("id"); ok && v == id {
			found = true
			return false
		}
		return true
	})
	return found
}

// AppendChild appends n to the first element matching container and
// notifies observers. It reports false when no container matches.
func (d *Document) AppendChild(container string, n *html.Node) (bool, error) {
	sel, err := Compile(container)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	target := d.doc.FindMatcher(sel).First()
	if target.Length() == 0 {
		d.mu.Unlock()
		return false, nil
	}
	target.AppendNodes(n)
	d.mu.Unlock()

	d.notify()
	return true, nil
}

// Read runs fn with shared access. fn must not modify the tree.
func (d *Document) Read(fn func(doc *goquery.Document)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn(d.doc)
}

// Mutate runs fn with exclusive access and then notifies observers, the
// equivalent of a script changing the live page.
func (d *Document) Mutate(fn func(doc *goquery.Document)) {
	d.mu.Lock()
	fn(d.doc)
	d.mu.Unlock()
	d.notify()
}

// OuterHTML serializes the document element.
func (d *Document) OuterHTML() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return goquery.OuterHtml(d.doc.Find("html").First())
}

// Title returns the trimmed text of the title element.
func (d *Document) Title() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return strings.TrimSpace(d.doc.Find("title").First().Text())
}

// Clone returns an independent copy without observers.
func (d *Document) Clone() (*Document, error) {
	markup, err := d.OuterHTML()
	if err != nil {
		return nil, err
	}
	return Parse(markup)
}

// Selection exposes a read-only view of a cloned tree for callers that need
// goquery traversal, such as script bindings.
func (d *Document) Selection() (*goquery.Document, error) {
	c, err := d.Clone()
	if err != nil {
		return nil, err
	}
	return c.doc, nil
}

// Observe registers fn for every structural mutation. The returned func
// unregisters it.
func (d *Document) Observe(fn func()) (stop func()) {
	d.obsMu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.obsMu.Unlock()

	return func() {
		d.obsMu.Lock()
		delete(d.observers, id)
		d.obsMu.Unlock()
	}
}

func (d *Document) notify() {
	d.obsMu.Lock()
	fns := make([]func(), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	d.obsMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// NewButton builds a <button> element with the given id, text and raw style.
func NewButton(id, label, style string) *html.Node {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     "button",
		DataAtom: atom.Button,
		Attr:     []html.Attribute{{Key: "id", Val: id}, {Key: "type", Val: "button"}},
	}
	if style != "" {
		n.Attr = append(n.Attr, html.Attribute{Key: "style", Val: style})
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: label})
	return n
}
