// Package browser hosts page agents in a real Chrome through rod. Each tab
// gets a fresh agent on every page load; clicks and DOM mutations are
// delivered back to Go through exposed page bindings.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"anybutton/internal/agent"
	"anybutton/internal/config"
	"anybutton/internal/facts"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// ErrNotConnected is returned by tab operations before Start succeeds.
var ErrNotConnected = errors.New("browser not connected")

// ErrUnknownTab is returned for a tab ID the host does not track.
var ErrUnknownTab = errors.New("unknown tab")

// TabInfo is the public metadata for a hosted tab.
type TabInfo struct {
	ID        string    `json:"id"`
	TargetID  string    `json:"target_id"`
	URL       string    `json:"url"`
	Loads     int       `json:"loads"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelFactory returns the relay channel for a tab along with a release
// function the host calls when the agent using it stops.
type ChannelFactory func(tabID string) (agent.Channel, func())

type Options struct {
	Browser  config.BrowserConfig
	Agent    config.AgentConfig
	Source   agent.ButtonSource
	Channels ChannelFactory
	Facts    facts.Sink
}

// Host owns the Chrome connection and the tabs opened through it.
type Host struct {
	opts Options

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	tabs       map[string]*Tab
}

func NewHost(opts Options) *Host {
	return &Host{opts: opts, tabs: make(map[string]*Tab)}
}

// Start connects to the configured debugger URL, or launches Chrome. With
// neither configured, rod's launcher finds (or fetches) a browser.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.browser != nil {
		if _, err := h.browser.Version(); err == nil {
			return nil
		}
		log.Printf("[browser] stale browser connection detected, reconnecting")
		_ = h.browser.Close()
		h.browser = nil
		h.controlURL = ""
		h.tabs = make(map[string]*Tab)
	}

	cfg := h.opts.Browser
	controlURL := cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(cfg.IsHeadless())
		if len(cfg.Launch) > 0 {
			l = l.Bin(cfg.Launch[0])
			for _, rawFlag := range cfg.Launch[1:] {
				name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
				if hasVal {
					l = l.Set(flags.Flag(name), val)
				} else {
					l = l.Set(flags.Flag(name))
				}
			}
		}
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	h.browser = b
	h.controlURL = controlURL
	log.Printf("[browser] connected at %s", controlURL)
	return nil
}

func (h *Host) ControlURL() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controlURL
}

func (h *Host) IsConnected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.browser != nil
}

// Shutdown stops every agent, closes the tabs and the browser.
func (h *Host) Shutdown(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, t := range h.tabs {
		t.close()
		delete(h.tabs, id)
	}
	var err error
	if h.browser != nil {
		err = h.browser.Close()
		h.browser = nil
	}
	h.controlURL = ""
	log.Printf("[browser] shutdown complete")
	return err
}

// OpenTab opens url in a new target and keeps an agent installed in it for
// every page load until the tab is closed or ctx ends.
func (h *Host) OpenTab(ctx context.Context, url string) (TabInfo, error) {
	h.mu.RLock()
	b := h.browser
	h.mu.RUnlock()
	if b == nil {
		return TabInfo{}, ErrNotConnected
	}

	p, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return TabInfo{}, fmt.Errorf("create page: %w", err)
	}

	t := newTab(h, uuid.NewString(), p)
	if err := t.install(ctx); err != nil {
		_ = p.Close()
		return TabInfo{}, err
	}

	h.mu.Lock()
	h.tabs[t.id] = t
	h.mu.Unlock()

	if err := p.Context(ctx).Timeout(h.opts.Browser.NavigationTimeout()).Navigate(url); err != nil {
		log.Printf("[browser] tab %s: navigate %s: %v", t.id, url, err)
	}
	return t.Info(), nil
}

// CloseTab stops the tab's agent and closes its target.
func (h *Host) CloseTab(id string) error {
	h.mu.Lock()
	t, ok := h.tabs[id]
	delete(h.tabs, id)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTab, id)
	}
	t.close()
	return nil
}

// Tabs lists hosted tabs, oldest first.
func (h *Host) Tabs() []TabInfo {
	h.mu.RLock()
	out := make([]TabInfo, 0, len(h.tabs))
	for _, t := range h.tabs {
		out = append(out, t.Info())
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (h *Host) tab(id string) (*Tab, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.tabs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTab, id)
	}
	return t, nil
}

// Agent returns the agent serving the tab's current page load.
func (h *Host) Agent(id string) (*agent.Agent, error) {
	t, err := h.tab(id)
	if err != nil {
		return nil, err
	}
	a := t.currentAgent()
	if a == nil {
		return nil, fmt.Errorf("tab %s has not finished loading", id)
	}
	return a, nil
}

// Click dispatches the named button in a tab as if it had been clicked.
func (h *Host) Click(ctx context.Context, tabID, name string) (agent.Outcome, error) {
	a, err := h.Agent(tabID)
	if err != nil {
		return agent.Outcome{}, err
	}
	return a.Click(ctx, name)
}
