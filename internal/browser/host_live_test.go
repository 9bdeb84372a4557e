package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"anybutton/internal/agent"
	"anybutton/internal/button"
	"anybutton/internal/config"
	"anybutton/internal/protocol"
	"anybutton/internal/registry"
	"anybutton/internal/store"
)

type captureChannel struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (c *captureChannel) Send(_ context.Context, m protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, m)
	return nil
}

func (c *captureChannel) Reports() <-chan protocol.Report { return nil }

func (c *captureChannel) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Launches Chrome, so it only runs with ANYBUTTON_LIVE_TESTS set.
func TestLiveHost(t *testing.T) {
	if os.Getenv("ANYBUTTON_LIVE_TESTS") == "" {
		t.Skip("set ANYBUTTON_LIVE_TESTS to run live browser tests")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Path == "/strict" {
			w.Header().Set("Content-Security-Policy", "script-src 'self'")
		}
		fmt.Fprint(w, `<html><head><title>live</title></head><body>
			<div id="bar"></div><span class="who">octocat</span>
			<script>setTimeout(() => { const d = document.createElement('div'); d.id = 'late'; document.body.appendChild(d); }, 300);</script>
			</body></html>`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	reg := registry.New(store.NewMemory())
	for _, b := range []button.Button{
		{Name: "greet", Label: "Greet", Origin: `127\.0\.0\.1`, Location: "#bar", ActionType: button.ActionJS,
			Action: `document.title = "hello {who}"`, Variables: []button.Variable{{Key: "who", Value: ".who"}}},
		{Name: "late-btn", Label: "Late", Origin: `127\.0\.0\.1`, Location: "#late", ActionType: button.ActionShell, Action: "echo late"},
	} {
		if _, err := reg.Insert(ctx, b, false); err != nil {
			t.Fatal(err)
		}
	}

	ch := &captureChannel{}
	h := NewHost(Options{
		Browser:  config.BrowserConfig{},
		Source:   reg,
		Channels: func(string) (agent.Channel, func()) { return ch, func() {} },
	})
	if err := h.Start(ctx); err != nil {
		t.Skipf("browser start failed: %v", err)
	}
	defer h.Shutdown(ctx)

	info, err := h.OpenTab(ctx, srv.URL+"/")
	if err != nil {
		t.Fatal(err)
	}
	tab, err := h.tab(info.ID)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("renders into late containers", func(t *testing.T) {
		eventually(t, "both buttons", func() bool {
			a, _ := tab.ElementExists(ctx, "greet")
			b, _ := tab.ElementExists(ctx, "late-btn")
			return a && b
		})
	})

	t.Run("page click runs js in page", func(t *testing.T) {
		if _, err := tab.eval(ctx, `() => document.getElementById("greet").click()`); err != nil {
			t.Fatal(err)
		}
		eventually(t, "title change", func() bool {
			res, err := tab.eval(ctx, `() => document.title`)
			return err == nil && res.Value.Str() == "hello octocat"
		})
	})

	t.Run("shell click escalates", func(t *testing.T) {
		out, err := h.Click(ctx, info.ID, "late-btn")
		if err != nil {
			t.Fatal(err)
		}
		if !out.Escalated {
			t.Errorf("expected escalation, got %+v", out)
		}
	})

	t.Run("csp blocks direct eval", func(t *testing.T) {
		strict, err := h.OpenTab(ctx, srv.URL+"/strict")
		if err != nil {
			t.Fatal(err)
		}
		eventually(t, "agent on strict page", func() bool {
			_, err := h.Agent(strict.ID)
			return err == nil
		})
		out, err := h.Click(ctx, strict.ID, "greet")
		if err != nil {
			t.Fatal(err)
		}
		if !out.Escalated || out.LocalError == "" {
			t.Fatalf("expected escalated js, got %+v", out)
		}
		found := false
		for _, m := range ch.messages() {
			if m.Type == protocol.TypeRunJS && strings.Contains(m.DOM, `id="greet"`) {
				found = true
			}
		}
		if !found {
			t.Error("no run-js escalation carrying the page snapshot")
		}
	})
}
