package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"anybutton/internal/agent"
	"anybutton/internal/button"
	"anybutton/internal/page"
	"anybutton/internal/protocol"
	"anybutton/internal/registry"
	"anybutton/internal/store"
)

func startServer(t *testing.T) (*Router, *httptest.Server) {
	t.Helper()
	router := NewRouter(8)
	srv := httptest.NewServer(Handler(router))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go New(router, Options{}).Run(ctx, router.Inbox())
	return router, srv
}

func TestHealthAndTabs(t *testing.T) {
	router, srv := startServer(t)
	router.Connect("t1")

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/tabs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Tabs []string `json:"tabs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Tabs) != 1 || body.Tabs[0] != "t1" {
		t.Errorf("tabs = %v", body.Tabs)
	}
}

func TestPostMessageRejectsBadBody(t *testing.T) {
	_, srv := startServer(t)
	for _, body := range []string{`{not json`, `{"code":"x"}`} {
		resp, err := http.Post(srv.URL+"/tabs/t1/messages", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status %d", body, resp.StatusCode)
		}
	}
}

func TestClientRoundTrip(t *testing.T) {
	router, srv := startServer(t)
	ctx := context.Background()

	c, err := Dial(ctx, srv.URL, "remote-tab")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if got := router.Tabs(); len(got) != 1 || got[0] != "remote-tab" {
		t.Fatalf("tabs after dial = %v", got)
	}

	if err := c.Send(ctx, protocol.RunJS(`throw new Error("over the wire")`, snapshot)); err != nil {
		t.Fatal(err)
	}
	rep := nextReport(t, c.Reports())
	if rep.Type != protocol.TypeScriptError || rep.Error != "over the wire" {
		t.Errorf("unexpected report %+v", rep)
	}

	c.Close()
	deadline := time.Now().Add(5 * time.Second)
	for len(router.Tabs()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tab still registered after close: %v", router.Tabs())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Close stops the read loop even when nobody drains the reports.
func TestClientCloseWithUndrainedReports(t *testing.T) {
	router, srv := startServer(t)
	c, err := Dial(context.Background(), srv.URL, "idle-tab")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(c.reports) < cap(c.reports) {
		if time.Now().After(deadline) {
			t.Fatalf("report buffer never filled: %d/%d", len(c.reports), cap(c.reports))
		}
		_ = router.SendToTab("idle-tab", protocol.Report{Type: protocol.TypeScriptExecuted})
		time.Sleep(time.Millisecond)
	}
	// One more so the read loop is parked on a full buffer.
	_ = router.SendToTab("idle-tab", protocol.Report{Type: protocol.TypeScriptExecuted})

	c.Close()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("read loop still running after Close")
	}
}

func TestDialRejectsScheme(t *testing.T) {
	if _, err := Dial(context.Background(), "ftp://relay.example", "t"); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

// An agent whose page forbids eval escalates its script over HTTP and sees
// the relay's verdict.
func TestAgentEscalatesThroughHTTP(t *testing.T) {
	_, srv := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(store.NewMemory())
	if _, err := reg.Insert(ctx, button.Button{
		Name: "check", Label: "Check", Origin: `board\.example`, Location: "body",
		ActionType: button.ActionJS,
		Action:     `if (document.getElementById("t").textContent !== "{heading}") throw new Error("mismatch");`,
		Variables:  []button.Variable{{Key: "heading", Value: "#t"}},
	}, false); err != nil {
		t.Fatal(err)
	}

	pg, err := page.Load("https://board.example/", snapshot, page.Options{CSP: "script-src 'self'"})
	if err != nil {
		t.Fatal(err)
	}
	client, err := Dial(ctx, srv.URL, "agent-tab")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	reports := make(chan protocol.Report, 1)
	a, err := agent.New(ctx, pg, client, reg, agent.Options{
		TabID:    "agent-tab",
		OnReport: func(r protocol.Report) { reports <- r },
	})
	if err != nil {
		t.Fatal(err)
	}
	go a.Run(ctx)

	out, err := a.Click(ctx, "check")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Escalated || out.LocalError == "" {
		t.Fatalf("expected escalation, got %+v", out)
	}

	select {
	case rep := <-reports:
		if rep.Type != protocol.TypeScriptExecuted {
			t.Errorf("unexpected report %+v", rep)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no report from relay")
	}
}
