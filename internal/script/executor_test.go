package script

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
)

func parse(t *testing.T, markup string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

const page = `<html><head><title>T</title></head><body>
<div id="root" class="main"><h1 data-x="1"> Title </h1><p>a</p><p>b</p></div>
<span id="x(1)">literal</span></body></html>`

func TestRestrictedRunsAgainstSnapshot(t *testing.T) {
	r := NewRestricted(time.Second, "")
	tests := []struct {
		name    string
		code    string
		wantErr string
	}{
		{"plain success", `var a = 1 + 1;`, ""},
		{"query text", `if (document.querySelector("h1").textContent.trim() !== "Title") throw new Error("bad text")`, ""},
		{"query all", `if (document.querySelectorAll("p").length !== 2) throw new Error("count")`, ""},
		{"literal id", `if (document.getElementById("x(1)").textContent !== "literal") throw new Error("id")`, ""},
		{"attributes", `var h = document.querySelector("h1"); if (h.getAttribute("data-x") !== "1" || h.hasAttribute("nope")) throw new Error("attr")`, ""},
		{"scoped query", `if (document.querySelector("#root").querySelector("p").textContent !== "a") throw new Error("scope")`, ""},
		{"element fields", `var d = document.body.querySelector("div"); if (d.tagName !== "DIV" || d.className !== "main" || d.id !== "root") throw new Error("fields")`, ""},
		{"title", `if (document.title !== "T") throw new Error("title")`, ""},
		{"missing element is null", `if (document.querySelector("#nope") !== null) throw new Error("null")`, ""},
		{"thrown error message", `throw new Error("boom")`, "boom"},
		{"thrown string", `throw "plain"`, "plain"},
		{"reference error", `undefinedFunction()`, "undefinedFunction is not defined"},
		{"syntax error", `function (`, "*"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Run(context.Background(), tt.code, parse(t, page))
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if tt.wantErr != "*" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRestrictedHasNoCallerState(t *testing.T) {
	r := NewRestricted(time.Second, "")
	if err := r.Run(context.Background(), `var leaked = 1;`, parse(t, page)); err != nil {
		t.Fatal(err)
	}
	err := r.Run(context.Background(), `if (typeof leaked !== "undefined") throw new Error("leak")`, parse(t, page))
	if err != nil {
		t.Errorf("state leaked between runs: %v", err)
	}
}

func TestRestrictedTimeout(t *testing.T) {
	r := NewRestricted(50*time.Millisecond, "")
	err := r.Run(context.Background(), `for (;;) {}`, parse(t, page))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestRestrictedInvalidSelectorThrows(t *testing.T) {
	r := NewRestricted(time.Second, "")
	err := r.Run(context.Background(), `document.querySelector("[[")`, parse(t, page))
	if err == nil {
		t.Error("expected invalid selector to throw")
	}
}

func TestRestrictedBlockedByCSP(t *testing.T) {
	r := NewRestricted(time.Second, "script-src 'self'")
	if err := r.Run(context.Background(), `1`, parse(t, page)); !errors.Is(err, ErrEvalBlocked) {
		t.Errorf("expected ErrEvalBlocked, got %v", err)
	}
}

func TestEvalAllowed(t *testing.T) {
	tests := []struct {
		csp  string
		want bool
	}{
		{"", true},
		{"img-src *", true},
		{"script-src 'self'", false},
		{"default-src 'none'", false},
		{"default-src 'self' 'unsafe-eval'", true},
		{"script-src 'self' 'UNSAFE-EVAL'; default-src 'none'", true},
		{"default-src 'self' 'unsafe-eval'; script-src 'self'", false},
		{"script-src 'self'; script-src 'unsafe-eval'", false},
	}
	for _, tt := range tests {
		if got := EvalAllowed(tt.csp); got != tt.want {
			t.Errorf("EvalAllowed(%q) = %v, want %v", tt.csp, got, tt.want)
		}
	}
}

func TestPrivilegedBindsDocumentParameter(t *testing.T) {
	p := NewPrivileged(time.Second)
	doc := parse(t, page)

	if err := p.Run(context.Background(), `if (document.querySelector("h1") === null) throw new Error("no doc")`, doc); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := p.Run(context.Background(), `console.log("from relay", 1); return 5;`, doc); err != nil {
		t.Errorf("return value should be ignored: %v", err)
	}
	err := p.Run(context.Background(), `throw new TypeError("nope")`, doc)
	if err == nil || err.Error() != "nope" {
		t.Errorf("expected message nope, got %v", err)
	}
}

func TestPrivilegedAwaitsPromises(t *testing.T) {
	p := NewPrivileged(time.Second)
	doc := parse(t, page)

	tests := []struct {
		name    string
		code    string
		wantErr string
	}{
		{"resolved", `return Promise.resolve(1);`, ""},
		{"async chain", `return (async function() { await null; return document.title; })();`, ""},
		{"rejected error", `return Promise.reject(new Error("async boom"));`, "async boom"},
		{"rejected after await", `return (async function() { await 1; throw new Error("late"); })();`, "late"},
		{"never settles", `return new Promise(function() {});`, "never settled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Run(context.Background(), tt.code, doc)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestPrivilegedNilDocument(t *testing.T) {
	p := NewPrivileged(time.Second)
	if err := p.Run(context.Background(), `if (document !== null) throw new Error("x")`, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestContextCancelInterrupts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	p := NewPrivileged(10 * time.Second)
	err := p.Run(ctx, `for (;;) {}`, parse(t, page))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
