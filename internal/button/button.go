// Package button defines the Button definition record shared by the registry,
// the page agent and the editor surfaces.
package button

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// ActionType selects the dispatch path of a clicked button.
type ActionType string

const (
	ActionURL   ActionType = "url"
	ActionJS    ActionType = "js"
	ActionShell ActionType = "shell"
)

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionURL, ActionJS, ActionShell:
		return true
	}
	return false
}

// Variable maps a template placeholder key to a DOM selector whose first
// match supplies the substitution value.
type Variable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Button is a stored definition of when and where to render a clickable
// action and what it does.
type Button struct {
	Name       string     `json:"name"`
	Label      string     `json:"label"`
	Origin     string     `json:"origin"`
	Location   string     `json:"location"`
	Style      string     `json:"style"`
	ActionType ActionType `json:"actionType"`
	Action     string     `json:"action"`
	Variables  []Variable `json:"variables"`
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid button")

// Validate checks the fields the registry relies on. Origin is not compiled
// here: a bad pattern is stored as-is and simply never matches.
func (b Button) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !b.ActionType.Valid() {
		return fmt.Errorf("%w: unknown actionType %q", ErrInvalid, b.ActionType)
	}
	return nil
}

// Normalized returns a copy with a non-nil variables slice so exports always
// carry `"variables": []`.
func (b Button) Normalized() Button {
	if b.Variables == nil {
		b.Variables = []Variable{}
	}
	return b
}

// Matcher is a compiled origin pattern. A nil *Matcher never matches.
type Matcher struct {
	re *regexp2.Regexp
}

// CompileOrigin compiles an origin pattern with ECMAScript semantics, the
// dialect the patterns are authored in.
func CompileOrigin(pattern string, timeout time.Duration) (*Matcher, error) {
	re, err := regexp2.Compile(pattern, regexp2.ECMAScript)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		re.MatchTimeout = timeout
	}
	return &Matcher{re: re}, nil
}

// Match reports whether the pattern finds a match anywhere in url. Evaluation
// errors (match timeouts) count as no match.
func (m *Matcher) Match(url string) bool {
	if m == nil || m.re == nil {
		return false
	}
	ok, err := m.re.MatchString(url)
	if err != nil {
		return false
	}
	return ok
}
