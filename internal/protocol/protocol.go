// Package protocol holds the messages exchanged between page agents and the
// privileged relay.
package protocol

// Escalation message types (agent to relay).
const (
	TypeRunJS    = "run-js"
	TypeRunShell = "run-shell"
)

// Report types (relay to tab).
const (
	TypeScriptExecuted = "script-executed"
	TypeScriptError    = "script-error"
	TypeShellOutput    = "shell-output"
)

// Message is an escalation request. DOM is only set for run-js.
type Message struct {
	Type string `json:"type"`
	Code string `json:"code"`
	DOM  string `json:"dom,omitempty"`
}

// RunJS builds the escalation for a script that faulted in the page.
func RunJS(code, dom string) Message {
	return Message{Type: TypeRunJS, Code: code, DOM: dom}
}

func RunShell(code string) Message {
	return Message{Type: TypeRunShell, Code: code}
}

// Report is an outcome addressed to the tab that sent the request.
type Report struct {
	Type   string `json:"type"`
	Error  string `json:"error,omitempty"`
	Output string `json:"output,omitempty"`
}

// Envelope tags a message with its originating tab.
type Envelope struct {
	TabID   string  `json:"tabId"`
	Message Message `json:"message"`
}
