package native

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"unicode/utf8"
)

// Response is what the runner sends back for one command.
type Response struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Shell runs command and returns its stdout and stderr.
type Shell func(ctx context.Context, command string) (stdout, stderr string, err error)

// ShellCommand builds the platform shell invocation: cmd /C from the system
// drive root on Windows, sh -c from / elsewhere.
func ShellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		cmd := exec.CommandContext(ctx, "cmd", "/C", command)
		cmd.Dir = os.Getenv("SystemDrive") + `\`
		return cmd
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = "/"
	return cmd
}

// SystemShell runs command with ShellCommand.
func SystemShell(ctx context.Context, command string) (string, string, error) {
	cmd := ShellCommand(ctx, command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// ServeOne reads a single message (a JSON string holding the command) from
// r, runs it and writes one Response to w.
func ServeOne(ctx context.Context, r io.Reader, w io.Writer, shell Shell) error {
	payload, err := ReadFrame(r, MaxClientMessage)
	if err != nil {
		return err
	}

	var command string
	if err := json.Unmarshal(payload, &command); err != nil {
		return reply(w, Response{Success: false, Error: "Invalid JSON: " + err.Error()})
	}

	stdout, stderr, err := shell(ctx, command)
	if err != nil {
		msg := stderr
		if msg == "" {
			msg = err.Error()
		}
		return reply(w, Response{Success: false, Output: stdout, Error: msg})
	}
	return reply(w, Response{Success: true, Output: stdout})
}

func reply(w io.Writer, resp Response) error {
	err := WriteMessage(w, resp, MaxHostMessage)
	if !errors.Is(err, ErrMessageTooLarge) {
		return err
	}
	// Escaping can grow the payload, so leave generous headroom.
	const keep = MaxHostMessage / 4
	resp.Output = truncateUTF8(resp.Output, keep)
	resp.Error = truncateUTF8(resp.Error, keep)
	resp.Success = false
	if resp.Error == "" {
		resp.Error = "output truncated"
	}
	return WriteMessage(w, resp, MaxHostMessage)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
