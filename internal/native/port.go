package native

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"
)

// Handlers receive port events. Both run on the port's reader goroutine.
type Handlers struct {
	OnMessage    func(payload json.RawMessage)
	OnDisconnect func(err error)
}

// Port is a connection to one running helper process.
type Port struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	writeMu sync.Mutex
	done    chan struct{}
	err     error
}

// Connect launches the helper described by m. The helper gets origin as its
// first argument, like a browser-launched host. It is killed when timeout
// elapses or ctx ends, whichever comes first.
func Connect(ctx context.Context, m Manifest, origin string, timeout time.Duration, h Handlers) (*Port, error) {
	if !m.Allows(origin) {
		return nil, fmt.Errorf("native host %s does not allow origin %q", m.Name, origin)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(runCtx, m.Path, origin)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	cmd.Stderr = &stderrLog{name: m.Name}
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start native host %s: %w", m.Name, err)
	}

	p := &Port{name: m.Name, cmd: cmd, stdin: stdin, cancel: cancel, done: make(chan struct{})}

	go func() {
		var readErr error
		for {
			payload, err := ReadFrame(stdout, MaxHostMessage)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr = err
				}
				break
			}
			if h.OnMessage != nil {
				h.OnMessage(json.RawMessage(payload))
			}
		}

		// Unblock a helper stuck writing so Wait can return.
		if readErr != nil {
			cancel()
		}
		waitErr := cmd.Wait()
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			p.err = fmt.Errorf("native host %s timed out after %s", m.Name, timeout)
		case readErr != nil:
			p.err = fmt.Errorf("read from native host %s: %w", m.Name, readErr)
		case waitErr != nil:
			p.err = fmt.Errorf("native host %s exited: %w", m.Name, waitErr)
		}
		cancel()
		if h.OnDisconnect != nil {
			h.OnDisconnect(p.err)
		}
		close(p.done)
	}()

	return p, nil
}

// Post writes one message to the helper.
func (p *Port) Post(v interface{}) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return WriteMessage(p.stdin, v, MaxClientMessage)
}

// Disconnect closes the helper's stdin and stops the process.
func (p *Port) Disconnect() {
	p.stdin.Close()
	p.cancel()
}

// Done is closed after the helper has exited and OnDisconnect has run.
func (p *Port) Done() <-chan struct{} { return p.done }

// Err is the disconnect reason, nil for a clean exit. Valid after Done.
func (p *Port) Err() error {
	<-p.done
	return p.err
}

// stderrLog forwards helper stderr to the log line by line.
type stderrLog struct {
	name string
	buf  []byte
}

func (l *stderrLog) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		log.Printf("[native:%s] %s", l.name, l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
