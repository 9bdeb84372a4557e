/*
Package script runs button code in goja runtimes.

Two executors share one document binding:

  - Restricted runs the code as a plain script with a global document that
    is a static copy of the page. It has a short timeout and refuses to run
    when the page policy forbids eval.
  - Privileged wraps the code as function(document) { ... }, awaits a
    returned promise and exposes a console that writes to the log.

Each Run builds a fresh runtime, so code never sees state from another run
or from the caller.
*/
package script

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
)

// ErrEvalBlocked is returned by the restricted executor when the page's
// Content-Security-Policy does not allow 'unsafe-eval'.
var ErrEvalBlocked = errors.New("evaluation blocked by content security policy")

// ErrTimeout is the fault reported when code exceeds its budget.
var ErrTimeout = errors.New("script timed out")

// Executor runs code against a document.
type Executor interface {
	Run(ctx context.Context, code string, doc *goquery.Document) error
}

// Restricted is the page-side executor.
type Restricted struct {
	Timeout time.Duration
	// CSP is the page's Content-Security-Policy, empty when none applies.
	CSP string
}

func NewRestricted(timeout time.Duration, csp string) *Restricted {
	return &Restricted{Timeout: timeout, CSP: csp}
}

func (r *Restricted) Run(ctx context.Context, code string, doc *goquery.Document) error {
	if !EvalAllowed(r.CSP) {
		return ErrEvalBlocked
	}
	vm := goja.New()
	if err := vm.Set("document", newBinding(vm, doc).document()); err != nil {
		return err
	}
	_, err := runWithTimeout(ctx, vm, r.Timeout, func() (goja.Value, error) {
		return vm.RunString(code)
	})
	return err
}

// Privileged is the relay-side executor.
type Privileged struct {
	Timeout time.Duration
}

func NewPrivileged(timeout time.Duration) *Privileged {
	return &Privileged{Timeout: timeout}
}

func (p *Privileged) Run(ctx context.Context, code string, doc *goquery.Document) error {
	vm := goja.New()
	if err := vm.Set("console", newConsole(vm)); err != nil {
		return err
	}

	fn, err := vm.RunString("(function(document) {\n" + code + "\n})")
	if err != nil {
		return faultOf(err)
	}
	call, ok := goja.AssertFunction(fn)
	if !ok {
		return errors.New("compiled script is not a function")
	}

	_, err = runWithTimeout(ctx, vm, p.Timeout, func() (goja.Value, error) {
		v, err := call(goja.Undefined(), newBinding(vm, doc).document())
		if err != nil {
			return nil, err
		}
		return v, settle(vm, v)
	})
	return err
}

// settle resolves a returned promise. Reactions queued by the call have run
// by the time it returns; a promise still pending has nothing left to wait on.
func settle(vm *goja.Runtime, v goja.Value) error {
	if v == nil {
		return nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return nil
	}
	if p.State() == goja.PromiseStatePending {
		// Flush any jobs queued outside the outermost call.
		if _, err := vm.RunString("undefined"); err != nil {
			return err
		}
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return nil
	case goja.PromiseStateRejected:
		return &Fault{Message: messageOf(p.Result())}
	default:
		return errors.New("returned promise never settled")
	}
}

func runWithTimeout(ctx context.Context, vm *goja.Runtime, timeout time.Duration, run func() (goja.Value, error)) (goja.Value, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	timer := time.AfterFunc(timeout, func() { vm.Interrupt(ErrTimeout) })
	defer timer.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	v, err := run()
	if err != nil {
		return nil, faultOf(err)
	}
	return v, nil
}

// Fault is a script exception with the message a page would see.
type Fault struct {
	Message string
}

func (f *Fault) Error() string { return f.Message }

func faultOf(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if e, ok := interrupted.Value().(error); ok {
			return e
		}
		return ErrTimeout
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return &Fault{Message: messageOf(exc.Value())}
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Message: err.Error()}
}

// messageOf mirrors how an error surfaces in a page: thrown Error objects
// report their message, anything else is stringified.
func messageOf(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return fmt.Sprint(v)
	}
	if obj, ok := v.(*goja.Object); ok {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			return m.String()
		}
	}
	return v.String()
}

func newConsole(vm *goja.Runtime) *goja.Object {
	console := vm.NewObject()
	logAt := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			log.Printf("[relay:console] %s %s", level, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	console.Set("log", logAt("log"))
	console.Set("info", logAt("info"))
	console.Set("warn", logAt("warn"))
	console.Set("error", logAt("error"))
	return console
}

// EvalAllowed reports whether a Content-Security-Policy permits string
// evaluation. script-src takes precedence over default-src; with neither
// directive the policy does not restrict eval.
func EvalAllowed(csp string) bool {
	directives := map[string][]string{}
	for _, part := range strings.Split(csp, ";") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		name := strings.ToLower(fields[0])
		if _, seen := directives[name]; seen {
			continue
		}
		directives[name] = fields[1:]
	}

	sources, ok := directives["script-src"]
	if !ok {
		sources, ok = directives["default-src"]
	}
	if !ok {
		return true
	}
	for _, s := range sources {
		if strings.EqualFold(s, "'unsafe-eval'") {
			return true
		}
	}
	return false
}
