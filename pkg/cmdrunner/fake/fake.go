// Package fake provides a scripted cmdrunner.Runner for tests.
package fake

import (
	"context"
	"strings"
	"sync"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/cmdrunner"
)

// Handler produces the result of one command invocation
type Handler func(ctx context.Context, name string, args ...string) (*cmdrunner.Output, error)

// Runner records every invocation and delegates to Handler
type Runner struct {
	Handler Handler

	mu    sync.Mutex
	calls [][]string
}

// Run implements cmdrunner.Runner
func (r *Runner) Run(ctx context.Context, name string, args ...string) (*cmdrunner.Output, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()

	if r.Handler == nil {
		return &cmdrunner.Output{}, nil
	}
	return r.Handler(ctx, name, args...)
}

// Calls returns the recorded invocations, each as name followed by args
func (r *Runner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string{}, r.calls...)
}

// CallCount returns how often the command line starting with prefix was run
func (r *Runner) CallCount(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, call := range r.calls {
		if strings.HasPrefix(strings.Join(call, " "), prefix) {
			count++
		}
	}
	return count
}

// Stdout returns a handler printing stdout with exit code 0
func Stdout(stdout string) Handler {
	return func(context.Context, string, ...string) (*cmdrunner.Output, error) {
		return &cmdrunner.Output{Stdout: []byte(stdout)}, nil
	}
}

// Exit returns a handler exiting with the given code, stdout and stderr
func Exit(code int, stdout, stderr string) Handler {
	return func(context.Context, string, ...string) (*cmdrunner.Output, error) {
		return &cmdrunner.Output{Stdout: []byte(stdout), Stderr: []byte(stderr), ExitCode: code}, nil
	}
}

// Error returns a handler failing with err
func Error(err error) Handler {
	return func(context.Context, string, ...string) (*cmdrunner.Output, error) {
		return nil, err
	}
}
