// Package transformer runs the external document transformer as a child
// process. No shell is involved: arguments are passed through as-is.
package transformer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// maxMessage bounds how much stderr ends up in an error message.
const maxMessage = 1024

// Invocation is a fully typed process launch.
type Invocation struct {
	Executable string
	Args       []string
	// Env is layered on top of the parent environment.
	Env map[string]string
	Dir string
}

// Validate rejects invocations that cannot be passed to exec safely.
func (inv Invocation) Validate() error {
	if strings.TrimSpace(inv.Executable) == "" {
		return errors.New("executable is required")
	}
	if strings.ContainsRune(inv.Executable, 0) {
		return errors.New("executable contains NUL byte")
	}
	for i, arg := range inv.Args {
		if strings.ContainsRune(arg, 0) {
			return fmt.Errorf("argument %d contains NUL byte", i)
		}
	}
	for k, v := range inv.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") || strings.ContainsRune(v, 0) {
			return fmt.Errorf("invalid environment entry %q", k)
		}
	}
	return nil
}

// Result is what the process left behind.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// TransformError reports a launch failure, a timeout or a non-zero exit.
type TransformError struct {
	ExitCode int // -1 when the process never ran to completion
	Stderr   string
	Err      error
}

func (e *TransformError) Error() string {
	msg := e.Err.Error()
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return truncate(msg, maxMessage)
}

func (e *TransformError) Unwrap() error { return e.Err }

// Runner executes an Invocation.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// Invoker is the exec based Runner.
type Invoker struct {
	// Timeout bounds every run. Zero means only ctx applies.
	Timeout time.Duration
	// WaitDelay bounds how long Wait keeps draining pipes after the process
	// was killed, in case grandchildren still hold them open.
	WaitDelay time.Duration
}

// NewInvoker returns an Invoker with the given wall-clock timeout.
func NewInvoker(timeout time.Duration) *Invoker {
	return &Invoker{Timeout: timeout, WaitDelay: 5 * time.Second}
}

// Run starts the process, waits for it and both of its output streams, and
// maps the outcome. Any exit other than 0 is a *TransformError.
func (i *Invoker) Run(ctx context.Context, inv Invocation) (Result, error) {
	if err := inv.Validate(); err != nil {
		return Result{ExitCode: -1}, &TransformError{ExitCode: -1, Err: fmt.Errorf("invalid invocation: %w", err)}
	}
	if i.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.Executable, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = mergeEnv(os.Environ(), inv.Env)
	cmd.WaitDelay = i.WaitDelay
	var stdout, stderr bytes.Buffer
	// With buffers instead of pipes, Wait only returns after both copy
	// goroutines have drained the streams.
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	// ExitCode is -1 on a nil ProcessState, i.e. when the process never started.
	res := Result{ExitCode: cmd.ProcessState.ExitCode(), Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		cause := ctxErr
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			cause = fmt.Errorf("transformer timed out: %w", ctxErr)
		}
		return res, &TransformError{ExitCode: -1, Stderr: res.Stderr, Err: cause}
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return res, &TransformError{ExitCode: res.ExitCode, Stderr: res.Stderr, Err: fmt.Errorf("transformer exited with code %d", res.ExitCode)}
	}
	return res, &TransformError{ExitCode: -1, Stderr: res.Stderr, Err: fmt.Errorf("launch transformer: %w", runErr)}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, override := extra[k]; override {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
