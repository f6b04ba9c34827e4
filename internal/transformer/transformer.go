package transformer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Command is an executable plus the fixed leading arguments it is always
// started with, e.g. ["python3", "-B", "scripts/convert_ppt.py"].
type Command []string

func (c Command) invocation(env map[string]string, args ...string) Invocation {
	inv := Invocation{Env: env}
	if len(c) > 0 {
		inv.Executable = c[0]
		inv.Args = append(append([]string{}, c[1:]...), args...)
	}
	return inv
}

// ConvertRequest names the local files of one conversion.
type ConvertRequest struct {
	TemplatePath string
	InputPath    string
	OutputPath   string
	// Images maps placeholder tokens to local image paths.
	Images map[string]string
	Dir    string
}

// Transformer builds invocations for the document transformer and the slide
// counter and interprets their results.
type Transformer struct {
	runner  Runner
	convert Command
	counter Command
	env     map[string]string
}

// New returns a Transformer. counter may be empty when slide counting is not
// needed.
func New(runner Runner, convert, counter Command, env map[string]string) *Transformer {
	return &Transformer{runner: runner, convert: convert, counter: counter, env: env}
}

// Convert runs `<convert> template input output [imagesJSON]` and checks
// that the output document was actually written.
func (t *Transformer) Convert(ctx context.Context, req ConvertRequest) (Result, error) {
	args := []string{req.TemplatePath, req.InputPath, req.OutputPath}
	if len(req.Images) > 0 {
		payload, err := json.Marshal(req.Images)
		if err != nil {
			return Result{}, &TransformError{ExitCode: -1, Err: fmt.Errorf("encode image mappings: %w", err)}
		}
		args = append(args, string(payload))
	}
	inv := t.convert.invocation(t.env, args...)
	inv.Dir = req.Dir
	res, err := t.runner.Run(ctx, inv)
	if err != nil {
		return res, err
	}
	info, err := os.Stat(req.OutputPath)
	if err != nil || info.Size() == 0 {
		return res, &TransformError{ExitCode: res.ExitCode, Stderr: res.Stderr, Err: errors.New("transformer produced no output document")}
	}
	return res, nil
}

// SlideCount runs `<counter> path` and parses the single integer it prints.
func (t *Transformer) SlideCount(ctx context.Context, path string) (int, error) {
	if len(t.counter) == 0 {
		return 0, &TransformError{ExitCode: -1, Err: errors.New("no slide counter configured")}
	}
	res, err := t.runner.Run(ctx, t.counter.invocation(t.env, path))
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil || count < 0 {
		return 0, &TransformError{ExitCode: res.ExitCode, Stderr: res.Stderr, Err: fmt.Errorf("invalid slide count %q", strings.TrimSpace(res.Stdout))}
	}
	return count, nil
}
