package transformer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestHelperProcess is not a real test. It is the fake transformer started
// by the tests below through os.Args[0].
func TestHelperProcess(t *testing.T) {
	if os.Getenv("SLIDEFILL_WANT_HELPER") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	switch os.Getenv("HELPER_MODE") {
	case "ok":
		fmt.Print("done")
		os.Exit(0)
	case "fail":
		fmt.Fprint(os.Stderr, "bad template")
		os.Exit(1)
	case "sleep":
		time.Sleep(30 * time.Second)
		os.Exit(0)
	case "flood":
		chunk := strings.Repeat("x", 64*1024)
		for i := 0; i < 32; i++ {
			fmt.Fprint(os.Stdout, chunk)
			fmt.Fprint(os.Stderr, chunk)
		}
		os.Exit(3)
	case "count":
		fmt.Println(" 7 ")
		os.Exit(0)
	case "garbage":
		fmt.Println("seven")
		os.Exit(0)
	case "convert":
		// template input output [images]
		if len(args) < 3 {
			fmt.Fprint(os.Stderr, "usage: template input output [images]")
			os.Exit(2)
		}
		body := "converted:" + filepath.Base(args[0])
		if len(args) == 4 {
			var images map[string]string
			if err := json.Unmarshal([]byte(args[3]), &images); err != nil {
				fmt.Fprint(os.Stderr, "bad images json")
				os.Exit(2)
			}
			body += fmt.Sprintf(":images=%d", len(images))
		}
		if err := os.WriteFile(args[2], []byte(body), 0o600); err != nil {
			os.Exit(4)
		}
		os.Exit(0)
	case "noout":
		os.Exit(0)
	case "env":
		fmt.Print(os.Getenv("PYTHONUNBUFFERED"))
		os.Exit(0)
	}
	os.Exit(99)
}

func helperCommand() Command {
	return Command{os.Args[0], "-test.run=TestHelperProcess", "--"}
}

func helperEnv(mode string) map[string]string {
	return map[string]string{"SLIDEFILL_WANT_HELPER": "1", "HELPER_MODE": mode, "PYTHONUNBUFFERED": "1"}
}

func TestRunSuccess(t *testing.T) {
	res, err := NewInvoker(0).Run(context.Background(), helperCommand().invocation(helperEnv("ok")))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "done" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunNonZeroExitCarriesStderr(t *testing.T) {
	res, err := NewInvoker(0).Run(context.Background(), helperCommand().invocation(helperEnv("fail")))
	var te *TransformError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransformError, got %v", err)
	}
	if te.ExitCode != 1 || res.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d/%d", te.ExitCode, res.ExitCode)
	}
	if !strings.Contains(err.Error(), "bad template") {
		t.Fatalf("expected stderr in message, got %q", err.Error())
	}
}

func TestRunMissingExecutable(t *testing.T) {
	_, err := NewInvoker(0).Run(context.Background(), Invocation{Executable: filepath.Join(t.TempDir(), "no-such-binary")})
	var te *TransformError
	if !errors.As(err, &te) || te.ExitCode != -1 {
		t.Fatalf("expected launch TransformError, got %v", err)
	}
}

func TestRunTimeout(t *testing.T) {
	inv := NewInvoker(200 * time.Millisecond)
	start := time.Now()
	_, err := inv.Run(context.Background(), helperCommand().invocation(helperEnv("sleep")))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestRunDrainsLargeOutput(t *testing.T) {
	res, err := NewInvoker(20*time.Second).Run(context.Background(), helperCommand().invocation(helperEnv("flood")))
	var te *TransformError
	if !errors.As(err, &te) || te.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %v", err)
	}
	if len(res.Stdout) != 32*64*1024 || len(res.Stderr) != 32*64*1024 {
		t.Fatalf("streams not fully drained: %d/%d", len(res.Stdout), len(res.Stderr))
	}
	if len(err.Error()) > maxMessage {
		t.Fatalf("error message not truncated")
	}
}

func TestValidate(t *testing.T) {
	bad := []Invocation{
		{},
		{Executable: "  "},
		{Executable: "x\x00y"},
		{Executable: "x", Args: []string{"a\x00"}},
		{Executable: "x", Env: map[string]string{"A=B": "c"}},
	}
	for _, inv := range bad {
		if inv.Validate() == nil {
			t.Fatalf("expected %+v to be invalid", inv)
		}
	}
	if err := (Invocation{Executable: "x", Args: []string{"a b; rm -rf /"}}).Validate(); err != nil {
		t.Fatalf("shell metacharacters are plain data: %v", err)
	}
}

func TestEnvIsPassed(t *testing.T) {
	res, err := NewInvoker(0).Run(context.Background(), helperCommand().invocation(helperEnv("env")))
	if err != nil || res.Stdout != "1" {
		t.Fatalf("expected env to reach child, got %q err=%v", res.Stdout, err)
	}
}

func TestConvert(t *testing.T) {
	dir := t.TempDir()
	tr := New(NewInvoker(0), helperCommand(), nil, helperEnv("convert"))
	out := filepath.Join(dir, "output.pptx")
	_, err := tr.Convert(context.Background(), ConvertRequest{
		TemplatePath: filepath.Join(dir, "template.pptx"),
		InputPath:    filepath.Join(dir, "data.xlsx"),
		OutputPath:   out,
		Images:       map[string]string{"{{logo}}": filepath.Join(dir, "image_0.png")},
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	data, _ := os.ReadFile(out)
	if string(data) != "converted:template.pptx:images=1" {
		t.Fatalf("unexpected output %q", data)
	}
}

func TestConvertWithoutOutputFails(t *testing.T) {
	dir := t.TempDir()
	tr := New(NewInvoker(0), helperCommand(), nil, helperEnv("noout"))
	_, err := tr.Convert(context.Background(), ConvertRequest{OutputPath: filepath.Join(dir, "output.pptx")})
	var te *TransformError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransformError, got %v", err)
	}
}

func TestSlideCount(t *testing.T) {
	tr := New(NewInvoker(0), nil, helperCommand(), helperEnv("count"))
	n, err := tr.SlideCount(context.Background(), "deck.pptx")
	if err != nil || n != 7 {
		t.Fatalf("expected 7, got %d err=%v", n, err)
	}
	tr = New(NewInvoker(0), nil, helperCommand(), helperEnv("garbage"))
	if _, err := tr.SlideCount(context.Background(), "deck.pptx"); err == nil {
		t.Fatalf("expected parse error")
	}
	tr = New(NewInvoker(0), nil, nil, nil)
	if _, err := tr.SlideCount(context.Background(), "deck.pptx"); err == nil {
		t.Fatalf("expected error without counter")
	}
}
