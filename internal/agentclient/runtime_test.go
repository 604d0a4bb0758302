package agentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"testing"

	"github.com/me/dispatch/pkg/model"
)

// mockCommandRunner records calls and returns canned results.
type mockCommandRunner struct {
	calls   []mockCall
	results []RunResult
	callIdx int
}

type mockCall struct {
	dir  string
	name string
	args []string
}

func (m *mockCommandRunner) Run(_ context.Context, dir, name string, args ...string) (RunResult, error) {
	m.calls = append(m.calls, mockCall{dir: dir, name: name, args: args})
	if m.callIdx >= len(m.results) {
		return RunResult{ExitCode: -1}, fmt.Errorf("unexpected call %d", m.callIdx)
	}
	r := m.results[m.callIdx]
	m.callIdx++
	return r, nil
}

func TestBareRuntime_Run(t *testing.T) {
	rt := NewBareRuntime()

	result, err := rt.Run(context.Background(), RunSpec{
		Command: []string{"echo", "hello"},
		WorkDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit_code = %d, want 0", result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("stdout = %q, want hello\\n", result.Stdout)
	}
}

func TestBareRuntime_NonZeroExit(t *testing.T) {
	rt := NewBareRuntime()
	result, err := rt.Run(context.Background(), RunSpec{
		Command: []string{"sh", "-c", "echo boom >&2; exit 3"},
		WorkDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit_code = %d, want 3", result.ExitCode)
	}
	if result.Stderr != "boom\n" {
		t.Errorf("stderr = %q", result.Stderr)
	}
}

func TestBareRuntime_EmptyCommand(t *testing.T) {
	rt := NewBareRuntime()
	if _, err := rt.Run(context.Background(), RunSpec{WorkDir: t.TempDir()}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestDockerRuntime_Run(t *testing.T) {
	runner := &mockCommandRunner{results: []RunResult{{Stdout: "container output\n"}}}
	rt := newDockerRuntimeWithRunner(runner)

	result, err := rt.Run(context.Background(), RunSpec{
		Image:   "alpine:latest",
		Command: []string{"echo", "hello"},
		WorkDir: "/tmp/work",
		Env:     map[string]string{"FOO": "bar"},
	})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.Stdout != "container output\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(runner.calls))
	}
	call := runner.calls[0]
	if call.name != "docker" {
		t.Errorf("name = %q, want docker", call.name)
	}
	want := []string{"run", "--rm", "-e", "FOO=bar", "-v", "/tmp/work:/work", "-w", "/work", "alpine:latest", "echo", "hello"}
	if !slices.Equal(call.args, want) {
		t.Errorf("args = %v\nwant %v", call.args, want)
	}
}

func TestDockerRuntime_RequiresImage(t *testing.T) {
	rt := newDockerRuntimeWithRunner(&mockCommandRunner{})
	if _, err := rt.Run(context.Background(), RunSpec{Command: []string{"true"}}); err == nil {
		t.Fatal("expected error without image")
	}
}

func TestNewRuntime(t *testing.T) {
	for _, name := range []string{"", "none", "docker"} {
		if _, err := NewRuntime(name); err != nil {
			t.Errorf("NewRuntime(%q): %v", name, err)
		}
	}
	if _, err := NewRuntime("podman"); err == nil {
		t.Error("expected error for unknown runtime")
	}
}

func TestCommandHandler(t *testing.T) {
	h := &CommandHandler{Runtime: NewBareRuntime(), WorkDir: t.TempDir()}

	ok := h.Handle(context.Background(), &model.Task{
		ID:      "task_ok",
		Payload: json.RawMessage(`{"command":["echo","hi"]}`),
	})
	if !ok.Succeeded() {
		t.Fatalf("outcome = %+v, want success", ok)
	}
	var res RunResult
	if err := json.Unmarshal(ok.Payload, &res); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if res.Stdout != "hi\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}

	failed := h.Handle(context.Background(), &model.Task{
		ID:      "task_fail",
		Payload: json.RawMessage(`{"command":["false"]}`),
	})
	if failed.Succeeded() || failed.Error.Code != model.ErrExecution {
		t.Errorf("outcome = %+v, want execution failure", failed)
	}
	if failed.Status != model.TaskStatusFailed {
		t.Errorf("status = %s, want FAILED", failed.Status)
	}

	bad := h.Handle(context.Background(), &model.Task{ID: "task_bad", Payload: json.RawMessage(`"nope"`)})
	if bad.Succeeded() {
		t.Error("expected failure for malformed payload")
	}
}
