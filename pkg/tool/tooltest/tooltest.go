package tooltest

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/bootdisk/pkg/tool"
)

// HandlerFunc simulates the tool.
type HandlerFunc func(cmd tool.Command) (tool.Output, error)

// NewRecorder returns runner recording commands instead of executing them.
func NewRecorder() *Recorder {
	return &Recorder{
		handlers: map[string]HandlerFunc{},
		missing:  map[string]struct{}{},
	}
}

// Recorder is the fake runner. Tools without handler succeed with empty output.
type Recorder struct {
	mu       sync.Mutex
	commands []tool.Command
	handlers map[string]HandlerFunc
	missing  map[string]struct{}
}

// Handle sets the handler of the tool.
func (r *Recorder) Handle(name string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[name] = handler
}

// Missing marks tools as not present in PATH.
func (r *Recorder) Missing(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, n := range names {
		r.missing[n] = struct{}{}
	}
}

// Run records the command and runs its handler.
func (r *Recorder) Run(_ context.Context, cmd tool.Command) (tool.Output, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	handler := r.handlers[cmd.Name]
	r.mu.Unlock()

	if handler == nil {
		return tool.Output{}, nil
	}
	return handler(cmd)
}

// LookPath resolves tool unless it was marked as missing.
func (r *Recorder) LookPath(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, missing := r.missing[name]; missing {
		return "", errors.Errorf("executable %q not found", name)
	}
	return "/usr/bin/" + name, nil
}

// Commands returns recorded commands.
func (r *Recorder) Commands() []tool.Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]tool.Command(nil), r.commands...)
}

// CommandLines returns recorded commands as strings.
func (r *Recorder) CommandLines() []string {
	cmds := r.Commands()
	lines := make([]string, 0, len(cmds))
	for _, c := range cmds {
		lines = append(lines, c.String())
	}
	return lines
}

// Invoked reports if any of recorded commands ran the tool.
func (r *Recorder) Invoked(name string) bool {
	for _, c := range r.Commands() {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Fail returns handler failing with the exit code and stderr.
func Fail(exitCode int, stderr string) HandlerFunc {
	return func(cmd tool.Command) (tool.Output, error) {
		return tool.Output{Stderr: stderr}, errors.WithStack(&fault.ToolError{
			Command:  cmd.Argv(),
			ExitCode: exitCode,
			Stderr:   stderr,
		})
	}
}

// Stdout returns handler succeeding with the output.
func Stdout(stdout string) HandlerFunc {
	return func(cmd tool.Command) (tool.Output, error) {
		return tool.Output{Stdout: stdout}, nil
	}
}

// Value returns the value of "--flag=value" argument.
func Value(cmd tool.Command, flag string) string {
	for _, a := range cmd.Args {
		if v, ok := strings.CutPrefix(a, flag+"="); ok {
			return v
		}
	}
	return ""
}
