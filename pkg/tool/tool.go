package tool

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/libexec"
	"github.com/outofforest/logger"
)

// Command is the invocation of an external tool. It is executed directly, without a shell.
type Command struct {
	Name string
	Args []string
}

// Argv returns the command line of the command.
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

// String returns the command line.
func (c Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// Output is the output captured from the tool.
type Output struct {
	Stdout string
	Stderr string
}

// Runner runs external tools.
type Runner interface {
	// Run runs the command and waits for it to exit. Nonzero exit status is returned as *fault.ToolError.
	Run(ctx context.Context, cmd Command) (Output, error)

	// LookPath resolves the tool in PATH.
	LookPath(name string) (string, error)
}

// Builder builds commands. It rejects arguments which could be interpreted in unexpected way by the tool.
type Builder struct {
	cmd Command
	err error
}

// New returns builder of the command running the tool.
func New(name string) *Builder {
	b := &Builder{cmd: Command{Name: name}}
	if name == "" || strings.HasPrefix(name, "-") || !safe(name) {
		b.fail("tool name", name)
	}
	return b
}

// Flag adds the flag, e.g. "--script".
func (b *Builder) Flag(flag string) *Builder {
	if !validFlag(flag) {
		b.fail("flag", flag)
		return b
	}
	b.cmd.Args = append(b.cmd.Args, flag)
	return b
}

// Option adds the flag followed by its value passed as a separate argument, e.g. "-L GRUB".
func (b *Builder) Option(flag, value string) *Builder {
	if !validFlag(flag) {
		b.fail("flag", flag)
		return b
	}
	if !validValue(value) {
		b.fail("value of "+flag, value)
		return b
	}
	b.cmd.Args = append(b.cmd.Args, flag, value)
	return b
}

// OptionEq adds the flag with value joined by "=", e.g. "--format=i386-pc".
func (b *Builder) OptionEq(flag, value string) *Builder {
	if !validFlag(flag) || !strings.HasPrefix(flag, "--") {
		b.fail("flag", flag)
		return b
	}
	if !validValue(value) {
		b.fail("value of "+flag, value)
		return b
	}
	b.cmd.Args = append(b.cmd.Args, flag+"="+value)
	return b
}

// PathEq adds the flag with the absolute path joined by "=", e.g. "--file=/tmp/rootfs.tar".
func (b *Builder) PathEq(flag, path string) *Builder {
	if !validPath(path) {
		b.fail("path of "+flag, path)
		return b
	}
	return b.OptionEq(flag, path)
}

// Arg adds positional arguments.
func (b *Builder) Arg(values ...string) *Builder {
	for _, v := range values {
		if !validValue(v) {
			b.fail("argument", v)
			return b
		}
		b.cmd.Args = append(b.cmd.Args, v)
	}
	return b
}

// Path adds positional absolute paths.
func (b *Builder) Path(paths ...string) *Builder {
	for _, p := range paths {
		if !validPath(p) {
			b.fail("path", p)
			return b
		}
		b.cmd.Args = append(b.cmd.Args, p)
	}
	return b
}

// Build returns the command or the first error detected while building it.
func (b *Builder) Build() (Command, error) {
	if b.err != nil {
		return Command{}, b.err
	}
	return Command{
		Name: b.cmd.Name,
		Args: append([]string(nil), b.cmd.Args...),
	}, nil
}

func (b *Builder) fail(kind, value string) {
	if b.err != nil {
		return
	}
	b.err = fault.Newf(fault.ErrConfiguration, "unsafe %s %q for tool %q", kind, value, b.cmd.Name)
}

func safe(v string) bool {
	for _, r := range v {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func validFlag(flag string) bool {
	if len(flag) < 2 || flag[0] != '-' || !safe(flag) {
		return false
	}
	return !strings.ContainsAny(flag, " =")
}

func validValue(v string) bool {
	return v != "" && !strings.HasPrefix(v, "-") && safe(v)
}

func validPath(p string) bool {
	return validValue(p) && filepath.IsAbs(p) && filepath.Clean(p) == p
}

// Require checks that all the tools are available in PATH.
func Require(runner Runner, names ...string) error {
	var missing []string
	for _, name := range names {
		if _, err := runner.LookPath(name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fault.Newf(fault.ErrMissingDependency, "tools not found in PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}

// NewExec returns runner executing tools on the host.
func NewExec() Exec {
	return Exec{}
}

// Exec runs tools on the host.
type Exec struct{}

// Run runs the command.
func (e Exec) Run(ctx context.Context, cmd Command) (Output, error) {
	logger.Get(ctx).Debug("Running tool", zap.Strings("command", cmd.Argv()))

	var stdout, stderr bytes.Buffer
	c := exec.Command(cmd.Name, cmd.Args...)
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := libexec.Exec(ctx, c)
	out := Output{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err == nil {
		return out, nil
	}

	if ctx.Err() != nil {
		return out, errors.WithStack(ctx.Err())
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return out, errors.WithStack(&fault.ToolError{
		Command:  cmd.Argv(),
		ExitCode: exitCode,
		Stderr:   out.Stderr,
		Err:      err,
	})
}

// LookPath resolves the tool in PATH.
func (e Exec) LookPath(name string) (string, error) {
	path, err := exec.LookPath(name)
	return path, errors.WithStack(err)
}
