package fault

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

var (
	// ErrConfiguration is reported when plan, configuration or input archive are invalid.
	ErrConfiguration = errors.New("configuration error")

	// ErrPrivilege is reported when the build runs without required privileges.
	ErrPrivilege = errors.New("insufficient privileges")

	// ErrResourceExhausted is reported when loop device, disk space or build lock are not available.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrExternalTool is reported when external command exits with nonzero status.
	ErrExternalTool = errors.New("external tool failed")

	// ErrToolChainFailure is reported when a tool succeeded but its expected artifact is missing.
	ErrToolChainFailure = errors.New("toolchain failure")

	// ErrMissingDependency is reported when host lacks files or tools required by the build.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrCleanupFailure is reported when releasing a resource failed.
	ErrCleanupFailure = errors.New("cleanup failed")
)

// Error is the error of a specific kind.
type Error struct {
	Kind  error
	Msg   string
	Cause error
}

// Error returns error message.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	} else {
		msg = e.Kind.Error() + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is reports if error is of the target kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Newf creates error of the kind.
func Newf(kind error, format string, args ...any) error {
	return errors.WithStack(&Error{
		Kind: kind,
		Msg:  fmt.Sprintf(format, args...),
	})
}

// Wrapf creates error of the kind caused by another error.
func Wrapf(kind, cause error, format string, args ...any) error {
	return errors.WithStack(&Error{
		Kind:  kind,
		Msg:   fmt.Sprintf(format, args...),
		Cause: cause,
	})
}

// ToolError is returned when external command exits with nonzero status.
type ToolError struct {
	Command  []string
	ExitCode int
	Stderr   string
	Err      error
}

// Error returns error message.
func (e *ToolError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", strings.Join(e.Command, " "), e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// Is reports if target is ErrExternalTool.
func (e *ToolError) Is(target error) bool {
	return target == ErrExternalTool
}

// Unwrap returns the cause.
func (e *ToolError) Unwrap() error {
	return e.Err
}

// Stderr returns diagnostic output of the failed tool, if err was caused by one.
func Stderr(err error) string {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Stderr
	}
	return ""
}

// CleanupError is returned when releasing a resource failed.
type CleanupError struct {
	Resource string
	Err      error
}

// Error returns error message.
func (e *CleanupError) Error() string {
	return fmt.Sprintf("releasing %s failed: %s", e.Resource, e.Err)
}

// Is reports if target is ErrCleanupFailure.
func (e *CleanupError) Is(target error) bool {
	return target == ErrCleanupFailure
}

// Unwrap returns the cause.
func (e *CleanupError) Unwrap() error {
	return e.Err
}

// Release runs the release function of a resource. It is meant to be deferred by the function acquiring
// the resource. Failure is logged and reported through retErr only if no other error has been reported yet,
// so the failure which triggered the cleanup is never hidden.
func Release(ctx context.Context, retErr *error, resource string, release func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)

	err := release(ctx)
	if err == nil {
		return
	}

	logger.Get(ctx).Error("Cleanup failed",
		zap.String("resource", resource),
		zap.Bool("primaryFailure", *retErr != nil),
		zap.Error(err))

	if *retErr == nil {
		*retErr = errors.WithStack(&CleanupError{Resource: resource, Err: err})
	}
}
