package cli

import (
	"fmt"
	"strings"

	"github.com/lydakis/mcpbrowser/internal/ipc"
)

// ExitError carries a specific process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	switch {
	case e.Cause != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	case e.Cause != nil:
		return e.Cause.Error()
	default:
		return e.Message
	}
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

func usageError(format string, args ...any) error {
	return &ExitError{Code: ipc.ExitUsageErr, Message: fmt.Sprintf(format, args...)}
}

// exitCode reports an already printed outcome with no further message.
func exitCode(code int) error {
	if code == ipc.ExitOK {
		return nil
	}
	return &ExitError{Code: code}
}

// isUsageError recognizes the argument and flag errors cobra produces.
func isUsageError(err error) bool {
	msg := err.Error()
	for _, prefix := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "accepts ", "requires ", "invalid argument", "flag needs an argument"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return strings.Contains(msg, "required flag")
}
