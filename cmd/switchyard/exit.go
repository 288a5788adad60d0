package main

import "fmt"

// Process exit codes. Run-shaped commands map the final run status onto
// these so shell scripts can branch on the outcome.
const (
	exitSuccess   = 0
	exitPartial   = 2
	exitFailed    = 3
	exitCancelled = 4
	exitUsage     = 64
)

// ExitError carries a process exit code up through cobra's RunE chain.
type ExitError struct {
	Code    int
	message string
}

func (e *ExitError) Error() string { return e.message }

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{Code: code, message: fmt.Sprintf(format, args...)}
}
