// Package kerr defines the error kinds every core component surfaces (§7 of
// the design) and the exit-code table (§6.6) that the command layer maps
// them to. Nothing in this package formats user-facing text; that is the
// command layer's job.
package kerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories a caller can branch on with
// errors.As. It deliberately does not distinguish "why" beyond what the
// design calls out - components wrap a Kind with their own context via
// github.com/pkg/errors.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindInvalidOperation
	KindUncommittedChanges
	KindPatchDoesNotApply
	KindSchemaViolation
	KindUnsupportedVersion
	KindConnectionError
	KindSubprocessError
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvalidOperation:
		return "InvalidOperation"
	case KindUncommittedChanges:
		return "UncommittedChanges"
	case KindPatchDoesNotApply:
		return "PatchDoesNotApply"
	case KindSchemaViolation:
		return "SchemaViolation"
	case KindUnsupportedVersion:
		return "UnsupportedVersion"
	case KindConnectionError:
		return "ConnectionError"
	case KindSubprocessError:
		return "SubprocessError"
	default:
		return "Unknown"
	}
}

// ExitCode is the §6.6 taxonomy, as a method on Kind for the common cases.
// Variants that need a more specific code (the 40-53 not-found range, the
// 25-28 CRS/geometry/spatial-filter/format range, 21 merge conflict, 31
// working-copy conflict) construct an *Error directly with WithCode.
func (k Kind) ExitCode() int {
	switch k {
	case KindNotFound:
		return 40
	case KindInvalidOperation:
		return 20
	case KindUncommittedChanges:
		return 29
	case KindPatchDoesNotApply:
		return 22
	case KindSchemaViolation:
		return 23
	case KindUnsupportedVersion:
		return 24
	case KindConnectionError:
		return 60
	case KindSubprocessError:
		return 11
	default:
		return 11
	}
}

// Error is a kind-tagged error. Msg is the single-line user-facing message;
// Hint, if set, is prefixed as a parameter hint the way the command layer's
// error writer expects.
type Error struct {
	Kind Kind
	Msg  string
	Hint string
	code int // explicit override of Kind.ExitCode(), 0 = use default
	err  error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s", e.Hint, e.Msg)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.err }

// ExitCode returns the explicit override if set, else the kind's default.
func (e *Error) ExitCode() int {
	if e.code != 0 {
		return e.code
	}
	return e.Kind.ExitCode()
}

// New builds an *Error of the given kind wrapping cause (which may be nil).
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, err: cause}
}

// WithCode overrides the exit code for one of the taxonomy's sub-ranges,
// e.g. kerr.New(kerr.KindNotFound, "no such branch", nil).WithCode(42).
func (e *Error) WithCode(code int) *Error {
	e.code = code
	return e
}

// WithHint attaches a parameter hint (e.g. the dataset path) to the message.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// Newf builds a *Error of the given kind with a formatted message and no
// wrapped cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrapf builds a *Error of the given kind with a formatted message,
// wrapping cause so callers can still errors.As/errors.Is through to it.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), err: cause}
}

// Is reports whether err is (or wraps) a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Not-found exit-code sub-range, named per §6.6.
const (
	ExitNoRepo     = 40
	ExitNoData     = 41
	ExitNoBranch   = 42
	ExitNoCommit   = 43
	ExitNoTable    = 44
	ExitMergeConflict       = 21
	ExitPatchDoesNotApply   = 22
	ExitSchemaViolation     = 23
	ExitUnsupportedVersion  = 24
	ExitCRSError            = 25
	ExitGeometryError       = 26
	ExitSpatialFilterError  = 27
	ExitFileFormatError     = 28
	ExitUncommittedChanges  = 29
	ExitWorkingCopyConflict = 31
	ExitConnectionError     = 60
)

// SignalExitCode implements the "128+N" subprocess-signalled convention.
func SignalExitCode(signal int) int { return 128 + signal }
