package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a toolchain failure. The kind decides the process exit code
// and the troubleshooting article shown to the operator; it never changes how
// the error propagates.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindArgument
	KindFile
	// KindService means the monitoring service refused a request the caller
	// needed to succeed immediately.
	KindService
	// KindTransientService is a refresh failure inside a poll loop. It is
	// logged, never returned to the operator.
	KindTransientService
	KindProcess
	KindStatus
	KindTimeout
	KindCancelled
	KindInternal
)

// Exit codes shared by every toolchain command.
const (
	ExitOK                  = 0
	ExitGeneric             = 1
	ExitMissingPrerequisite = 2
	ExitArgument            = 3
	ExitConfig              = 4
	ExitRuntime             = 5
	ExitInternal            = 6
	ExitFileOpen            = 7
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindConfig:           "config",
	KindArgument:         "argument",
	KindFile:             "file",
	KindService:          "service",
	KindTransientService: "transient-service",
	KindProcess:          "process",
	KindStatus:           "status",
	KindTimeout:          "timeout",
	KindCancelled:        "cancelled",
	KindInternal:         "internal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf formats a message into an *Error of the given kind.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.String() + " error"
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, apperr.Timeout) works
// regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return other.Op == "" && other.Err == nil && other.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	Service   = &Error{Kind: KindService}
	Process   = &Error{Kind: KindProcess}
	Status    = &Error{Kind: KindStatus}
	Timeout   = &Error{Kind: KindTimeout}
	Cancelled = &Error{Kind: KindCancelled}
	Config    = &Error{Kind: KindConfig}
)

// KindOf reports the kind of the outermost *Error in err's chain. Bare context
// errors are classified as well.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindUnknown
}

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindConfig:
		return ExitConfig
	case KindArgument:
		return ExitArgument
	case KindFile:
		return ExitFileOpen
	case KindInternal:
		return ExitInternal
	case KindService, KindTransientService, KindProcess, KindStatus, KindTimeout, KindCancelled:
		return ExitRuntime
	default:
		return ExitGeneric
	}
}

var articles = map[Kind]string{
	KindConfig:    "IUT-2",
	KindFile:      "IUT-1",
	KindService:   "IUT-5",
	KindProcess:   "IUT-7",
	KindStatus:    "IUT-7",
	KindTimeout:   "IUT-8",
	KindCancelled: "",
	KindInternal:  "IUT-5",
}

// Article returns the troubleshooting article id for err, or "".
func Article(err error) string {
	return articles[KindOf(err)]
}

// Present renders err for the operator, appending the troubleshooting
// reference when one exists for its kind.
func Present(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	article := Article(err)
	if article == "" {
		return msg
	}
	return fmt.Sprintf("%s\n\n    For details, see the following troubleshooting article: %s", msg, article)
}
