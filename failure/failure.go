// Package failure classifies pipeline errors by where they originate, so the
// driver can tell conditions that the next cycle retries by itself from ones
// that need an operator.
//
// Errors are constructed with E, in the same argument style as
// github.com/grailbio/base/errors.E:
//
//	failure.E(failure.Stage, "bcl2fastq", err)
//	failure.E(failure.Scan, "runinfo", runID, "missing RunInfo.xml")
package failure

import (
	"bytes"
	"fmt"

	"github.com/grailbio/base/errors"
)

// Kind is the origin of a failure.
type Kind int

const (
	// Other is an unclassified failure.
	Other Kind = iota
	// Scan is malformed run metadata found while scanning. The run is skipped.
	Scan
	// Resolve is a sample sheet that cannot be turned into lane groups.
	Resolve
	// Stage is a pipeline stage whose external collaborator failed.
	Stage
	// Task is a single fan-out task failure.
	Task
	// Resource is a precondition on machine resources, such as free space.
	Resource
)

var kinds = map[Kind]string{
	Other:    "other",
	Scan:     "scan",
	Resolve:  "resolve",
	Stage:    "stage",
	Task:     "task",
	Resource: "resource",
}

// String returns a short lowercase name for the kind.
func (k Kind) String() string {
	if s, ok := kinds[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified error.
type Error struct {
	// Kind is the origin of the error.
	Kind Kind
	// Op names the run, stage, or task that failed.
	Op string
	// Message is optional extra context.
	Message string
	// Err is the underlying cause, if any.
	Err error
}

// E constructs an *Error from its arguments. A Kind sets the kind, the first
// string sets Op, further strings are joined into Message, and an error sets
// the cause. When the cause is itself an *Error with no explicit kind given,
// its kind is inherited.
func E(args ...interface{}) error {
	e := &Error{Kind: Other}
	var (
		msgs    []string
		hasKind bool
		hasOp   bool
	)
	for _, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
			hasKind = true
		case string:
			if !hasOp {
				e.Op = arg
				hasOp = true
			} else {
				msgs = append(msgs, arg)
			}
		case *Error:
			e.Err = arg
		case error:
			e.Err = arg
		case nil:
		default:
			msgs = append(msgs, fmt.Sprint(arg))
		}
	}
	if !hasKind {
		if inner, ok := e.Err.(*Error); ok {
			e.Kind = inner.Kind
		}
	}
	for i, m := range msgs {
		if i > 0 {
			e.Message += " "
		}
		e.Message += m
	}
	return e
}

// Error implements error.
func (e *Error) Error() string {
	var b bytes.Buffer
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Retryable tells whether the next pipeline cycle resumes from this failure
// on its own. Resolution failures are not: the sample sheet has to be fixed.
func (e *Error) Retryable() bool {
	return e.Kind != Resolve
}

// KindOf returns the kind of the outermost *Error in err's chain, or Other.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Other
}

// Is reports whether err is classified as kind.
func Is(kind Kind, err error) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err will be retried by the next cycle. Errors not
// built by E are considered retryable, except invalid-argument errors from
// grailbio/base/errors, which describe bad input that will not fix itself.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	for e := err; e != nil; {
		if fe, ok := e.(*Error); ok {
			return fe.Retryable()
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return !errors.Is(errors.Invalid, err)
}
