package materializer

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrMalformedInput means the document is not JSON-compatible or has
	// no object to materialize.
	ErrMalformedInput = errors.New("malformed input")

	// ErrAmbiguousIdentity means no stable key could be derived for an object.
	ErrAmbiguousIdentity = errors.New("ambiguous identity")

	// ErrWriteConflict means the store rejected a write because of a
	// concurrent write to the same identity.
	ErrWriteConflict = errors.New("write conflict")
)

// Error reports a failure with enough context to locate the offending input.
type Error struct {
	// Kind is one of ErrMalformedInput, ErrAmbiguousIdentity, ErrWriteConflict.
	Kind error

	// DocumentID identifies the document (file path, line, or caller-supplied id).
	DocumentID string

	// Path is the JSON path of the failing value, e.g. $.address[2].
	Path string

	// Identity is the node or relationship being written, for write failures.
	Identity string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.DocumentID != "" {
		fmt.Fprintf(&b, " in document %q", e.DocumentID)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " at %s", e.Path)
	}
	if e.Identity != "" {
		fmt.Fprintf(&b, " (identity %s)", e.Identity)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func malformed(docID, path string, format string, args ...any) *Error {
	return &Error{
		Kind:       ErrMalformedInput,
		DocumentID: docID,
		Path:       path,
		Err:        fmt.Errorf(format, args...),
	}
}

func ambiguous(docID, path string, format string, args ...any) *Error {
	return &Error{
		Kind:       ErrAmbiguousIdentity,
		DocumentID: docID,
		Path:       path,
		Err:        fmt.Errorf(format, args...),
	}
}
