package backup

import (
	"errors"
	"fmt"
)

// ErrorKind is the category of a store error.
//
// Callers switch on the kind (or use errors.Is with the sentinel values
// below) instead of matching message text.
type ErrorKind int

const (
	// KindStructuralCorruption: bad header, truncated record, bad checksum.
	KindStructuralCorruption ErrorKind = iota + 1

	// KindReferentialInconsistency: dangling dependency, duplicate ID, wrong
	// container, unknown diff base.
	KindReferentialInconsistency

	// KindProtocolViolation: command in the wrong phase, write without the
	// write lock, malformed filename.
	KindProtocolViolation

	// KindCapacityExceeded: the account hard limit would be exceeded.
	KindCapacityExceeded

	// KindFatalIO: the account or the underlying storage is unavailable.
	KindFatalIO

	// KindNotFound: the object or entry does not exist.
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindStructuralCorruption:
		return "StructuralCorruption"
	case KindReferentialInconsistency:
		return "ReferentialInconsistency"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindCapacityExceeded:
		return "CapacityExceeded"
	case KindFatalIO:
		return "FatalIO"
	case KindNotFound:
		return "NotFound"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// StoreError is the typed error returned by the directory model, the store
// adapter, the checker and the session context.
type StoreError struct {
	// Kind is the error category
	Kind ErrorKind

	// Op names the operation that failed (e.g. "AddFile")
	Op string

	// ObjectID is the object concerned, 0 if none
	ObjectID int64

	// Message is a human-readable description
	Message string

	// Err is the underlying cause, if any
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ObjectID != 0 {
		msg += fmt.Sprintf(" (object %s)", FormatObjectID(e.ObjectID))
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a StoreError of the same kind. A target with
// an empty Op and zero ObjectID matches on kind alone, which is how the
// sentinel values below are compared.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return (t.Op == "" || t.Op == e.Op) && (t.ObjectID == 0 || t.ObjectID == e.ObjectID)
}

var (
	ErrCorrupt      = &StoreError{Kind: KindStructuralCorruption}
	ErrInconsistent = &StoreError{Kind: KindReferentialInconsistency}
	ErrProtocol     = &StoreError{Kind: KindProtocolViolation}
	ErrHardLimit    = &StoreError{Kind: KindCapacityExceeded}
	ErrFatalIO      = &StoreError{Kind: KindFatalIO}
	ErrNotFound     = &StoreError{Kind: KindNotFound}
)

// Causes wrapped inside protocol violations, for callers that need to tell
// them apart.
var (
	ErrWrongPhase   = errors.New("command not valid in the current session phase")
	ErrReadOnly     = errors.New("session does not hold the write lock")
	ErrBadFilename  = errors.New("malformed filename")
	ErrNameConflict = errors.New("destination already has a live entry with this name")
)

// NewError builds a StoreError with a formatted message.
func NewError(kind ErrorKind, op string, objectID int64, format string, args ...any) *StoreError {
	return &StoreError{
		Kind:     kind,
		Op:       op,
		ObjectID: objectID,
		Message:  fmt.Sprintf(format, args...),
	}
}

// WrapError wraps err in a StoreError of the given kind. A nil err yields nil.
func WrapError(kind ErrorKind, op string, objectID int64, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Kind: kind, Op: op, ObjectID: objectID, Err: err}
}

// KindOf returns the kind of the first StoreError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// FormatObjectID renders an object ID the way it appears in logs and in the
// check report.
func FormatObjectID(id int64) string {
	return fmt.Sprintf("0x%x", id)
}
