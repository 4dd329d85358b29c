package safe

import (
	"errors"
	"fmt"
)

// ErrorKind is the repository-wide error taxonomy. Kinds that surface in
// client responses travel on the wire verbatim.
type ErrorKind uint8

const (
	// KindTransportFailure marks a failed send to a specific peer.
	KindTransportFailure ErrorKind = iota + 1
	// KindNotEnoughSpace marks a chunk store write over capacity.
	KindNotEnoughSpace
	// KindNotFound marks an address absent from a store or registry.
	KindNotFound
	// KindDataExists marks a write of an address already present.
	KindDataExists
	// KindInvalidSignature marks a failed client or peer signature check.
	KindInvalidSignature
	// KindUnknownSectionKey marks a chain that cannot be joined to ours.
	KindUnknownSectionKey
	// KindSectionBusy marks DKG or split in progress; callers back off.
	KindSectionBusy
	// KindInsufficientStorage marks a write that could not reach R holders.
	KindInsufficientStorage
	// KindInvalidState marks an operation that would violate a local
	// invariant; it is refused and logged loudly.
	KindInvalidState
	// KindAccessDenied marks a request lacking the required ownership proof.
	KindAccessDenied
	// KindTooLarge marks a chunk over MaxChunkSize.
	KindTooLarge
	// KindUnsupportedVersion marks a wire message with the wrong version.
	KindUnsupportedVersion
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransportFailure:
		return "TransportFailure"
	case KindNotEnoughSpace:
		return "NotEnoughSpace"
	case KindNotFound:
		return "NotFound"
	case KindDataExists:
		return "DataExists"
	case KindInvalidSignature:
		return "InvalidSignature"
	case KindUnknownSectionKey:
		return "UnknownSectionKey"
	case KindSectionBusy:
		return "SectionBusy"
	case KindInsufficientStorage:
		return "InsufficientStorage"
	case KindInvalidState:
		return "InvalidState"
	case KindAccessDenied:
		return "AccessDenied"
	case KindTooLarge:
		return "TooLarge"
	case KindUnsupportedVersion:
		return "UnsupportedVersion"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Error is the single error type crossing package boundaries. Two Errors
// match under errors.Is iff they carry the same kind, so sentinels below
// can be used as targets regardless of the message.
type Error struct {
	Kind ErrorKind
	msg  string
	err  error
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error of the given kind wrapping a cause.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

func (e *Error) Error() string {
	if e.msg == "" {
		if e.err != nil {
			return fmt.Sprintf("%s: %s", e.Kind, e.err)
		}
		return e.Kind.String()
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// Sentinels usable as errors.Is targets.
var (
	ErrTransportFailure    = &Error{Kind: KindTransportFailure}
	ErrNotEnoughSpace      = &Error{Kind: KindNotEnoughSpace}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrDataExists          = &Error{Kind: KindDataExists}
	ErrInvalidSignature    = &Error{Kind: KindInvalidSignature}
	ErrUnknownSectionKey   = &Error{Kind: KindUnknownSectionKey}
	ErrSectionBusy         = &Error{Kind: KindSectionBusy}
	ErrInsufficientStorage = &Error{Kind: KindInsufficientStorage}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrAccessDenied        = &Error{Kind: KindAccessDenied}
	ErrTooLarge            = &Error{Kind: KindTooLarge}
	ErrUnsupportedVersion  = &Error{Kind: KindUnsupportedVersion}
)

// KindOf extracts the taxonomy kind of err, or 0 if err is not an Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
