package media

import (
	"errors"
	"fmt"
)

// Kind classifies upload and processing failures so callers can decide
// between retrying, re-signing, and surfacing a terminal error.
type Kind string

const (
	// KindValidation marks bad input. Never retried.
	KindValidation Kind = "validation"
	// KindAuthorization marks missing or insufficient credentials.
	KindAuthorization Kind = "authorization"
	// KindNotFound marks a missing lesson, session, or asset.
	KindNotFound Kind = "not_found"
	// KindTransientTransport marks a network-level failure worth retrying
	// with backoff.
	KindTransientTransport Kind = "transient_transport"
	// KindBackendRejected marks a storage-backend refusal such as an
	// expired pre-signed URL. The remedy is a fresh signature, not an abort.
	KindBackendRejected Kind = "backend_rejected"
	// KindStateConflict marks an operation attempted against an asset in an
	// incompatible lifecycle state. Rejected, never retried.
	KindStateConflict Kind = "state_conflict"
	// KindProcessingFailed carries the external processor's terminal error.
	KindProcessingFailed Kind = "processing_failed"
	// KindUploadFailed is the engine's terminal outcome once the per-part
	// retry budget is exhausted.
	KindUploadFailed Kind = "upload_failed"
	// KindTimeout is reported by the status tracker when its polling ceiling
	// is reached. It is terminal for the tracking call only; the asset is
	// left untouched server-side.
	KindTimeout Kind = "timeout"
)

// Error attaches a Kind to an underlying failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error from a message.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an existing error without discarding its chain.
func WrapError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the classification from an error chain. Unclassified
// errors report an empty Kind.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return ""
}

// IsKind reports whether the error chain carries the given classification.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
