// Package model holds the domain types shared by the avatar pipeline, the
// metadata store and the reconciliation sweep, together with the error
// taxonomy every operation reports through.
//
// # Error Kinds
//
// Operations return *Error values whose Kind is one of the sentinel errors
// below. Callers branch with errors.Is:
//
//	if errors.Is(err, model.ErrRateLimited) {
//		httputil.WriteTooManyRequests(w, "try again later")
//	}
//
// Validation and authorization kinds (ErrInvalidAsset, ErrRateLimited,
// ErrUnauthorized) are raised before any side effect. Storage and metadata
// kinds abort the current operation; an orphaned object may be left behind,
// never a metadata row pointing at an object that was not written.
package model
