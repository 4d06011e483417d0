package model

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrInvalidAsset means the payload could not be decoded as an image
	ErrInvalidAsset = errors.New("invalid asset")
	// ErrRateLimited means the user exceeded the upload allowance for the window
	ErrRateLimited = errors.New("rate limited")
	// ErrStorageWriteFailed means a write against the object store failed
	ErrStorageWriteFailed = errors.New("storage write failed")
	// ErrStorageReadFailed means a read or listing against the object store failed
	ErrStorageReadFailed = errors.New("storage read failed")
	// ErrMetadataTransactionFailed means the metadata transaction was rolled back
	ErrMetadataTransactionFailed = errors.New("metadata transaction failed")
	// ErrUnauthorized means password re-verification failed
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPartialPurgeFailure means an object delete during retention enforcement failed
	ErrPartialPurgeFailure = errors.New("partial purge failure")
	// ErrNotFound means the referenced user does not exist
	ErrNotFound = errors.New("not found")
	// ErrUnresolvedReferences means stored references could not be decoded into object keys
	ErrUnresolvedReferences = errors.New("unresolved asset references")
)

// Error attaches an operation name and an underlying cause to an error kind
type Error struct {
	Kind error
	Op   string
	Err  error
}

// E builds an *Error. A nil cause yields an error that only carries the kind.
func E(op string, kind error, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the first known kind in err's chain, or nil
func KindOf(err error) error {
	for _, kind := range []error{
		ErrInvalidAsset,
		ErrRateLimited,
		ErrStorageWriteFailed,
		ErrStorageReadFailed,
		ErrMetadataTransactionFailed,
		ErrUnauthorized,
		ErrPartialPurgeFailure,
		ErrNotFound,
		ErrUnresolvedReferences,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
