package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by the core wraps exactly one of these.
var (
	ErrValidation          = errors.New("validation error")
	ErrAuthorization       = errors.New("authorization error")
	ErrStateConflict       = errors.New("state conflict")
	ErrExternalUnavailable = errors.New("external service unavailable")
	ErrLedgerRejected      = errors.New("ledger rejected transaction")
	ErrUnknownOutcome      = errors.New("transaction outcome unknown")
	ErrNotFound            = errors.New("not found")
)

var (
	ErrNegativeDuration = kindError(ErrValidation, "duration must be positive")

	ErrNotOwner     = kindError(ErrAuthorization, "caller is not the owner")
	ErrNotAuthority = kindError(ErrAuthorization, "caller is not a verification authority")

	ErrAlreadyResolved     = kindError(ErrStateConflict, "claim already resolved")
	ErrAlreadyListed       = kindError(ErrStateConflict, "asset already listed")
	ErrNoActiveListing     = kindError(ErrStateConflict, "no active listing")
	ErrBidNotActive        = kindError(ErrStateConflict, "bid not active")
	ErrAssetExpired        = kindError(ErrStateConflict, "asset expired")
	ErrListingExpired      = kindError(ErrStateConflict, "listing expired")
	ErrBidTooLow           = kindError(ErrStateConflict, "bid below minimum")
	ErrOperationInProgress = kindError(ErrStateConflict, "operation in progress")

	ErrStoreUnavailable  = kindError(ErrExternalUnavailable, "content store unavailable")
	ErrLedgerUnavailable = kindError(ErrExternalUnavailable, "ledger unavailable")

	// ErrStaleSnapshot is returned by projection stores when a write carries
	// a lower ledger sequence than the entry already stored.
	ErrStaleSnapshot = errors.New("snapshot older than stored entry")

	ErrLockHeld = errors.New("lock already held")
)

type leafError struct {
	msg  string
	kind error
}

func (e *leafError) Error() string { return e.msg }
func (e *leafError) Unwrap() error { return e.kind }

func kindError(kind error, msg string) error {
	return &leafError{msg: msg, kind: kind}
}

// Invalid builds a validation error with a formatted message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// RejectedError reports a transaction the ledger reverted.
type RejectedError struct {
	Ref    TxRef
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("ledger rejected transaction %s", e.Ref.Hash)
	}
	return fmt.Sprintf("ledger rejected transaction %s: %s", e.Ref.Hash, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrLedgerRejected }

// UnknownOutcomeError reports a submitted transaction whose final status was
// not observed before the wait timed out. The outcome is reconciled later.
type UnknownOutcomeError struct {
	Ref TxRef
}

func (e *UnknownOutcomeError) Error() string {
	return fmt.Sprintf("transaction %s outcome unknown, reconcile before retrying", e.Ref.Hash)
}

func (e *UnknownOutcomeError) Unwrap() error { return ErrUnknownOutcome }

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotFound, "NotFound"},
	{ErrValidation, "ValidationError"},
	{ErrAuthorization, "AuthorizationError"},
	{ErrStateConflict, "StateConflictError"},
	{ErrExternalUnavailable, "ExternalUnavailable"},
	{ErrLedgerRejected, "LedgerRejected"},
	{ErrUnknownOutcome, "Unknown"},
}

// KindOf names the error kind of err, or "Internal" when err carries none.
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// Code names the most specific known error in err's chain, e.g. "NotOwner".
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.name
		}
	}
	return KindOf(err)
}

var codes = []struct {
	err  error
	name string
}{
	{ErrNegativeDuration, "NegativeDuration"},
	{ErrNotOwner, "NotOwner"},
	{ErrNotAuthority, "NotAuthority"},
	{ErrAlreadyResolved, "AlreadyResolved"},
	{ErrAlreadyListed, "AlreadyListed"},
	{ErrNoActiveListing, "NoActiveListing"},
	{ErrBidNotActive, "BidNotActive"},
	{ErrAssetExpired, "AssetExpired"},
	{ErrListingExpired, "ListingExpired"},
	{ErrBidTooLow, "BidTooLow"},
	{ErrOperationInProgress, "OperationInProgress"},
	{ErrStoreUnavailable, "StoreUnavailable"},
	{ErrLedgerUnavailable, "LedgerUnavailable"},
}
