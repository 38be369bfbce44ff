package domain

import (
	"math/big"
	"time"
)

// ClaimStatus is the verification state of a claim. Values match the ledger's
// encoding.
type ClaimStatus uint8

const (
	ClaimPending ClaimStatus = iota
	ClaimApproved
	ClaimRejected
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimPending:
		return "pending"
	case ClaimApproved:
		return "approved"
	case ClaimRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status can no longer change.
func (s ClaimStatus) Terminal() bool {
	return s == ClaimApproved || s == ClaimRejected
}

// Locator references content held by the content store.
type Locator string

// Claim is a pending assertion of ownership over an asset not yet tokenized.
type Claim struct {
	ID              uint64
	Requester       Identity
	MetadataLocator Locator
	Deposit         *big.Int
	SubmittedAt     time.Time
	Status          ClaimStatus
	// TokenID is set once the claim is approved and its token minted.
	TokenID *uint64
}
