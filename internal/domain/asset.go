package domain

import (
	"math/big"
	"strings"
	"time"
)

// SaleState is the marketplace state of an asset at an instant.
type SaleState string

const (
	SaleUnlisted SaleState = "unlisted"
	SaleListed   SaleState = "listed"
	SaleExpired  SaleState = "expired"
)

// SaleListing is the optional offer-to-sell attached to an asset.
type SaleListing struct {
	MinBid *big.Int
	EndsAt time.Time
	Active bool
}

// Elapsed reports whether the listing's end time has passed.
func (l SaleListing) Elapsed(now time.Time) bool {
	return !now.Before(l.EndsAt)
}

// Bid is a stake placed against a listing. Index is assigned by the ledger
// and never reused for the token.
type Bid struct {
	Index  uint64
	Bidder Identity
	Amount *big.Int
	Active bool
}

// Metadata is the descriptive document stored in the content store for a
// claim and its resulting asset.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Inventor    string `json:"inventor,omitempty"`
	Date        string `json:"date,omitempty"`
	Creator     string `json:"creator,omitempty"`
}

// Matches reports whether query occurs, case-insensitively, in the title,
// description or category.
func (m Metadata) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	for _, field := range []string{m.Title, m.Description, m.Category} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// Asset is a minted token representing confirmed IP ownership.
type Asset struct {
	TokenID         uint64
	Owner           Identity
	MetadataLocator Locator
	RegisteredAt    time.Time
	ExpiresAt       time.Time
	OriginClaimID   uint64
	ProvenanceTx    TxHash
	// Expired is set once expiry has been enacted on the ledger.
	Expired bool
	Listing *SaleListing
	// Metadata is the decoded metadata document, when it could be fetched.
	Metadata *Metadata
}

// IsExpired reports whether the registration term has lapsed at now.
func (a Asset) IsExpired(now time.Time) bool {
	return a.Expired || !now.Before(a.ExpiresAt)
}

// ActiveListing returns the listing if one is active.
func (a Asset) ActiveListing() (SaleListing, bool) {
	if a.Listing == nil || !a.Listing.Active {
		return SaleListing{}, false
	}
	return *a.Listing, true
}

// SaleState derives the marketplace state at now.
func (a Asset) SaleState(now time.Time) SaleState {
	if a.IsExpired(now) {
		return SaleExpired
	}
	if _, ok := a.ActiveListing(); ok {
		return SaleListed
	}
	return SaleUnlisted
}
