package domain

import (
	"slices"
	"time"
)

// AssetSnapshot is the projection entry for one token: the asset, its bids
// and the ledger sequence the values were read at.
type AssetSnapshot struct {
	Asset       Asset
	Bids        []Bid
	Sequence    uint64
	RefreshedAt time.Time
}

// Fresh reports whether the snapshot may be served at now under bound.
func (s AssetSnapshot) Fresh(now time.Time, bound time.Duration) bool {
	return now.Sub(s.RefreshedAt) <= bound
}

// ActiveBids returns the active bids in ascending index order.
func (s AssetSnapshot) ActiveBids() []Bid {
	out := make([]Bid, 0, len(s.Bids))
	for _, b := range s.Bids {
		if b.Active {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b Bid) int {
		switch {
		case a.Index < b.Index:
			return -1
		case a.Index > b.Index:
			return 1
		}
		return 0
	})
	return out
}

// Bid looks up a bid by its ledger index.
func (s AssetSnapshot) Bid(index uint64) (Bid, bool) {
	for _, b := range s.Bids {
		if b.Index == index {
			return b, true
		}
	}
	return Bid{}, false
}

// ClaimSnapshot is the projection entry for one claim.
type ClaimSnapshot struct {
	Claim       Claim
	Sequence    uint64
	RefreshedAt time.Time
}

// Fresh reports whether the snapshot may be served at now under bound.
func (s ClaimSnapshot) Fresh(now time.Time, bound time.Duration) bool {
	return now.Sub(s.RefreshedAt) <= bound
}
