package handler

import (
	"time"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

type txView struct {
	TxHash      string    `json:"tx_hash"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func newTxView(ref domain.TxRef) txView {
	return txView{TxHash: string(ref.Hash), SubmittedAt: ref.SubmittedAt}
}

type claimView struct {
	ID          uint64    `json:"id"`
	Requester   string    `json:"requester"`
	Locator     string    `json:"metadata_locator"`
	Deposit     string    `json:"deposit"`
	SubmittedAt time.Time `json:"submitted_at"`
	Status      string    `json:"status"`
	TokenID     *uint64   `json:"token_id,omitempty"`
}

func newClaimView(c domain.Claim) claimView {
	return claimView{
		ID:          c.ID,
		Requester:   c.Requester.String(),
		Locator:     string(c.MetadataLocator),
		Deposit:     domain.FormatEther(c.Deposit),
		SubmittedAt: c.SubmittedAt,
		Status:      c.Status.String(),
		TokenID:     c.TokenID,
	}
}

type listingView struct {
	MinBid string    `json:"min_bid"`
	EndsAt time.Time `json:"ends_at"`
}

type bidView struct {
	Index  uint64 `json:"index"`
	Bidder string `json:"bidder"`
	Amount string `json:"amount"`
	Active bool   `json:"active"`
}

func newBidViews(bids []domain.Bid) []bidView {
	out := make([]bidView, 0, len(bids))
	for _, b := range bids {
		out = append(out, bidView{
			Index:  b.Index,
			Bidder: b.Bidder.String(),
			Amount: domain.FormatEther(b.Amount),
			Active: b.Active,
		})
	}
	return out
}

type assetView struct {
	TokenID       uint64           `json:"token_id"`
	Owner         string           `json:"owner"`
	Locator       string           `json:"metadata_locator"`
	RegisteredAt  time.Time        `json:"registered_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	OriginClaimID uint64           `json:"origin_claim_id"`
	ProvenanceTx  string           `json:"provenance_tx,omitempty"`
	ExpiryEnacted bool             `json:"expiry_enacted"`
	Listing       *listingView     `json:"listing,omitempty"`
	Metadata      *domain.Metadata `json:"metadata,omitempty"`
	Bids          []bidView        `json:"bids,omitempty"`
	Sequence      uint64           `json:"sequence,omitempty"`
	RefreshedAt   *time.Time       `json:"refreshed_at,omitempty"`
}

func newAssetView(a domain.Asset) assetView {
	v := assetView{
		TokenID:       a.TokenID,
		Owner:         a.Owner.String(),
		Locator:       string(a.MetadataLocator),
		RegisteredAt:  a.RegisteredAt,
		ExpiresAt:     a.ExpiresAt,
		OriginClaimID: a.OriginClaimID,
		ProvenanceTx:  string(a.ProvenanceTx),
		ExpiryEnacted: a.Expired,
		Metadata:      a.Metadata,
	}
	if l, ok := a.ActiveListing(); ok {
		v.Listing = &listingView{MinBid: domain.FormatEther(l.MinBid), EndsAt: l.EndsAt}
	}
	return v
}

func newSnapshotView(s domain.AssetSnapshot) assetView {
	v := newAssetView(s.Asset)
	v.Bids = newBidViews(s.ActiveBids())
	v.Sequence = s.Sequence
	refreshed := s.RefreshedAt
	v.RefreshedAt = &refreshed
	return v
}
