package domain

import "time"

// Bus channels for change events.
const (
	ChannelAssets = "ipm:events:assets"
	ChannelClaims = "ipm:events:claims"
)

// EventType names a committed (or unresolved) change.
type EventType string

const (
	EventClaimSubmitted  EventType = "claim_submitted"
	EventClaimResolved   EventType = "claim_resolved"
	EventAssetListed     EventType = "asset_listed"
	EventListingCanceled EventType = "listing_canceled"
	EventBidPlaced       EventType = "bid_placed"
	EventBidWithdrawn    EventType = "bid_withdrawn"
	EventAssetSold       EventType = "asset_sold"
	EventAssetExtended   EventType = "asset_extended"
	EventAssetExpired    EventType = "asset_expired"
	EventTxUnknown       EventType = "tx_unknown"
	EventTxReconciled    EventType = "tx_reconciled"
)

// Event is published on the signal bus after a ledger outcome is observed.
type Event struct {
	Type     EventType      `json:"type"`
	TokenID  uint64         `json:"token_id,omitempty"`
	ClaimID  uint64         `json:"claim_id,omitempty"`
	Actor    Identity       `json:"actor,omitempty"`
	TxHash   TxHash         `json:"tx_hash,omitempty"`
	Sequence uint64         `json:"sequence,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
	At       time.Time      `json:"at"`
}
