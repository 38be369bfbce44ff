package domain

import (
	"math/big"
	"time"
)

// TxHash identifies a submitted ledger transaction.
type TxHash string

// TxRef is returned to callers of state-changing operations.
type TxRef struct {
	Hash        TxHash
	SubmittedAt time.Time
}

// TxStatus is the final (or not yet known) status of a transaction.
type TxStatus string

const (
	TxCommitted TxStatus = "committed"
	TxReverted  TxStatus = "reverted"
	TxUnknown   TxStatus = "unknown"
)

// TxOutcome is the unit of truth for a submission.
type TxOutcome struct {
	Ref    TxRef
	Status TxStatus
	// Sequence is the ledger height the transaction was included at. Zero
	// while the outcome is unknown.
	Sequence uint64
	Reason   string
	// ClaimID and TokenID are decoded from events emitted by the call.
	ClaimID *uint64
	TokenID *uint64
}

// CallKind names a state-changing ledger call.
type CallKind string

const (
	CallRequestOwnership CallKind = "requestIPOwnership"
	CallVerifyRequest    CallKind = "verifyIPRequest"
	CallListForSale      CallKind = "listForSale"
	CallCancelListing    CallKind = "cancelListing"
	CallPlaceBid         CallKind = "placeBid"
	CallWithdrawBid      CallKind = "withdrawBid"
	CallAcceptBid        CallKind = "acceptBid"
	CallExtendDuration   CallKind = "extendIPDuration"
	CallCheckExpiry      CallKind = "checkIPExpiry"
	CallRegisterPatent   CallKind = "registerPatent"
)

// Repeatable reports whether submitting the same call twice applies it
// twice. The ledger itself refuses a repeat of the other kinds.
func (k CallKind) Repeatable() bool {
	switch k {
	case CallRequestOwnership, CallPlaceBid, CallExtendDuration:
		return true
	}
	return false
}

// Call is a typed state-changing request to the ledger. Only the fields
// relevant to Kind are set; use the constructors below.
type Call struct {
	Kind   CallKind
	Caller Identity
	// Value is the native amount attached to the call, nil for none.
	Value *big.Int

	ClaimID  uint64
	TokenID  uint64
	BidIndex uint64
	Locator  Locator
	Approve  bool
	MinBid   *big.Int
	EndsAt   time.Time
	Seconds  uint64

	// Provenance is the registering transaction recorded by registerPatent.
	Provenance TxHash
}

func RequestOwnershipCall(caller Identity, locator Locator, deposit *big.Int) Call {
	return Call{Kind: CallRequestOwnership, Caller: caller, Locator: locator, Value: deposit}
}

func VerifyRequestCall(authority Identity, claimID uint64, approve bool) Call {
	return Call{Kind: CallVerifyRequest, Caller: authority, ClaimID: claimID, Approve: approve}
}

func ListForSaleCall(owner Identity, tokenID uint64, minBid *big.Int, endsAt time.Time) Call {
	return Call{Kind: CallListForSale, Caller: owner, TokenID: tokenID, MinBid: minBid, EndsAt: endsAt}
}

func CancelListingCall(owner Identity, tokenID uint64) Call {
	return Call{Kind: CallCancelListing, Caller: owner, TokenID: tokenID}
}

func PlaceBidCall(bidder Identity, tokenID uint64, amount *big.Int) Call {
	return Call{Kind: CallPlaceBid, Caller: bidder, TokenID: tokenID, Value: amount}
}

func WithdrawBidCall(bidder Identity, tokenID, index uint64) Call {
	return Call{Kind: CallWithdrawBid, Caller: bidder, TokenID: tokenID, BidIndex: index}
}

func AcceptBidCall(owner Identity, tokenID, index uint64) Call {
	return Call{Kind: CallAcceptBid, Caller: owner, TokenID: tokenID, BidIndex: index}
}

func ExtendDurationCall(owner Identity, tokenID uint64, seconds uint64, payment *big.Int) Call {
	return Call{Kind: CallExtendDuration, Caller: owner, TokenID: tokenID, Seconds: seconds, Value: payment}
}

func CheckExpiryCall(caller Identity, tokenID uint64) Call {
	return Call{Kind: CallCheckExpiry, Caller: caller, TokenID: tokenID}
}

// RegisterPatentCall records mintTx as the provenance of tokenID on the
// ledger. A contract cannot read its own transaction hash, so the minting
// hash is written back in a second transaction.
func RegisterPatentCall(caller Identity, tokenID uint64, mintTx TxHash) Call {
	return Call{Kind: CallRegisterPatent, Caller: caller, TokenID: tokenID, Provenance: mintTx}
}

// PendingTx is a journaled submission whose outcome was not observed.
type PendingTx struct {
	Hash        TxHash
	Kind        CallKind
	Caller      Identity
	TokenID     uint64
	ClaimID     uint64
	SubmittedAt time.Time
}
