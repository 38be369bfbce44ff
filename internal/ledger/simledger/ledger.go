// Package simledger is an in-process ledger that enforces the IP registry
// contract rules. It backs the simulated operating mode and the test suites.
//
// Every submission, committed or reverted, is included in its own block, so
// the sequence advances by one per call.
package simledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/ipmarket/internal/clock"
	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// Revert reasons reported in TxOutcome.Reason.
const (
	ReasonInsufficientDeposit = "insufficient deposit"
	ReasonEmptyMetadata       = "metadata uri required"
	ReasonNotVerifier         = "caller is not a verifier"
	ReasonNoSuchRequest       = "request does not exist"
	ReasonAlreadyProcessed    = "request already processed"
	ReasonNoSuchToken         = "token does not exist"
	ReasonNotOwner            = "caller is not the owner"
	ReasonExpired             = "ip has expired"
	ReasonAlreadyListed       = "already listed"
	ReasonInvalidListing      = "invalid listing parameters"
	ReasonNotForSale          = "not for sale"
	ReasonSaleEnded           = "sale has ended"
	ReasonBidTooLow           = "bid below minimum"
	ReasonOwnerBid            = "owner cannot bid"
	ReasonBidNotActive        = "bid not active"
	ReasonNotBidder           = "caller is not the bidder"
	ReasonInvalidDuration     = "invalid duration"
	ReasonInsufficientPayment = "insufficient payment"
	ReasonNotExpired          = "ip has not expired"
	ReasonUnknownCall         = "unknown call"
	ReasonProvenanceRecorded  = "provenance already recorded"
	ReasonNoProvenance        = "transaction hash required"
)

// DefaultTerm is the registration term granted at mint.
const DefaultTerm = 365 * 24 * time.Hour

// Options configures a Ledger.
type Options struct {
	Clock       clock.Clock
	Authorities []domain.Identity
	// MinDeposit is the smallest deposit accepted with an ownership request.
	MinDeposit *big.Int
	// Term is the registration term granted at mint. Zero means DefaultTerm.
	Term time.Duration
	// ExtensionFeePerDay is charged per started day of extension.
	ExtensionFeePerDay *big.Int
}

type token struct {
	asset domain.Asset
	bids  []domain.Bid
}

type state struct {
	seq     uint64
	claims  []domain.Claim
	tokens  []*token
	balance *big.Int
}

func (s *state) clone() *state {
	out := &state{
		seq:     s.seq,
		claims:  make([]domain.Claim, len(s.claims)),
		tokens:  make([]*token, len(s.tokens)),
		balance: new(big.Int).Set(s.balance),
	}
	for i, c := range s.claims {
		out.claims[i] = cloneClaim(c)
	}
	for i, t := range s.tokens {
		out.tokens[i] = &token{asset: cloneAsset(t.asset), bids: cloneBids(t.bids)}
	}
	return out
}

// Ledger is an in-memory implementation of domain.Ledger.
type Ledger struct {
	mu       sync.Mutex
	opts     Options
	st       *state
	outcomes map[domain.TxHash]domain.TxOutcome
	calls    []domain.Call
	nonce    uint64

	withhold    int
	unavailable bool
}

// New creates an empty ledger at sequence zero.
func New(opts Options) *Ledger {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Term <= 0 {
		opts.Term = DefaultTerm
	}
	if opts.MinDeposit == nil {
		opts.MinDeposit = new(big.Int)
	}
	if opts.ExtensionFeePerDay == nil {
		opts.ExtensionFeePerDay = new(big.Int)
	}
	return &Ledger{
		opts:     opts,
		st:       &state{balance: new(big.Int)},
		outcomes: make(map[domain.TxHash]domain.TxOutcome),
	}
}

// WithholdOutcomes makes the next n submissions execute normally but report
// an unknown outcome, as if the wait for inclusion timed out.
func (l *Ledger) WithholdOutcomes(n int) {
	l.mu.Lock()
	l.withhold = n
	l.mu.Unlock()
}

// SetAvailable toggles whether the ledger answers at all.
func (l *Ledger) SetAvailable(ok bool) {
	l.mu.Lock()
	l.unavailable = !ok
	l.mu.Unlock()
}

// Calls returns every call submitted so far, in order.
func (l *Ledger) Calls() []domain.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

// Submit applies call atomically: either every effect is applied or, on
// revert, none is.
func (l *Ledger) Submit(ctx context.Context, call domain.Call) (domain.TxOutcome, error) {
	if err := ctx.Err(); err != nil {
		return domain.TxOutcome{}, err
	}
	if call.Caller.IsZero() {
		return domain.TxOutcome{}, domain.Invalid("simledger: %s: caller required", call.Kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return domain.TxOutcome{}, fmt.Errorf("simledger: submit %s: %w", call.Kind, domain.ErrLedgerUnavailable)
	}

	l.nonce++
	now := l.opts.Clock.Now()
	l.st.seq++
	out := domain.TxOutcome{
		Ref:      domain.TxRef{Hash: l.hash(call), SubmittedAt: now},
		Sequence: l.st.seq,
		Status:   domain.TxCommitted,
	}
	if reason := l.apply(&out, call, now); reason != "" {
		out.Status = domain.TxReverted
		out.Reason = reason
	}
	l.outcomes[out.Ref.Hash] = out
	l.calls = append(l.calls, call)

	if l.withhold > 0 {
		l.withhold--
		return domain.TxOutcome{Ref: out.Ref, Status: domain.TxUnknown}, nil
	}
	return out, nil
}

// Outcome returns the recorded outcome of a transaction.
func (l *Ledger) Outcome(ctx context.Context, hash domain.TxHash) (domain.TxOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return domain.TxOutcome{}, fmt.Errorf("simledger: outcome %s: %w", hash, domain.ErrLedgerUnavailable)
	}
	out, ok := l.outcomes[hash]
	if !ok {
		return domain.TxOutcome{}, fmt.Errorf("simledger: outcome %s: %w", hash, domain.ErrNotFound)
	}
	return out, nil
}

// LatestSequence returns the height of the last included transaction.
func (l *Ledger) LatestSequence(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return 0, fmt.Errorf("simledger: latest sequence: %w", domain.ErrLedgerUnavailable)
	}
	return l.st.seq, nil
}

// View snapshots the current state.
func (l *Ledger) View(ctx context.Context) (domain.LedgerView, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unavailable {
		return nil, fmt.Errorf("simledger: view: %w", domain.ErrLedgerUnavailable)
	}
	return &view{st: l.st.clone()}, nil
}

func (l *Ledger) hash(call domain.Call) domain.TxHash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], l.nonce)
	return domain.TxHash(crypto.Keccak256Hash(buf[:], []byte(call.Kind), []byte(call.Caller)).Hex())
}

func (l *Ledger) isAuthority(id domain.Identity) bool {
	for _, a := range l.opts.Authorities {
		if a.Equal(id) {
			return true
		}
	}
	return false
}

func (l *Ledger) token(id uint64) (*token, bool) {
	if id == 0 || id > uint64(len(l.st.tokens)) {
		return nil, false
	}
	return l.st.tokens[id-1], true
}

func value(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// apply executes call against the live state. It returns a revert reason,
// and in that case must not have mutated anything.
func (l *Ledger) apply(out *domain.TxOutcome, call domain.Call, now time.Time) string {
	switch call.Kind {
	case domain.CallRequestOwnership:
		return l.requestOwnership(out, call, now)
	case domain.CallVerifyRequest:
		return l.verifyRequest(out, call, now)
	case domain.CallListForSale:
		return l.listForSale(call, now)
	case domain.CallCancelListing:
		return l.cancelListing(call)
	case domain.CallPlaceBid:
		return l.placeBid(call, now)
	case domain.CallWithdrawBid:
		return l.withdrawBid(call)
	case domain.CallAcceptBid:
		return l.acceptBid(call, now)
	case domain.CallExtendDuration:
		return l.extendDuration(call)
	case domain.CallCheckExpiry:
		return l.checkExpiry(call, now)
	case domain.CallRegisterPatent:
		return l.registerPatent(call)
	default:
		return ReasonUnknownCall
	}
}

func (l *Ledger) requestOwnership(out *domain.TxOutcome, call domain.Call, now time.Time) string {
	deposit := value(call.Value)
	if call.Locator == "" {
		return ReasonEmptyMetadata
	}
	if deposit.Cmp(l.opts.MinDeposit) < 0 {
		return ReasonInsufficientDeposit
	}
	id := uint64(len(l.st.claims)) + 1
	l.st.claims = append(l.st.claims, domain.Claim{
		ID:              id,
		Requester:       call.Caller,
		MetadataLocator: call.Locator,
		Deposit:         new(big.Int).Set(deposit),
		SubmittedAt:     now,
		Status:          domain.ClaimPending,
	})
	l.st.balance.Add(l.st.balance, deposit)
	out.ClaimID = &id
	return ""
}

func (l *Ledger) verifyRequest(out *domain.TxOutcome, call domain.Call, now time.Time) string {
	if !l.isAuthority(call.Caller) {
		return ReasonNotVerifier
	}
	if call.ClaimID == 0 || call.ClaimID > uint64(len(l.st.claims)) {
		return ReasonNoSuchRequest
	}
	c := &l.st.claims[call.ClaimID-1]
	if c.Status != domain.ClaimPending {
		return ReasonAlreadyProcessed
	}
	claimID := c.ID
	out.ClaimID = &claimID
	if !call.Approve {
		c.Status = domain.ClaimRejected
		l.st.balance.Sub(l.st.balance, c.Deposit)
		return ""
	}
	tokenID := uint64(len(l.st.tokens)) + 1
	l.st.tokens = append(l.st.tokens, &token{asset: domain.Asset{
		TokenID:         tokenID,
		Owner:           c.Requester,
		MetadataLocator: c.MetadataLocator,
		RegisteredAt:    now,
		ExpiresAt:       now.Add(l.opts.Term),
		OriginClaimID:   c.ID,
	}})
	c.Status = domain.ClaimApproved
	c.TokenID = &tokenID
	out.TokenID = &tokenID
	return ""
}

func (l *Ledger) listForSale(call domain.Call, now time.Time) string {
	t, ok := l.token(call.TokenID)
	if !ok {
		return ReasonNoSuchToken
	}
	if !t.asset.Owner.Equal(call.Caller) {
		return ReasonNotOwner
	}
	if t.asset.IsExpired(now) {
		return ReasonExpired
	}
	if listing, ok := t.asset.ActiveListing(); ok && !listing.Elapsed(now) {
		return ReasonAlreadyListed
	}
	if call.MinBid == nil || call.MinBid.Sign() <= 0 || !call.EndsAt.After(now) {
		return ReasonInvalidListing
	}
	l.closeListing(t)
	t.asset.Listing = &domain.SaleListing{
		MinBid: new(big.Int).Set(call.MinBid),
		EndsAt: call.EndsAt,
		Active: true,
	}
	return ""
}

func (l *Ledger) cancelListing(call domain.Call) string {
	t, ok := l.token(call.TokenID)
	if !ok {
		return ReasonNoSuchToken
	}
	if !t.asset.Owner.Equal(call.Caller) {
		return ReasonNotOwner
	}
	if _, ok := t.asset.ActiveListing(); !ok {
		return ReasonNotForSale
	}
	l.closeListing(t)
	return ""
}

func (l *Ledger) placeBid(call domain.Call, now time.Time) string {
	t, ok := l.token(call.TokenID)
	if !ok {
		return ReasonNoSuchToken
	}
	listing, ok := t.asset.ActiveListing()
	if !ok {
		return ReasonNotForSale
	}
	if t.asset.IsExpired(now) {
		return ReasonExpired
	}
	if listing.Elapsed(now) {
		return ReasonSaleEnded
	}
	if t.asset.Owner.Equal(call.Caller) {
		return ReasonOwnerBid
	}
	amount := value(call.Value)
	if amount.Sign() <= 0 || amount.Cmp(listing.MinBid) < 0 {
		return ReasonBidTooLow
	}
	t.bids = append(t.bids, domain.Bid{
		Index:  uint64(len(t.bids)),
		Bidder: call.Caller,
		Amount: new(big.Int).Set(amount),
		Active: true,
	})
	l.st.balance.Add(l.st.balance, amount)
	return ""
}

func (l *Ledger) withdrawBid(call domain.Call) string {
	t, ok := l.token(call.TokenID)
	if !ok {
		return ReasonNoSuchToken
	}
	if call.BidIndex >= uint64(len(t.bids)) || !t.bids[call.BidIndex].Active {
		return ReasonBidNotActive
	}
	b := &t.bids[call.BidIndex]
	if !b.Bidder.Equal(call.Caller) {
		return ReasonNotBidder
	}
	b.Active = false
	l.st.balance.Sub(l.st.balance, b.Amount)
	return ""
}

func (l *Ledger) acceptBid(call domain.Call, now time.Time) string {
	t, ok := l.token(call.TokenID)
	if !ok {
		return ReasonNoSuchToken
	}
	if !t.asset.Owner.Equal(call.Caller) {
		return ReasonNotOwner
	}
	if t.asset.IsExpired(now) {
		return ReasonExpired
	}
	if _, ok := t.asset.ActiveListing(); !ok {
		return ReasonNotForSale
	}
	if call.BidIndex >= uint64(len(t.bids)) || !t.bids[call.BidIndex].Active {
		return ReasonBidNotActive
	}
	won := &t.bids[call.BidIndex]
	won.Active = false
	// The winning amount leaves escrow to the seller.
	l.st.balance.Sub(l.st.balance, won.Amount)
	t.asset.Owner = won.Bidder
	l.closeListing(t)
	return ""
}

func (l *Ledger) extendDuration(call domain.Call) string {
	t, ok := l.token(call.TokenID)
	if !ok {
		return ReasonNoSuchToken
	}
	if !t.asset.Owner.Equal(call.Caller) {
		return ReasonNotOwner
	}
	if t.asset.Expired {
		return ReasonExpired
	}
	if call.Seconds == 0 || call.Seconds > math.MaxInt64/uint64(time.Second) {
		return ReasonInvalidDuration
	}
	days := (call.Seconds + 86399) / 86400
	fee := new(big.Int).Mul(l.opts.ExtensionFeePerDay, new(big.Int).SetUint64(days))
	if value(call.Value).Cmp(fee) < 0 {
		return ReasonInsufficientPayment
	}
	expires := t.asset.ExpiresAt.Add(time.Duration(call.Seconds) * time.Second)
	if !expires.After(t.asset.ExpiresAt) {
		return ReasonInvalidDuration
	}
	t.asset.ExpiresAt = expires
	return ""
}

// registerPatent writes the minting transaction hash onto the token. The
// owner or a verifier may record it, once.
func (l *Ledger) registerPatent(call domain.Call) string {
	t, ok := l.token(call.TokenID)
	if !ok {
		return ReasonNoSuchToken
	}
	if !t.asset.Owner.Equal(call.Caller) && !l.isAuthority(call.Caller) {
		return ReasonNotOwner
	}
	if call.Provenance == "" {
		return ReasonNoProvenance
	}
	if t.asset.ProvenanceTx != "" {
		return ReasonProvenanceRecorded
	}
	t.asset.ProvenanceTx = call.Provenance
	return ""
}

func (l *Ledger) checkExpiry(call domain.Call, now time.Time) string {
	t, ok := l.token(call.TokenID)
	if !ok {
		return ReasonNoSuchToken
	}
	if t.asset.Expired {
		return ReasonExpired
	}
	if now.Before(t.asset.ExpiresAt) {
		return ReasonNotExpired
	}
	t.asset.Expired = true
	l.closeListing(t)
	return ""
}

// closeListing clears the listing and refunds every active bid.
func (l *Ledger) closeListing(t *token) {
	for i := range t.bids {
		if t.bids[i].Active {
			t.bids[i].Active = false
			l.st.balance.Sub(l.st.balance, t.bids[i].Amount)
		}
	}
	t.asset.Listing = nil
}

type view struct {
	st *state
}

func (v *view) Sequence() uint64 { return v.st.seq }

func (v *view) Claim(_ context.Context, id uint64) (domain.Claim, error) {
	if id == 0 || id > uint64(len(v.st.claims)) {
		return domain.Claim{}, fmt.Errorf("simledger: claim %d: %w", id, domain.ErrNotFound)
	}
	return cloneClaim(v.st.claims[id-1]), nil
}

func (v *view) ClaimCount(context.Context) (uint64, error) {
	return uint64(len(v.st.claims)), nil
}

func (v *view) Asset(_ context.Context, id uint64) (domain.Asset, error) {
	if id == 0 || id > uint64(len(v.st.tokens)) {
		return domain.Asset{}, fmt.Errorf("simledger: asset %d: %w", id, domain.ErrNotFound)
	}
	return cloneAsset(v.st.tokens[id-1].asset), nil
}

func (v *view) Bids(_ context.Context, id uint64) ([]domain.Bid, error) {
	if id == 0 || id > uint64(len(v.st.tokens)) {
		return nil, fmt.Errorf("simledger: bids %d: %w", id, domain.ErrNotFound)
	}
	return cloneBids(v.st.tokens[id-1].bids), nil
}

func (v *view) TokenCount(context.Context) (uint64, error) {
	return uint64(len(v.st.tokens)), nil
}

func (v *view) OwnedBy(_ context.Context, owner domain.Identity) ([]uint64, error) {
	var ids []uint64
	for _, t := range v.st.tokens {
		if t.asset.Owner.Equal(owner) {
			ids = append(ids, t.asset.TokenID)
		}
	}
	return ids, nil
}

func (v *view) Balance(context.Context) (*big.Int, error) {
	return new(big.Int).Set(v.st.balance), nil
}

func cloneClaim(c domain.Claim) domain.Claim {
	if c.Deposit != nil {
		c.Deposit = new(big.Int).Set(c.Deposit)
	}
	if c.TokenID != nil {
		id := *c.TokenID
		c.TokenID = &id
	}
	return c
}

func cloneAsset(a domain.Asset) domain.Asset {
	if a.Listing != nil {
		l := *a.Listing
		l.MinBid = new(big.Int).Set(l.MinBid)
		a.Listing = &l
	}
	return a
}

func cloneBids(bids []domain.Bid) []domain.Bid {
	out := make([]domain.Bid, len(bids))
	for i, b := range bids {
		b.Amount = new(big.Int).Set(b.Amount)
		out[i] = b
	}
	return out
}

var (
	_ domain.Ledger     = (*Ledger)(nil)
	_ domain.LedgerView = (*view)(nil)
)
