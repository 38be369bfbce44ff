package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// View pins subsequent reads to the current head block.
func (g *Gateway) View(ctx context.Context) (domain.LedgerView, error) {
	n, err := g.LatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	return &blockView{g: g, block: new(big.Int).SetUint64(n)}, nil
}

type blockView struct {
	g     *Gateway
	block *big.Int
}

func (v *blockView) Sequence() uint64 { return v.block.Uint64() }

func (v *blockView) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := v.g.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	out, err := v.g.client.CallContract(ctx, ethereum.CallMsg{To: &v.g.contract, Data: input}, v.block)
	if err != nil {
		return nil, unavailable(method, err)
	}
	vals, err := v.g.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	return vals, nil
}

func (v *blockView) counter(ctx context.Context, method string) (uint64, error) {
	vals, err := v.call(ctx, method)
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Uint64(), nil
}

func (v *blockView) ClaimCount(ctx context.Context) (uint64, error) {
	return v.counter(ctx, "requestCounter")
}

func (v *blockView) TokenCount(ctx context.Context) (uint64, error) {
	return v.counter(ctx, "tokenCounter")
}

func (v *blockView) Claim(ctx context.Context, id uint64) (domain.Claim, error) {
	count, err := v.ClaimCount(ctx)
	if err != nil {
		return domain.Claim{}, err
	}
	if id == 0 || id > count {
		return domain.Claim{}, fmt.Errorf("evm: claim %d: %w", id, domain.ErrNotFound)
	}
	vals, err := v.call(ctx, "ipRequests", new(big.Int).SetUint64(id))
	if err != nil {
		return domain.Claim{}, err
	}
	c := domain.Claim{
		ID:              id,
		Requester:       identity(vals[0].(common.Address)),
		MetadataLocator: domain.Locator(vals[1].(string)),
		Deposit:         vals[2].(*big.Int),
		Status:          domain.ClaimStatus(vals[3].(uint8)),
		SubmittedAt:     unixTime(vals[4].(*big.Int)),
	}
	if tokenID := vals[5].(*big.Int); tokenID.Sign() > 0 {
		tid := tokenID.Uint64()
		c.TokenID = &tid
	}
	return c, nil
}

func (v *blockView) Asset(ctx context.Context, id uint64) (domain.Asset, error) {
	count, err := v.TokenCount(ctx)
	if err != nil {
		return domain.Asset{}, err
	}
	if id == 0 || id > count {
		return domain.Asset{}, fmt.Errorf("evm: asset %d: %w", id, domain.ErrNotFound)
	}
	tid := new(big.Int).SetUint64(id)
	owner, err := v.call(ctx, "ownerOf", tid)
	if err != nil {
		return domain.Asset{}, err
	}
	uri, err := v.call(ctx, "tokenURI", tid)
	if err != nil {
		return domain.Asset{}, err
	}
	d, err := v.call(ctx, "ipDetails", tid)
	if err != nil {
		return domain.Asset{}, err
	}
	a := domain.Asset{
		TokenID:         id,
		Owner:           identity(owner[0].(common.Address)),
		MetadataLocator: domain.Locator(uri[0].(string)),
		RegisteredAt:    unixTime(d[0].(*big.Int)),
		ExpiresAt:       unixTime(d[1].(*big.Int)),
		OriginClaimID:   d[5].(*big.Int).Uint64(),
		ProvenanceTx:    domain.TxHash(d[6].(string)),
		Expired:         d[7].(bool),
	}
	if d[2].(bool) {
		a.Listing = &domain.SaleListing{
			MinBid: d[3].(*big.Int),
			EndsAt: unixTime(d[4].(*big.Int)),
			Active: true,
		}
	}
	return a, nil
}

func (v *blockView) Bids(ctx context.Context, id uint64) ([]domain.Bid, error) {
	vals, err := v.call(ctx, "getBidsForIP", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	bidders := vals[0].([]common.Address)
	amounts := vals[1].([]*big.Int)
	active := vals[2].([]bool)
	if len(amounts) != len(bidders) || len(active) != len(bidders) {
		return nil, fmt.Errorf("evm: getBidsForIP %d: mismatched arrays", id)
	}
	bids := make([]domain.Bid, len(bidders))
	for i := range bidders {
		bids[i] = domain.Bid{
			Index:  uint64(i),
			Bidder: identity(bidders[i]),
			Amount: amounts[i],
			Active: active[i],
		}
	}
	return bids, nil
}

func (v *blockView) OwnedBy(ctx context.Context, owner domain.Identity) ([]uint64, error) {
	vals, err := v.call(ctx, "tokensOfOwner", common.HexToAddress(string(owner)))
	if err != nil {
		return nil, err
	}
	raw := vals[0].([]*big.Int)
	ids := make([]uint64, len(raw))
	for i, id := range raw {
		ids[i] = id.Uint64()
	}
	return ids, nil
}

func (v *blockView) Balance(ctx context.Context) (*big.Int, error) {
	bal, err := v.g.client.BalanceAt(ctx, v.g.contract, v.block)
	if err != nil {
		return nil, unavailable("balance", err)
	}
	return bal, nil
}

func identity(a common.Address) domain.Identity {
	return domain.Identity("0x" + common.Bytes2Hex(a.Bytes()))
}

func unixTime(v *big.Int) time.Time {
	return time.Unix(v.Int64(), 0).UTC()
}

var _ domain.LedgerView = (*blockView)(nil)
