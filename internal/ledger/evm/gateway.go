// Package evm implements the ledger gateway against the IP registry contract
// on an EVM chain. Transactions are signed locally with keys from a keyring
// and awaited by polling for their receipt.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/ipmarket/internal/crypto"
	"github.com/alanyoungcy/ipmarket/internal/domain"
)

const (
	DefaultSubmitTimeout = 2 * time.Minute
	DefaultPollInterval  = 2 * time.Second
)

// Config holds the gateway settings.
type Config struct {
	RPCURL   string
	ChainID  int64
	Contract string
	// GasLimit fixes the gas limit of every transaction. Zero estimates it.
	GasLimit      uint64
	SubmitTimeout time.Duration
	PollInterval  time.Duration
}

// Gateway implements domain.Ledger.
type Gateway struct {
	client   *ethclient.Client
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int
	keys     *crypto.Keyring
	cfg      Config
	logger   *slog.Logger

	// sendMu serialises nonce allocation and broadcast.
	sendMu sync.Mutex
}

// Dial connects to the RPC endpoint and checks that it serves the configured
// chain.
func Dial(ctx context.Context, cfg Config, keys *crypto.Keyring, logger *slog.Logger) (*Gateway, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("evm: invalid contract address %q", cfg.Contract)
	}
	parsed, err := parseRegistryABI()
	if err != nil {
		return nil, fmt.Errorf("evm: parse abi: %w", err)
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, domain.ErrLedgerUnavailable)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("evm: chain id: %w: %v", domain.ErrLedgerUnavailable, err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("evm: endpoint serves chain %d, want %d", chainID.Int64(), cfg.ChainID)
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Gateway{
		client:   client,
		abi:      parsed,
		contract: common.HexToAddress(cfg.Contract),
		chainID:  chainID,
		keys:     keys,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "ledger")),
	}, nil
}

// Close releases the RPC connection.
func (g *Gateway) Close() {
	g.client.Close()
}

// LatestSequence returns the current block number.
func (g *Gateway) LatestSequence(ctx context.Context) (uint64, error) {
	n, err := g.client.BlockNumber(ctx)
	if err != nil {
		return 0, unavailable("block number", err)
	}
	return n, nil
}

// Submit signs call with the caller's key, broadcasts it and waits for a
// receipt. Calls that would revert are caught by gas estimation and reported
// as reverted without being broadcast.
func (g *Gateway) Submit(ctx context.Context, call domain.Call) (domain.TxOutcome, error) {
	input, err := g.pack(call)
	if err != nil {
		return domain.TxOutcome{}, err
	}
	key, err := g.keys.Key(call.Caller)
	if err != nil {
		return domain.TxOutcome{}, fmt.Errorf("evm: submit %s: %w", call.Kind, err)
	}
	from := common.HexToAddress(string(call.Caller))
	msg := ethereum.CallMsg{From: from, To: &g.contract, Value: call.Value, Data: input}

	gas := g.cfg.GasLimit
	if gas == 0 {
		gas, err = g.client.EstimateGas(ctx, msg)
		if err != nil {
			if reason, ok := revertReason(err); ok {
				return domain.TxOutcome{Status: domain.TxReverted, Reason: reason}, nil
			}
			return domain.TxOutcome{}, unavailable("estimate gas", err)
		}
	}

	g.sendMu.Lock()
	tx, err := g.buildTx(ctx, from, gas, call.Value, input)
	if err != nil {
		g.sendMu.Unlock()
		return domain.TxOutcome{}, err
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(g.chainID), key)
	if err != nil {
		g.sendMu.Unlock()
		return domain.TxOutcome{}, fmt.Errorf("evm: sign %s: %w", call.Kind, err)
	}
	ref := domain.TxRef{Hash: domain.TxHash(signed.Hash().Hex()), SubmittedAt: time.Now().UTC()}
	err = g.client.SendTransaction(ctx, signed)
	g.sendMu.Unlock()
	if err != nil && !isAlreadyKnown(err) {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			// The node refused the transaction; nothing was broadcast.
			return domain.TxOutcome{Ref: ref, Status: domain.TxReverted, Reason: rpcErr.Error()}, nil
		}
		// The transaction may or may not have reached the network.
		g.logger.WarnContext(ctx, "broadcast failed, outcome unknown",
			slog.String("call", string(call.Kind)),
			slog.String("tx", string(ref.Hash)),
			slog.String("error", err.Error()),
		)
		return domain.TxOutcome{Ref: ref, Status: domain.TxUnknown}, nil
	}

	g.logger.InfoContext(ctx, "transaction sent",
		slog.String("call", string(call.Kind)),
		slog.String("tx", string(ref.Hash)),
		slog.String("caller", string(call.Caller)),
	)
	return g.await(ctx, ref, msg)
}

func (g *Gateway) buildTx(ctx context.Context, from common.Address, gas uint64, value *big.Int, input []byte) (*types.Transaction, error) {
	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, unavailable("pending nonce", err)
	}
	if value == nil {
		value = new(big.Int)
	}
	head, err := g.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, unavailable("head", err)
	}
	if head.BaseFee == nil {
		price, err := g.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, unavailable("gas price", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce: nonce, GasPrice: price, Gas: gas, To: &g.contract, Value: value, Data: input,
		}), nil
	}
	tip, err := g.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, unavailable("gas tip", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return types.NewTx(&types.DynamicFeeTx{
		ChainID: g.chainID, Nonce: nonce, GasTipCap: tip, GasFeeCap: feeCap,
		Gas: gas, To: &g.contract, Value: value, Data: input,
	}), nil
}

// await polls for the receipt until it appears, the submit timeout elapses or
// the caller goes away. The latter two yield an unknown outcome.
func (g *Gateway) await(ctx context.Context, ref domain.TxRef, msg ethereum.CallMsg) (domain.TxOutcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.SubmitTimeout)
	defer cancel()

	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		out, err := g.receiptOutcome(waitCtx, ref, &msg)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			g.logger.DebugContext(ctx, "receipt poll failed",
				slog.String("tx", string(ref.Hash)),
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-waitCtx.Done():
			return domain.TxOutcome{Ref: ref, Status: domain.TxUnknown}, nil
		case <-ticker.C:
		}
	}
}

// Outcome looks up the receipt of a previously sent transaction.
func (g *Gateway) Outcome(ctx context.Context, hash domain.TxHash) (domain.TxOutcome, error) {
	ref := domain.TxRef{Hash: hash}
	out, err := g.receiptOutcome(ctx, ref, nil)
	if errors.Is(err, ethereum.NotFound) {
		// Either still pending or dropped from the pool.
		_, pending, txErr := g.client.TransactionByHash(ctx, common.HexToHash(string(hash)))
		if txErr == nil && pending {
			return domain.TxOutcome{Ref: ref, Status: domain.TxUnknown}, nil
		}
		if errors.Is(txErr, ethereum.NotFound) {
			return domain.TxOutcome{}, fmt.Errorf("evm: outcome %s: %w", hash, domain.ErrNotFound)
		}
		return domain.TxOutcome{Ref: ref, Status: domain.TxUnknown}, nil
	}
	if err != nil {
		return domain.TxOutcome{}, unavailable("receipt", err)
	}
	return out, nil
}

// receiptOutcome converts a mined receipt into an outcome. msg, when known,
// is replayed at the inclusion block to recover a revert reason.
func (g *Gateway) receiptOutcome(ctx context.Context, ref domain.TxRef, msg *ethereum.CallMsg) (domain.TxOutcome, error) {
	receipt, err := g.client.TransactionReceipt(ctx, common.HexToHash(string(ref.Hash)))
	if err != nil {
		return domain.TxOutcome{}, err
	}
	out := domain.TxOutcome{Ref: ref, Sequence: receipt.BlockNumber.Uint64()}
	if receipt.Status != types.ReceiptStatusSuccessful {
		out.Status = domain.TxReverted
		out.Reason = "execution reverted"
		if msg != nil {
			if _, callErr := g.client.CallContract(ctx, *msg, receipt.BlockNumber); callErr != nil {
				if reason, ok := revertReason(callErr); ok {
					out.Reason = reason
				}
			}
		}
		return out, nil
	}
	out.Status = domain.TxCommitted
	g.decodeEvents(receipt.Logs, &out)
	return out, nil
}

func (g *Gateway) decodeEvents(logs []*types.Log, out *domain.TxOutcome) {
	submitted := g.abi.Events["IPRequestSubmitted"]
	verified := g.abi.Events["IPRequestVerified"]
	for _, lg := range logs {
		if lg.Address != g.contract || len(lg.Topics) < 2 {
			continue
		}
		claimID := new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64()
		switch lg.Topics[0] {
		case submitted.ID:
			out.ClaimID = &claimID
		case verified.ID:
			out.ClaimID = &claimID
			vals, err := verified.Inputs.NonIndexed().Unpack(lg.Data)
			if err != nil || len(vals) != 2 {
				continue
			}
			if approved, _ := vals[0].(bool); approved {
				if id, ok := vals[1].(*big.Int); ok {
					tokenID := id.Uint64()
					out.TokenID = &tokenID
				}
			}
		}
	}
}

func (g *Gateway) pack(call domain.Call) ([]byte, error) {
	u := func(v uint64) *big.Int { return new(big.Int).SetUint64(v) }
	var (
		input []byte
		err   error
	)
	switch call.Kind {
	case domain.CallRequestOwnership:
		input, err = g.abi.Pack(string(call.Kind), string(call.Locator))
	case domain.CallVerifyRequest:
		input, err = g.abi.Pack(string(call.Kind), u(call.ClaimID), call.Approve)
	case domain.CallListForSale:
		input, err = g.abi.Pack(string(call.Kind), u(call.TokenID), call.MinBid, big.NewInt(call.EndsAt.Unix()))
	case domain.CallCancelListing, domain.CallPlaceBid, domain.CallCheckExpiry:
		input, err = g.abi.Pack(string(call.Kind), u(call.TokenID))
	case domain.CallWithdrawBid, domain.CallAcceptBid:
		input, err = g.abi.Pack(string(call.Kind), u(call.TokenID), u(call.BidIndex))
	case domain.CallExtendDuration:
		input, err = g.abi.Pack(string(call.Kind), u(call.TokenID), u(call.Seconds))
	case domain.CallRegisterPatent:
		input, err = g.abi.Pack(string(call.Kind), u(call.TokenID), string(call.Provenance))
	default:
		return nil, domain.Invalid("evm: unsupported call %q", call.Kind)
	}
	if err != nil {
		return nil, domain.Invalid("evm: pack %s: %v", call.Kind, err)
	}
	return input, nil
}

// revertReason extracts a Solidity revert string from an RPC error.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return "", false
	}
	hexData, ok := dataErr.ErrorData().(string)
	if !ok {
		return dataErr.Error(), true
	}
	reason, unpackErr := abi.UnpackRevert(common.FromHex(hexData))
	if unpackErr != nil {
		return dataErr.Error(), true
	}
	return reason, true
}

// isAlreadyKnown reports the node already holds the transaction, e.g. after a
// retried broadcast.
func isAlreadyKnown(err error) bool {
	return strings.Contains(err.Error(), "already known")
}

func unavailable(op string, err error) error {
	return fmt.Errorf("evm: %s: %w: %v", op, domain.ErrLedgerUnavailable, err)
}

var _ domain.Ledger = (*Gateway)(nil)
