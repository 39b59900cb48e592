// Package account signs and broadcasts payout transactions for one maker
// key on one chain. Broadcast ordering is the crash-safety contract: the
// serial relation is persisted after signing but before the raw transaction
// is sent, so a recorded hash always exists for any transaction that may be
// live on chain. The nonce commits only once the broadcast may have reached
// the chain; every rejection that provably kept the transaction local rolls
// the nonce back for reuse.
package account

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/orbiterx/settlement/internal/contracts/router"
	"github.com/orbiterx/settlement/pkg/logging"
)

// Client is the chain RPC surface the account needs. *ethclient.Client
// satisfies it.
type Client interface {
	PendingNonceReader
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SerialStore persists the source-id -> payout-hash recovery anchor.
type SerialStore interface {
	SetSerialTxHash(sourceIDs []string, txHash string) error
}

// Config holds per-account settings.
type Config struct {
	ChainID   *big.Int
	Floors    FeeFloors
	Router    common.Address // zero when the chain has no batch router
	ForceType int            // TxTypeAuto unless the chain needs a fixed type

	// ReceiptPollInterval defaults to 5s.
	ReceiptPollInterval time.Duration
}

// Account signs and broadcasts payouts for one (chainId, privateKey) pair.
type Account struct {
	client  Client
	serials SerialStore
	cfg     Config
	key     *ecdsa.PrivateKey
	address common.Address
	nonces  *NonceManager
	log     *logging.Logger
}

// RequestParams are the pre-generated pricing parameters for one payout.
type RequestParams struct {
	Fee      *FeeData
	GasLimit uint64
}

// New creates an account from a hex private key.
func New(client Client, serials SerialStore, privateKeyHex string, cfg Config) (*Account, error) {
	if cfg.ChainID == nil {
		return nil, errors.New("chain id required")
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if cfg.ReceiptPollInterval == 0 {
		cfg.ReceiptPollInterval = 5 * time.Second
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &Account{
		client:  client,
		serials: serials,
		cfg:     cfg,
		key:     key,
		address: addr,
		nonces:  NewNonceManager(client, addr),
		log:     logging.GetDefault().Component("account").With("chain", cfg.ChainID.String(), "sender", addr.Hex()),
	}, nil
}

// Address returns the sender address.
func (a *Account) Address() common.Address {
	return a.address
}

// Nonces returns the account's nonce manager.
func (a *Account) Nonces() *NonceManager {
	return a.nonces
}

// Transfer broadcasts a native-coin payout.
func (a *Account) Transfer(ctx context.Context, to string, value *big.Int, sourceIDs []string) (*types.Transaction, error) {
	return a.send(ctx, common.HexToAddress(to), value, nil, sourceIDs)
}

// TransferToken broadcasts an ERC-20 payout.
func (a *Account) TransferToken(ctx context.Context, token, to string, value *big.Int, sourceIDs []string) (*types.Transaction, error) {
	data, err := router.PackERC20Transfer(common.HexToAddress(to), value)
	if err != nil {
		return nil, &TransactionSendBeforeError{Err: err}
	}
	return a.send(ctx, common.HexToAddress(token), big.NewInt(0), data, sourceIDs)
}

// Transfers broadcasts a native-coin batch payout through the router.
func (a *Account) Transfers(ctx context.Context, tos []string, values []*big.Int, sourceIDs []string) (*types.Transaction, error) {
	if a.cfg.Router == (common.Address{}) {
		return nil, &TransactionSendBeforeError{Err: errors.New("no router configured for chain")}
	}
	addrs := toAddresses(tos)
	data, err := router.PackTransfers(addrs, values)
	if err != nil {
		return nil, &TransactionSendBeforeError{Err: err}
	}
	return a.send(ctx, a.cfg.Router, router.SumValues(values), data, sourceIDs)
}

// TransferTokens broadcasts an ERC-20 batch payout through the router.
func (a *Account) TransferTokens(ctx context.Context, token string, tos []string, values []*big.Int, sourceIDs []string) (*types.Transaction, error) {
	if a.cfg.Router == (common.Address{}) {
		return nil, &TransactionSendBeforeError{Err: errors.New("no router configured for chain")}
	}
	addrs := toAddresses(tos)
	data, err := router.PackTransferTokens(common.HexToAddress(token), addrs, values)
	if err != nil {
		return nil, &TransactionSendBeforeError{Err: err}
	}
	return a.send(ctx, a.cfg.Router, big.NewInt(0), data, sourceIDs)
}

// GetBalance returns the sender's native balance.
func (a *Account) GetBalance(ctx context.Context) (*big.Int, error) {
	return a.client.BalanceAt(ctx, a.address, nil)
}

// GetTokenBalance returns the sender's ERC-20 balance.
func (a *Account) GetTokenBalance(ctx context.Context, token string) (*big.Int, error) {
	data, err := router.PackERC20BalanceOf(a.address)
	if err != nil {
		return nil, err
	}
	tokenAddr := common.HexToAddress(token)
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return router.UnpackERC20Balance(out)
}

// PregenerateRequestParameters prices a payout without broadcasting it.
func (a *Account) PregenerateRequestParameters(ctx context.Context, to common.Address, value *big.Int, data []byte) (*RequestParams, error) {
	fee, err := getGasPrice(ctx, a.client, a.cfg.Floors, a.cfg.ForceType)
	if err != nil {
		return nil, err
	}
	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  a.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	// Headroom over the estimate; token transfers to fresh accounts cost
	// more than the dry run reports.
	gasLimit = gasLimit * 12 / 10
	return &RequestParams{Fee: fee, GasLimit: gasLimit}, nil
}

// send signs and broadcasts one transaction under the serial-first
// ordering. Every returned error is one of the three payout kinds.
func (a *Account) send(ctx context.Context, to common.Address, value *big.Int, data []byte, sourceIDs []string) (*types.Transaction, error) {
	params, err := a.PregenerateRequestParameters(ctx, to, value, data)
	if err != nil {
		return nil, &TransactionSendBeforeError{Err: err}
	}

	if err := a.checkBalance(ctx, value, params); err != nil {
		return nil, &TransactionSendBeforeError{Err: err}
	}

	handle, err := a.nonces.GetNextNonce(ctx)
	if err != nil {
		return nil, &TransactionSendBeforeError{Err: err}
	}

	var txdata types.TxData
	if params.Fee.Type == types.DynamicFeeTxType {
		txdata = &types.DynamicFeeTx{
			ChainID:   a.cfg.ChainID,
			Nonce:     handle.Nonce,
			GasTipCap: params.Fee.MaxPriorityFeePerGas,
			GasFeeCap: params.Fee.MaxFeePerGas,
			Gas:       params.GasLimit,
			To:        &to,
			Value:     value,
			Data:      data,
		}
	} else {
		txdata = &types.LegacyTx{
			Nonce:    handle.Nonce,
			GasPrice: params.Fee.GasPrice,
			Gas:      params.GasLimit,
			To:       &to,
			Value:    value,
			Data:     data,
		}
	}

	signed, err := types.SignNewTx(a.key, types.LatestSignerForChainID(a.cfg.ChainID), txdata)
	if err != nil {
		handle.Rollback()
		return nil, &TransactionSendBeforeError{Err: fmt.Errorf("failed to sign: %w", err)}
	}
	hash := signed.Hash().Hex()

	// Persist the recovery anchor before the raw transaction can leave the
	// process.
	if err := a.serials.SetSerialTxHash(sourceIDs, hash); err != nil {
		handle.Rollback()
		return nil, &TransactionSendBeforeError{Err: fmt.Errorf("failed to persist serial relation: %w", err)}
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		if isAlreadyKnown(err) {
			// The node already holds this exact signed transaction: an
			// earlier attempt broadcast it and it is live in the mempool.
			handle.Submit()
			a.log.Info("Broadcast already known to node", "hash", hash, "nonce", handle.Nonce)
			return signed, nil
		}
		if IsNonceExpired(err) {
			handle.Rollback()
			if rerr := a.nonces.ForceRefreshNonce(ctx); rerr != nil {
				a.log.Warn("Nonce refresh after stale-nonce reject failed", "err", rerr)
			}
			return signed, &TransactionSendBeforeError{Err: err}
		}
		if isPreBroadcastReject(err) {
			handle.Rollback()
			return signed, &TransactionSendBeforeError{Err: err}
		}
		// Ambiguous outcome: the transaction may be live, so the nonce
		// stays consumed.
		handle.Submit()
		return signed, &TransactionSendAfterError{
			Hash: hash,
			From: a.address.Hex(),
			Err:  err,
		}
	}
	handle.Submit()

	a.log.Info("Broadcast payout", "hash", hash, "nonce", handle.Nonce, "to", to.Hex())
	return signed, nil
}

func (a *Account) checkBalance(ctx context.Context, value *big.Int, params *RequestParams) error {
	balance, err := a.client.BalanceAt(ctx, a.address, nil)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}

	feeCap := params.Fee.GasPrice
	if params.Fee.Type == types.DynamicFeeTxType {
		feeCap = params.Fee.MaxFeePerGas
	}
	need := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(params.GasLimit))
	if value != nil {
		need.Add(need, value)
	}
	if balance.Cmp(need) < 0 {
		return fmt.Errorf("insufficient balance: have %s, need %s", balance, need)
	}
	return nil
}

// WaitForTransactionConfirmation polls for the receipt of a broadcast
// payout. It has no timeout of its own; callers bound it with the context.
func (a *Account) WaitForTransactionConfirmation(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(a.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			a.log.Debug("Receipt poll error", "hash", txHash.Hex(), "err", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func toAddresses(in []string) []common.Address {
	out := make([]common.Address, len(in))
	for i, s := range in {
		out[i] = common.HexToAddress(s)
	}
	return out
}
