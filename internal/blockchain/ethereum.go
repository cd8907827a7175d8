package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/pkg/logger"
	"github.com/dedata/checkpay/pkg/validation"
)

const (
	gwei = 1_000_000_000

	maxConnectBackoff = 10 * time.Second
	receiptPoll       = 2 * time.Second
)

// Settings configures the payout transferer.
type Settings struct {
	RPCURL         string
	ChainID        *big.Int
	TokenAddress   string
	MinGasGwei     int64
	GasLimit       uint64
	Confirmations  uint64
	MaxAttempts    int
	ConfirmTimeout time.Duration
}

// Ethereum sends ERC20 payouts from the custodial wallet over JSON-RPC.
type Ethereum struct {
	logger   *logger.Logger
	settings Settings
	key      *ecdsa.PrivateKey
	from     common.Address

	mu       sync.Mutex
	client   *ethclient.Client
	contract *bind.BoundContract

	// sendMu serialises nonce use within the process.
	sendMu sync.Mutex
}

var _ models.TokenTransferer = (*Ethereum)(nil)

func NewEthereum(settings Settings, key *ecdsa.PrivateKey, logger *logger.Logger) *Ethereum {
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}
	if settings.Confirmations < 1 {
		settings.Confirmations = 1
	}
	return &Ethereum{
		logger:   logger,
		settings: settings,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
	}
}

// From is the custodial wallet address.
func (e *Ethereum) From() string {
	return e.from.Hex()
}

func (e *Ethereum) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		if _, err := e.client.ChainID(ctx); err == nil {
			return nil
		}
		e.client.Close()
		e.client, e.contract = nil, nil
	}

	var lastErr error
	for attempt := 0; attempt < e.settings.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := ConnectBackoff(attempt - 1)
			e.logger.Warn("Retrying RPC connection", "attempt", attempt+1, "retry_in", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = e.dial(ctx); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to connect to the RPC server after %d attempts: %w", e.settings.MaxAttempts, lastErr)
}

func (e *Ethereum) dial(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, e.settings.RPCURL)
	if err != nil {
		return err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return err
	}
	if e.settings.ChainID != nil && chainID.Cmp(e.settings.ChainID) != 0 {
		client.Close()
		return fmt.Errorf("rpc serves chain %s, expected %s", chainID, e.settings.ChainID)
	}

	parsed, err := parseERC20ABI()
	if err != nil {
		client.Close()
		return err
	}
	e.client = client
	e.contract = bind.NewBoundContract(common.HexToAddress(e.settings.TokenAddress), parsed, client, client, client)
	e.logger.Info("Connected to RPC", "chainId", chainID.String(), "from", e.from.Hex())
	return nil
}

func (e *Ethereum) conn() (*ethclient.Client, *bind.BoundContract, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, nil, errors.New("not connected to the RPC server")
	}
	return e.client, e.contract, nil
}

func (e *Ethereum) SenderBalance(ctx context.Context) (*big.Int, error) {
	_, contract, err := e.conn()
	if err != nil {
		return nil, err
	}
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", e.from); err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("balanceOf returned no value")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf returned %T", out[0])
	}
	return balance, nil
}

func (e *Ethereum) Transfer(ctx context.Context, to string, amount *big.Int) (*models.Broadcast, error) {
	if err := validation.ValidateAddress(to); err != nil {
		return nil, err
	}
	client, contract, err := e.conn()
	if err != nil {
		return nil, err
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	floor := new(big.Int).Mul(big.NewInt(e.settings.MinGasGwei), big.NewInt(gwei))
	tipCap, feeCap := GasParams(tip, head.BaseFee, floor)

	opts, err := bind.NewKeyedTransactorWithChainID(e.key, e.settings.ChainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx
	opts.GasTipCap = tipCap
	opts.GasFeeCap = feeCap
	opts.GasLimit = e.settings.GasLimit

	tx, err := contract.Transact(opts, "transfer", common.HexToAddress(to), amount)
	if err != nil {
		return nil, fmt.Errorf("failed to send transfer: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction %s: %w", tx.Hash().Hex(), err)
	}
	e.logger.Info("Transfer broadcast",
		"txHash", tx.Hash().Hex(), "to", to, "amount", amount.String(),
		"nonce", tx.Nonce(), "tipCap", tipCap.String(), "feeCap", feeCap.String())
	return &models.Broadcast{TxHash: tx.Hash().Hex(), RawTx: hexutil.Encode(raw)}, nil
}

func (e *Ethereum) Rebroadcast(ctx context.Context, rawTx string) error {
	raw, err := hexutil.Decode(rawTx)
	if err != nil {
		return fmt.Errorf("invalid raw transaction: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("invalid raw transaction: %w", err)
	}
	client, _, err := e.conn()
	if err != nil {
		return err
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := rebroadcastError(client.SendTransaction(ctx, tx)); err != nil {
		return err
	}
	e.logger.Info("Transfer rebroadcast", "txHash", tx.Hash().Hex(), "nonce", tx.Nonce())
	return nil
}

// rebroadcastError classifies the node's answer to a resent transaction. RPC errors arrive as
// plain strings, so the txpool messages are matched by text.
func rebroadcastError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return nil
	case strings.Contains(msg, "nonce too low"):
		return models.ErrNonceTooLow
	}
	return fmt.Errorf("failed to rebroadcast transfer: %w", err)
}

func (e *Ethereum) WaitConfirmed(ctx context.Context, txHash string) error {
	client, _, err := e.conn()
	if err != nil {
		return err
	}
	if e.settings.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.settings.ConfirmTimeout)
		defer cancel()
	}

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt.Status == types.ReceiptStatusFailed:
			return models.ErrTransactionReverted.WithDetail("transaction %s reverted", txHash)
		case err == nil:
			head, err := client.BlockNumber(ctx)
			if err != nil {
				e.logger.Warn("Failed to read block number", "error", err)
			} else if Confirmations(head, receipt.BlockNumber.Uint64()) >= e.settings.Confirmations {
				return nil
			}
		case !errors.Is(err, ethereum.NotFound):
			e.logger.Warn("Failed to get transaction receipt", "txHash", txHash, "error", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for confirmation of %s: %w", txHash, ctx.Err())
		}
	}
}

func (e *Ethereum) TransactionStatus(ctx context.Context, txHash string) (models.TxStatus, error) {
	client, _, err := e.conn()
	if err != nil {
		return models.TxUnknown, err
	}
	hash := common.HexToHash(txHash)

	receipt, err := client.TransactionReceipt(ctx, hash)
	if err == nil {
		if receipt.Status == types.ReceiptStatusSuccessful {
			return models.TxSucceeded, nil
		}
		return models.TxReverted, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return models.TxUnknown, fmt.Errorf("failed to get transaction receipt: %w", err)
	}

	_, _, err = client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return models.TxUnknown, nil
	}
	if err != nil {
		return models.TxUnknown, fmt.Errorf("failed to get transaction: %w", err)
	}
	return models.TxPending, nil
}

func (e *Ethereum) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		e.client.Close()
		e.client, e.contract = nil, nil
	}
	return nil
}

// GasParams applies the price floor to the node's suggestions. The tip is at least floor and the
// fee cap is max(2*baseFee + tip, floor).
func GasParams(suggestedTip, baseFee, floor *big.Int) (tipCap, feeCap *big.Int) {
	tipCap = new(big.Int)
	if suggestedTip != nil {
		tipCap.Set(suggestedTip)
	}
	if tipCap.Cmp(floor) < 0 {
		tipCap.Set(floor)
	}

	feeCap = new(big.Int)
	if baseFee != nil {
		feeCap.Mul(baseFee, big.NewInt(2))
	}
	feeCap.Add(feeCap, tipCap)
	if feeCap.Cmp(floor) < 0 {
		feeCap.Set(floor)
	}
	return tipCap, feeCap
}

// ConnectBackoff is the delay before reconnect attempt n+1: min(1s * 2^n, 10s).
func ConnectBackoff(n int) time.Duration {
	if n > 4 {
		return maxConnectBackoff
	}
	d := time.Second << uint(n)
	if d > maxConnectBackoff {
		return maxConnectBackoff
	}
	return d
}

// Confirmations counts the block holding a transaction as its first confirmation.
func Confirmations(head, mined uint64) uint64 {
	if head < mined {
		return 0
	}
	return head - mined + 1
}
