package models

import (
	"context"
	"errors"
	"math/big"
)

// TxStatus is the on-chain state of a previously broadcast transaction.
type TxStatus int

const (
	TxUnknown TxStatus = iota
	TxPending
	TxSucceeded
	TxReverted
)

// ErrNonceTooLow reports that the nonce of a signed transaction has already been used.
var ErrNonceTooLow = errors.New("nonce too low")

// Broadcast is a signed transfer that has been sent to the network.
type Broadcast struct {
	TxHash string
	// RawTx is the hex encoded signed transaction. Sending it again cannot pay twice.
	RawTx string
}

// TokenTransferer sends ERC20 payouts from the custodial wallet.
type TokenTransferer interface {
	// Connect dials the RPC endpoint with bounded retry. It is a no-op on a healthy connection.
	Connect(ctx context.Context) error
	// SenderBalance is balanceOf(custodial wallet).
	SenderBalance(ctx context.Context) (*big.Int, error)
	// Transfer signs and broadcasts transfer(to, amount).
	Transfer(ctx context.Context, to string, amount *big.Int) (*Broadcast, error)
	// Rebroadcast sends a previously signed transaction again. It returns ErrNonceTooLow when
	// another transaction has taken its nonce.
	Rebroadcast(ctx context.Context, rawTx string) error
	// WaitConfirmed blocks until the transaction has the configured number of confirmations.
	// A reverted transaction yields ErrTransactionReverted.
	WaitConfirmed(ctx context.Context, txHash string) error
	// TransactionStatus looks up a transaction that may have been sent by an earlier attempt.
	TransactionStatus(ctx context.Context, txHash string) (TxStatus, error)
	Close() error
}
