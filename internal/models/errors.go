package models

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, machine readable error identifier returned to API callers.
type ErrorCode string

const (
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeAlreadyCheckedIn    ErrorCode = "ALREADY_CHECKED_IN"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeRetryLimitExceeded  ErrorCode = "RETRY_LIMIT_EXCEEDED"
	CodeAlreadyCompleted    ErrorCode = "ALREADY_COMPLETED"
	CodePayoutInFlight      ErrorCode = "PAYOUT_IN_FLIGHT"
	CodeUserInactive        ErrorCode = "USER_INACTIVE"
	CodeUserNotFound        ErrorCode = "USER_NOT_FOUND"
	CodeWalletMissing       ErrorCode = "WALLET_MISSING"
	CodeInsufficientFunds   ErrorCode = "INSUFFICIENT_FUNDS"
	CodeTransactionReverted ErrorCode = "TRANSACTION_REVERTED"
	CodeChallengeNotFound   ErrorCode = "CHALLENGE_NOT_FOUND"
	CodePaymentUnavailable  ErrorCode = "PAYMENT_UNAVAILABLE"
	CodeInvalidJob          ErrorCode = "INVALID_JOB"
	CodeInvalidAddress      ErrorCode = "INVALID_ADDRESS"
	CodeInvalidNonce        ErrorCode = "INVALID_NONCE"
	CodeInvalidSignature    ErrorCode = "INVALID_SIGNATURE"
)

// Error is a domain error. Two errors match under errors.Is when their codes are equal,
// so detailed copies made with WithDetail or Wrap still match the sentinel.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithDetail returns a copy of e with a more specific message.
func (e *Error) WithDetail(format string, args ...interface{}) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...), Err: e.Err}
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Code: e.Code, Message: e.Message, Err: cause}
}

var (
	ErrNotFound            = &Error{Code: CodeNotFound, Message: "record not found"}
	ErrAlreadyCheckedIn    = &Error{Code: CodeAlreadyCheckedIn, Message: "already checked in today"}
	ErrRateLimited         = &Error{Code: CodeRateLimited, Message: "daily check-in allowance already used"}
	ErrUnauthorized        = &Error{Code: CodeUnauthorized, Message: "not allowed to access this resource"}
	ErrRetryLimitExceeded  = &Error{Code: CodeRetryLimitExceeded, Message: "payout retry limit reached"}
	ErrAlreadyCompleted    = &Error{Code: CodeAlreadyCompleted, Message: "payout already completed"}
	ErrPayoutInFlight      = &Error{Code: CodePayoutInFlight, Message: "payout is being processed"}
	ErrUserInactive        = &Error{Code: CodeUserInactive, Message: "user account is not active"}
	ErrUserNotFound        = &Error{Code: CodeUserNotFound, Message: "user not found"}
	ErrWalletMissing       = &Error{Code: CodeWalletMissing, Message: "user has no wallet address"}
	ErrInsufficientFunds   = &Error{Code: CodeInsufficientFunds, Message: "insufficient funds in payout wallet"}
	ErrTransactionReverted = &Error{Code: CodeTransactionReverted, Message: "transaction reverted"}
	ErrChallengeNotFound   = &Error{Code: CodeChallengeNotFound, Message: "payment challenge not found"}
	ErrPaymentUnavailable  = &Error{Code: CodePaymentUnavailable, Message: "payment service unavailable"}
	ErrInvalidJob          = &Error{Code: CodeInvalidJob, Message: "invalid payout job"}
	ErrInvalidAddress      = &Error{Code: CodeInvalidAddress, Message: "invalid wallet address"}
	ErrInvalidNonce        = &Error{Code: CodeInvalidNonce, Message: "nonce not found or expired"}
	ErrInvalidSignature    = &Error{Code: CodeInvalidSignature, Message: "invalid signature"}
)

// CodeOf extracts the domain code of err, or "" when err is not a domain error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
