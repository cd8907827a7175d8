package models

import (
	"context"
	"time"
)

// Repository is the persistent store. It is the source of truth for every state transition.
type Repository interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByDID(ctx context.Context, did string) (*User, error)
	GetUserByWallet(ctx context.Context, walletAddress string) (*User, error)

	// CreateLoginChallenge stores a challenge and drops expired ones of the same wallet.
	CreateLoginChallenge(ctx context.Context, challenge *LoginChallenge) error
	GetLoginChallenge(ctx context.Context, nonce string) (*LoginChallenge, error)
	// UseLoginChallenge marks an unused, unexpired challenge as used at the given time. It
	// reports false when the challenge was already used or has expired.
	UseLoginChallenge(ctx context.Context, nonce string, at time.Time) (bool, error)

	// FindCheckIn returns the user's check-in for day, or ErrNotFound.
	FindCheckIn(ctx context.Context, userID string, day time.Time) (*CheckIn, error)
	GetCheckIn(ctx context.Context, id string) (*CheckIn, error)
	ListCheckIns(ctx context.Context, userID string, limit, offset int) ([]*CheckIn, int64, error)
	// CreateCheckInWithPayout inserts the check-in, its queued payout, the payout back-reference
	// and a CHECK_IN activity entry in one transaction. A duplicate (user, day) yields ErrAlreadyCheckedIn.
	CreateCheckInWithPayout(ctx context.Context, checkIn *CheckIn, payout *TokenPayout) error

	GetPayout(ctx context.Context, id string) (*TokenPayout, error)
	// RequeuePayout moves a payout back to QUEUED and increments its retry count, provided the
	// stored retry count still equals expectedRetryCount and the status is one of from. A FAILED
	// check-in of the payout is reopened as PENDING.
	RequeuePayout(ctx context.Context, id string, expectedRetryCount int, from []PayoutStatus) (*TokenPayout, error)
	// ClaimPayout performs the QUEUED to PROCESSING transition. It reports false when the payout
	// was not QUEUED.
	ClaimPayout(ctx context.Context, id string) (bool, error)
	// RecordBroadcast stores the hash and signed bytes of a transfer as soon as it has been sent.
	RecordBroadcast(ctx context.Context, id string, broadcast *Broadcast) error
	// CompletePayout marks the payout and its check-in SUCCESS and appends a PAYOUT activity entry.
	CompletePayout(ctx context.Context, id, txHash string) error
	// FailPayout marks the payout FAILED (or FAILED_PERMANENT), its check-in FAILED and appends a
	// PAYOUT activity entry.
	FailPayout(ctx context.Context, id string, failure PayoutFailure) error

	// FindRecoverablePayouts lists QUEUED and PROCESSING payouts created at or after since.
	FindRecoverablePayouts(ctx context.Context, since time.Time) ([]*TokenPayout, error)
	// FindStalledPayouts lists QUEUED payouts created at or after since that were last touched before idleBefore.
	FindStalledPayouts(ctx context.Context, since, idleBefore time.Time) ([]*TokenPayout, error)
	// ResetPayoutToQueued sets a QUEUED or PROCESSING payout back to QUEUED and clears its error.
	ResetPayoutToQueued(ctx context.Context, id string) error
	// FailStaleCheckIns fails check-ins that have been PENDING since before cutoff, together with
	// their QUEUED payouts. Check-ins whose payout is being processed are skipped. It returns the
	// number of check-ins swept.
	FailStaleCheckIns(ctx context.Context, cutoff time.Time, reason string) (int, error)

	AppendActivity(ctx context.Context, entry *ActivityLog) error

	// AcquireLock takes or renews a lease. It reports false when another instance holds it.
	AcquireLock(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, instanceID string) error

	Ping(ctx context.Context) error
	Close() error
}
