package models

import "time"

// SignerLockName is the lease guarding the custodial payout key.
const SignerLockName = "payout-signer"

// AppLock is a lease row. The payout worker holds SignerLockName so that a single
// instance broadcasts transfers from the custodial wallet at any time.
type AppLock struct {
	// LockName identifies the guarded resource.
	LockName string `gorm:"column:lock_name;primaryKey;size:255"`
	// InstanceID is the holder of the lease.
	InstanceID string `gorm:"column:instance_id;size:255;not null"`
	// AcquiredAt and ExpiresAt are unix seconds.
	AcquiredAt int64 `gorm:"column:acquired_at;not null"`
	ExpiresAt  int64 `gorm:"column:expires_at;not null;index"`
}

func (AppLock) TableName() string {
	return "app_locks"
}

// ExpiredAt reports whether the lease is free to take over at t.
func (l *AppLock) ExpiredAt(t time.Time) bool {
	return l.ExpiresAt <= t.Unix()
}
