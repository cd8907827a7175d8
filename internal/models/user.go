package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserRole string

const (
	UserRoleUser  UserRole = "USER"
	UserRoleAdmin UserRole = "ADMIN"
)

type UserStatus string

const (
	UserStatusActive      UserStatus = "ACTIVE"
	UserStatusSuspended   UserStatus = "SUSPENDED"
	UserStatusBlacklisted UserStatus = "BLACKLISTED"
)

// User is the identity anchor for check-ins and payouts.
type User struct {
	// ID is the unique identifier of the user (UUID).
	ID string `json:"id" gorm:"column:id;primaryKey;type:uuid"`
	// DID is did:pkh:eip155:{chainId}:{address}, derived from WalletAddress and ChainID.
	DID string `json:"did" gorm:"column:did;uniqueIndex;size:255;not null"`
	// WalletAddress is the lowercase 0x-prefixed address that receives payouts.
	WalletAddress string `json:"wallet_address" gorm:"column:wallet_address;uniqueIndex;size:42"`
	// ChainID is the EVM chain the wallet signed in on.
	ChainID int64 `json:"chain_id" gorm:"column:chain_id;not null"`
	// Role is USER or ADMIN.
	Role UserRole `json:"role" gorm:"column:role;size:16;not null"`
	// Status governs whether check-ins are accepted.
	Status UserStatus `json:"status" gorm:"column:status;size:16;not null;index"`
	// ProfileCompleted is set once the user has filled in their profile.
	ProfileCompleted bool `json:"profile_completed" gorm:"column:profile_completed"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = UserRoleUser
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	return nil
}

// CanCheckIn reports whether the account may claim daily rewards.
func (u *User) CanCheckIn() bool {
	return u.Status == UserStatusActive
}

func (u *User) IsAdmin() bool {
	return u.Role == UserRoleAdmin
}
