package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LoginChallenge is a single-use nonce a wallet signs to sign in.
type LoginChallenge struct {
	ID string `json:"-" gorm:"column:id;primaryKey;type:uuid"`
	// Nonce is the random value embedded in Message.
	Nonce string `json:"nonce" gorm:"column:nonce;uniqueIndex;size:64;not null"`
	// WalletAddress is the lowercase address the nonce was issued to.
	WalletAddress string `json:"wallet_address" gorm:"column:wallet_address;size:42;not null;index"`
	// Message is the exact text the wallet has to sign.
	Message   string     `json:"message" gorm:"column:message;type:text;not null"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"column:expires_at;not null;index"`
	UsedAt    *time.Time `json:"-" gorm:"column:used_at"`

	CreatedAt time.Time `json:"-" gorm:"column:created_at"`
}

func (c *LoginChallenge) BeforeCreate(*gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// SignInRequest carries a signed login challenge.
type SignInRequest struct {
	WalletAddress string
	Nonce         string
	// Signature is the 65 byte personal_sign signature over the challenge message, hex encoded.
	Signature string
	// ChainID is recorded on users created by this sign-in. Zero selects the default chain.
	ChainID int64
}

// Session is the outcome of a successful sign-in.
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      *User
	// Created is set when the sign-in registered the user.
	Created bool
}

// AuthService signs users in with their wallet.
type AuthService interface {
	// Nonce issues a login challenge for a wallet.
	Nonce(ctx context.Context, walletAddress string) (*LoginChallenge, error)
	// SignIn verifies a signed challenge, registers the wallet on first use and issues a token.
	SignIn(ctx context.Context, req SignInRequest) (*Session, error)
}
