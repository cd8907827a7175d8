package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/pkg/logger"
	"github.com/dedata/checkpay/pkg/validation"
)

// Options configure wallet sign-in.
type Options struct {
	JWTSecret string
	// TokenTTL is the lifetime of issued session tokens.
	TokenTTL time.Duration
	// NonceTTL is how long a login challenge may be signed.
	NonceTTL time.Duration
	// ChainID is recorded on new users that do not name a chain.
	ChainID int64
}

// Service signs wallets in with a signed nonce and registers them on first sign-in.
type Service struct {
	logger *logger.Logger
	repo   models.Repository
	opts   Options
	now    func() time.Time
}

var _ models.AuthService = (*Service)(nil)

func NewService(repo models.Repository, opts Options, logger *logger.Logger) *Service {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.NonceTTL <= 0 {
		opts.NonceTTL = 5 * time.Minute
	}
	if opts.ChainID <= 0 {
		opts.ChainID = 1
	}
	return &Service{
		logger: logger,
		repo:   repo,
		opts:   opts,
		now:    time.Now,
	}
}

func (s *Service) Nonce(ctx context.Context, walletAddress string) (*models.LoginChallenge, error) {
	wallet, err := validation.ValidateAndNormalizeAddress(walletAddress)
	if err != nil {
		return nil, models.ErrInvalidAddress.Wrap(err)
	}
	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	challenge := &models.LoginChallenge{
		Nonce:         nonce,
		WalletAddress: wallet,
		Message:       SignInMessage(nonce),
		ExpiresAt:     s.now().Add(s.opts.NonceTTL).UTC(),
	}
	if err := s.repo.CreateLoginChallenge(ctx, challenge); err != nil {
		return nil, err
	}
	s.logger.Debug("Login challenge issued", "wallet", wallet, "expiresAt", challenge.ExpiresAt)
	return challenge, nil
}

func (s *Service) SignIn(ctx context.Context, req models.SignInRequest) (*models.Session, error) {
	wallet, err := validation.ValidateAndNormalizeAddress(req.WalletAddress)
	if err != nil {
		return nil, models.ErrInvalidAddress.Wrap(err)
	}
	now := s.now()

	challenge, err := s.repo.GetLoginChallenge(ctx, req.Nonce)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrInvalidNonce
	}
	if err != nil {
		return nil, err
	}
	switch {
	case challenge.UsedAt != nil:
		return nil, models.ErrInvalidNonce.WithDetail("nonce has already been used")
	case !now.Before(challenge.ExpiresAt):
		return nil, models.ErrInvalidNonce.WithDetail("nonce has expired")
	case challenge.WalletAddress != wallet:
		s.logger.Warn("Nonce presented by another wallet", "issuedTo", challenge.WalletAddress, "wallet", wallet)
		return nil, models.ErrInvalidNonce.WithDetail("nonce was issued to another wallet")
	}

	signer, err := RecoverSigner(challenge.Message, req.Signature)
	if err != nil {
		return nil, models.ErrInvalidSignature.Wrap(err)
	}
	if !strings.EqualFold(signer.Hex(), wallet) {
		s.logger.Warn("Signature does not match wallet", "wallet", wallet, "signer", signer.Hex())
		return nil, models.ErrInvalidSignature.WithDetail("signature was not made by %s", wallet)
	}

	used, err := s.repo.UseLoginChallenge(ctx, challenge.Nonce, now)
	if err != nil {
		return nil, err
	}
	if !used {
		return nil, models.ErrInvalidNonce.WithDetail("nonce has already been used")
	}

	user, created, err := s.findOrRegister(ctx, wallet, req.ChainID)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := IssueToken([]byte(s.opts.JWTSecret), user, s.opts.TokenTTL, now)
	if err != nil {
		return nil, err
	}

	if err := s.repo.AppendActivity(ctx, &models.ActivityLog{
		UserID:  user.ID,
		Type:    models.ActivityAuthorization,
		Status:  "SIGNED_IN",
		Message: "wallet signature verified",
		Metadata: map[string]interface{}{
			"walletAddress": wallet,
			"did":           user.DID,
			"registered":    created,
		},
	}); err != nil {
		s.logger.Error("Failed to append activity", "type", models.ActivityAuthorization, "error", err)
	}

	s.logger.Info("User signed in", "userId", user.ID, "did", user.DID, "registered", created)
	return &models.Session{Token: token, ExpiresAt: expiresAt, User: user, Created: created}, nil
}

func (s *Service) findOrRegister(ctx context.Context, wallet string, chainID int64) (*models.User, bool, error) {
	user, err := s.repo.GetUserByWallet(ctx, wallet)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, false, err
	}

	if chainID <= 0 {
		chainID = s.opts.ChainID
	}
	did, err := validation.DeriveDID(wallet, chainID)
	if err != nil {
		return nil, false, models.ErrInvalidAddress.Wrap(err)
	}
	user = &models.User{
		DID:           did,
		WalletAddress: wallet,
		ChainID:       chainID,
		Role:          models.UserRoleUser,
		Status:        models.UserStatusActive,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		// a concurrent sign-in of the same wallet may have won
		if existing, gerr := s.repo.GetUserByWallet(ctx, wallet); gerr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	return user, true, nil
}
