package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/pkg/logger"
)

type PostgresDB struct {
	logger *logger.Logger

	Conn *gorm.DB
}

// NewPostgresDB connects to PostgreSQL and migrates the schema.
func NewPostgresDB(dsn string, logger *logger.Logger) (*PostgresDB, error) {
	db, err := New(postgres.Open(dsn), logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Successfully connected to PostgreSQL!")
	return db, nil
}

// New opens the store on any GORM dialector and migrates the schema.
func New(dialector gorm.Dialector, logger *logger.Logger) (*PostgresDB, error) {
	// Configure GORM logger to suppress "record not found" messages
	gormLogger := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %s", err)
	}

	db := &PostgresDB{Conn: conn, logger: logger}
	if err := db.Migrate(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *PostgresDB) Migrate() error {
	if err := db.Conn.AutoMigrate(&models.User{}, &models.CheckIn{}, &models.TokenPayout{}, &models.ActivityLog{}, &models.AppLock{}, &models.LoginChallenge{}); err != nil {
		return fmt.Errorf("failed to auto-migrate models: %s", err)
	}
	return nil
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %s", err)
	}
	return sqlDB.PingContext(ctx)
}

func (db *PostgresDB) Close() error {
	sqlDB, err := db.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %s", err)
	}
	return sqlDB.Close()
}

func (db *PostgresDB) CreateUser(ctx context.Context, user *models.User) error {
	if err := db.Conn.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user with this wallet or DID already exists: %w", err)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := db.Conn.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, notFound(err, "failed to get user")
	}
	return &user, nil
}

func (db *PostgresDB) GetUserByDID(ctx context.Context, did string) (*models.User, error) {
	var user models.User
	if err := db.Conn.WithContext(ctx).Where("did = ?", did).First(&user).Error; err != nil {
		return nil, notFound(err, "failed to get user by DID")
	}
	return &user, nil
}

func (db *PostgresDB) GetUserByWallet(ctx context.Context, walletAddress string) (*models.User, error) {
	var user models.User
	if err := db.Conn.WithContext(ctx).Where("wallet_address = ?", walletAddress).First(&user).Error; err != nil {
		return nil, notFound(err, "failed to get user by wallet")
	}
	return &user, nil
}

func (db *PostgresDB) CreateLoginChallenge(ctx context.Context, challenge *models.LoginChallenge) error {
	return db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("wallet_address = ? AND expires_at < ?", challenge.WalletAddress, time.Now().UTC()).
			Delete(&models.LoginChallenge{}).Error; err != nil {
			return fmt.Errorf("failed to drop expired login challenges: %w", err)
		}
		if err := tx.Create(challenge).Error; err != nil {
			return fmt.Errorf("failed to create login challenge: %w", err)
		}
		return nil
	})
}

func (db *PostgresDB) GetLoginChallenge(ctx context.Context, nonce string) (*models.LoginChallenge, error) {
	var challenge models.LoginChallenge
	if err := db.Conn.WithContext(ctx).Where("nonce = ?", nonce).First(&challenge).Error; err != nil {
		return nil, notFound(err, "failed to get login challenge")
	}
	return &challenge, nil
}

func (db *PostgresDB) UseLoginChallenge(ctx context.Context, nonce string, at time.Time) (bool, error) {
	at = at.UTC()
	res := db.Conn.WithContext(ctx).Model(&models.LoginChallenge{}).
		Where("nonce = ? AND used_at IS NULL AND expires_at > ?", nonce, at).
		Update("used_at", at)
	if res.Error != nil {
		return false, fmt.Errorf("failed to use login challenge: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *PostgresDB) FindCheckIn(ctx context.Context, userID string, day time.Time) (*models.CheckIn, error) {
	var checkIn models.CheckIn
	if err := db.Conn.WithContext(ctx).Where("user_id = ? AND date = ?", userID, day).First(&checkIn).Error; err != nil {
		return nil, notFound(err, "failed to find check-in")
	}
	return &checkIn, nil
}

func (db *PostgresDB) GetCheckIn(ctx context.Context, id string) (*models.CheckIn, error) {
	var checkIn models.CheckIn
	if err := db.Conn.WithContext(ctx).Where("id = ?", id).First(&checkIn).Error; err != nil {
		return nil, notFound(err, "failed to get check-in")
	}
	return &checkIn, nil
}

func (db *PostgresDB) ListCheckIns(ctx context.Context, userID string, limit, offset int) ([]*models.CheckIn, int64, error) {
	var total int64
	query := db.Conn.WithContext(ctx).Model(&models.CheckIn{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count check-ins: %w", err)
	}

	var checkIns []*models.CheckIn
	if err := db.Conn.WithContext(ctx).Where("user_id = ?", userID).
		Order("date DESC").Limit(limit).Offset(offset).
		Find(&checkIns).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list check-ins: %w", err)
	}
	return checkIns, total, nil
}

func (db *PostgresDB) CreateCheckInWithPayout(ctx context.Context, checkIn *models.CheckIn, payout *models.TokenPayout) error {
	return db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(checkIn).Error; err != nil {
			if isUniqueViolation(err) {
				return models.ErrAlreadyCheckedIn
			}
			return fmt.Errorf("failed to create check-in: %w", err)
		}

		payout.CheckInID = &checkIn.ID
		if err := tx.Create(payout).Error; err != nil {
			return fmt.Errorf("failed to create payout: %w", err)
		}

		if err := tx.Model(&models.CheckIn{}).Where("id = ?", checkIn.ID).Update("payout_id", payout.ID).Error; err != nil {
			return fmt.Errorf("failed to link payout to check-in: %w", err)
		}
		checkIn.PayoutID = &payout.ID

		metadata := map[string]interface{}{
			"checkInId": checkIn.ID,
			"payoutId":  payout.ID,
			"amount":    payout.Amount,
			"date":      checkIn.Date.Format(time.DateOnly),
		}
		if checkIn.PaymentOrderID != nil {
			metadata["paymentOrderId"] = *checkIn.PaymentOrderID
		}
		return appendActivity(tx, &models.ActivityLog{
			UserID:   checkIn.UserID,
			Type:     models.ActivityCheckIn,
			Status:   string(models.CheckInStatusPending),
			Message:  "daily check-in recorded",
			Metadata: metadata,
		})
	})
}

func (db *PostgresDB) GetPayout(ctx context.Context, id string) (*models.TokenPayout, error) {
	var payout models.TokenPayout
	if err := db.Conn.WithContext(ctx).Where("id = ?", id).First(&payout).Error; err != nil {
		return nil, notFound(err, "failed to get payout")
	}
	return &payout, nil
}

func (db *PostgresDB) RequeuePayout(ctx context.Context, id string, expectedRetryCount int, from []models.PayoutStatus) (*models.TokenPayout, error) {
	var payout models.TokenPayout
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.TokenPayout{}).
			Where("id = ? AND retry_count = ? AND status IN ?", id, expectedRetryCount, from).
			Updates(map[string]interface{}{
				"status":       models.PayoutStatusQueued,
				"retry_count":  gorm.Expr("retry_count + 1"),
				"error_reason": nil,
				"processed_at": nil,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to requeue payout: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrPayoutInFlight.WithDetail("payout %s changed while retrying", id)
		}

		if err := tx.Where("id = ?", id).First(&payout).Error; err != nil {
			return fmt.Errorf("failed to reload payout: %w", err)
		}

		if payout.CheckInID != nil {
			if err := tx.Model(&models.CheckIn{}).Where("id = ? AND status = ?", *payout.CheckInID, models.CheckInStatusFailed).
				Update("status", models.CheckInStatusPending).Error; err != nil {
				return fmt.Errorf("failed to reopen check-in: %w", err)
			}
		}

		return appendActivity(tx, &models.ActivityLog{
			UserID:  payout.UserID,
			Type:    models.ActivityPayoutRetry,
			Status:  string(models.PayoutStatusQueued),
			Message: "payout retry requested",
			Metadata: map[string]interface{}{
				"payoutId":   payout.ID,
				"retryCount": payout.RetryCount,
				"amount":     payout.Amount,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

func (db *PostgresDB) ClaimPayout(ctx context.Context, id string) (bool, error) {
	res := db.Conn.WithContext(ctx).Model(&models.TokenPayout{}).
		Where("id = ? AND status = ?", id, models.PayoutStatusQueued).
		Update("status", models.PayoutStatusProcessing)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim payout: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (db *PostgresDB) RecordBroadcast(ctx context.Context, id string, broadcast *models.Broadcast) error {
	updates := map[string]interface{}{"tx_hash": broadcast.TxHash, "raw_tx": nil}
	if broadcast.RawTx != "" {
		updates["raw_tx"] = broadcast.RawTx
	}
	res := db.Conn.WithContext(ctx).Model(&models.TokenPayout{}).
		Where("id = ? AND status = ?", id, models.PayoutStatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to record broadcast: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("failed to record broadcast: payout %s is not processing", id)
	}
	return nil
}

func (db *PostgresDB) CompletePayout(ctx context.Context, id, txHash string) error {
	return db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payout, err := loadProcessing(tx, id)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.Model(&models.TokenPayout{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":       models.PayoutStatusSuccess,
			"tx_hash":      txHash,
			"error_reason": nil,
			"processed_at": now,
		}).Error; err != nil {
			return fmt.Errorf("failed to complete payout: %w", err)
		}

		if payout.CheckInID != nil {
			if err := tx.Model(&models.CheckIn{}).Where("id = ?", *payout.CheckInID).
				Update("status", models.CheckInStatusSuccess).Error; err != nil {
				return fmt.Errorf("failed to complete check-in: %w", err)
			}
		}

		return appendActivity(tx, &models.ActivityLog{
			UserID:  payout.UserID,
			Type:    models.ActivityPayout,
			Status:  string(models.PayoutStatusSuccess),
			Message: "payout confirmed on-chain",
			Metadata: map[string]interface{}{
				"payoutId":   payout.ID,
				"checkInId":  deref(payout.CheckInID),
				"txHash":     txHash,
				"amount":     payout.Amount,
				"retryCount": payout.RetryCount,
			},
		})
	})
}

func (db *PostgresDB) FailPayout(ctx context.Context, id string, failure models.PayoutFailure) error {
	return db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payout, err := loadProcessing(tx, id)
		if err != nil {
			return err
		}

		status := models.PayoutStatusFailed
		if failure.Permanent {
			status = models.PayoutStatusFailedPermanent
		}
		updates := map[string]interface{}{
			"status":       status,
			"error_reason": failure.Reason,
			"processed_at": time.Now().UTC(),
		}
		if failure.TxHash != "" {
			updates["tx_hash"] = failure.TxHash
		}
		if err := tx.Model(&models.TokenPayout{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to fail payout: %w", err)
		}

		if payout.CheckInID != nil {
			if err := tx.Model(&models.CheckIn{}).Where("id = ?", *payout.CheckInID).
				Update("status", models.CheckInStatusFailed).Error; err != nil {
				return fmt.Errorf("failed to fail check-in: %w", err)
			}
		}

		metadata := map[string]interface{}{
			"payoutId":   payout.ID,
			"checkInId":  deref(payout.CheckInID),
			"error":      failure.Reason,
			"amount":     payout.Amount,
			"retryCount": payout.RetryCount,
			"permanent":  failure.Permanent,
		}
		if failure.TxHash != "" {
			metadata["txHash"] = failure.TxHash
		}
		return appendActivity(tx, &models.ActivityLog{
			UserID:   payout.UserID,
			Type:     models.ActivityPayout,
			Status:   string(status),
			Message:  failure.Reason,
			Metadata: metadata,
		})
	})
}

func (db *PostgresDB) FindRecoverablePayouts(ctx context.Context, since time.Time) ([]*models.TokenPayout, error) {
	var payouts []*models.TokenPayout
	if err := db.Conn.WithContext(ctx).
		Where("status IN ? AND created_at >= ?", []models.PayoutStatus{models.PayoutStatusQueued, models.PayoutStatusProcessing}, since).
		Order("created_at ASC").
		Find(&payouts).Error; err != nil {
		return nil, fmt.Errorf("failed to find recoverable payouts: %w", err)
	}
	return payouts, nil
}

func (db *PostgresDB) FindStalledPayouts(ctx context.Context, since, idleBefore time.Time) ([]*models.TokenPayout, error) {
	var payouts []*models.TokenPayout
	if err := db.Conn.WithContext(ctx).
		Where("status = ? AND created_at >= ? AND updated_at < ?", models.PayoutStatusQueued, since, idleBefore).
		Order("created_at ASC").
		Find(&payouts).Error; err != nil {
		return nil, fmt.Errorf("failed to find stalled payouts: %w", err)
	}
	return payouts, nil
}

func (db *PostgresDB) ResetPayoutToQueued(ctx context.Context, id string) error {
	res := db.Conn.WithContext(ctx).Model(&models.TokenPayout{}).
		Where("id = ? AND status IN ?", id, []models.PayoutStatus{models.PayoutStatusQueued, models.PayoutStatusProcessing}).
		Updates(map[string]interface{}{
			"status":       models.PayoutStatusQueued,
			"error_reason": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reset payout: %w", res.Error)
	}
	return nil
}

func (db *PostgresDB) FailStaleCheckIns(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	swept := 0
	err := db.Conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []*models.CheckIn
		if err := tx.Where("status = ? AND updated_at < ?", models.CheckInStatusPending, cutoff).Find(&stale).Error; err != nil {
			return fmt.Errorf("failed to find stale check-ins: %w", err)
		}

		for _, checkIn := range stale {
			var payout *models.TokenPayout
			if checkIn.PayoutID != nil {
				var p models.TokenPayout
				err := tx.Where("id = ?", *checkIn.PayoutID).First(&p).Error
				switch {
				case err == nil:
					payout = &p
				case !errors.Is(err, gorm.ErrRecordNotFound):
					return fmt.Errorf("failed to load payout of stale check-in: %w", err)
				}
			}
			// a transfer may be in the air, leave it to the worker
			if payout != nil && payout.Status == models.PayoutStatusProcessing {
				continue
			}

			if payout != nil && payout.Status == models.PayoutStatusQueued {
				res := tx.Model(&models.TokenPayout{}).
					Where("id = ? AND status = ?", payout.ID, models.PayoutStatusQueued).
					Updates(map[string]interface{}{
						"status":       models.PayoutStatusFailed,
						"error_reason": reason,
						"processed_at": time.Now().UTC(),
					})
				if res.Error != nil {
					return fmt.Errorf("failed to expire payout: %w", res.Error)
				}
				// claimed by the worker since it was read
				if res.RowsAffected == 0 {
					continue
				}
			}

			if err := tx.Model(&models.CheckIn{}).Where("id = ? AND status = ?", checkIn.ID, models.CheckInStatusPending).
				Update("status", models.CheckInStatusFailed).Error; err != nil {
				return fmt.Errorf("failed to expire check-in: %w", err)
			}

			if err := appendActivity(tx, &models.ActivityLog{
				UserID:  checkIn.UserID,
				Type:    models.ActivityCheckIn,
				Status:  string(models.CheckInStatusFailed),
				Message: reason,
				Metadata: map[string]interface{}{
					"checkInId": checkIn.ID,
					"payoutId":  deref(checkIn.PayoutID),
					"date":      checkIn.Date.Format(time.DateOnly),
				},
			}); err != nil {
				return err
			}
			swept++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}

func (db *PostgresDB) AppendActivity(ctx context.Context, entry *models.ActivityLog) error {
	return appendActivity(db.Conn.WithContext(ctx), entry)
}

func (db *PostgresDB) AcquireLock(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl).Unix()

	res := db.Conn.WithContext(ctx).Model(&models.AppLock{}).
		Where("lock_name = ? AND (instance_id = ? OR expires_at <= ?)", name, instanceID, now.Unix()).
		Updates(map[string]interface{}{
			"instance_id": instanceID,
			"acquired_at": now.Unix(),
			"expires_at":  expires,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to take over lock: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	err := db.Conn.WithContext(ctx).Create(&models.AppLock{
		LockName:   name,
		InstanceID: instanceID,
		AcquiredAt: now.Unix(),
		ExpiresAt:  expires,
	}).Error
	if err == nil {
		return true, nil
	}
	if isUniqueViolation(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to create lock: %w", err)
}

func (db *PostgresDB) ReleaseLock(ctx context.Context, name, instanceID string) error {
	if err := db.Conn.WithContext(ctx).
		Where("lock_name = ? AND instance_id = ?", name, instanceID).
		Delete(&models.AppLock{}).Error; err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func appendActivity(tx *gorm.DB, entry *models.ActivityLog) error {
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append activity log: %w", err)
	}
	return nil
}

// loadProcessing loads a payout that must currently be PROCESSING.
func loadProcessing(tx *gorm.DB, id string) (*models.TokenPayout, error) {
	var payout models.TokenPayout
	if err := tx.Where("id = ?", id).First(&payout).Error; err != nil {
		return nil, notFound(err, "failed to load payout")
	}
	if payout.Status != models.PayoutStatusProcessing {
		return nil, fmt.Errorf("payout %s is %s, expected %s", id, payout.Status, models.PayoutStatusProcessing)
	}
	return &payout, nil
}

func notFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ErrNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
