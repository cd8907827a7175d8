// Package repotest opens throwaway stores backed by in-memory SQLite.
package repotest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"

	"github.com/dedata/checkpay/internal/models"
	"github.com/dedata/checkpay/internal/repository"
	"github.com/dedata/checkpay/pkg/logger"
)

var seq atomic.Int64

// Open returns a migrated store private to the test.
func Open(t testing.TB) *repository.PostgresDB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))
	db, err := repository.New(sqlite.Open(dsn), logger.NewNop())
	require.NoError(t, err)

	sqlDB, err := db.Conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewUser stores an active user with a valid wallet.
func NewUser(t testing.TB, db *repository.PostgresDB, wallet string) *models.User {
	t.Helper()
	user := &models.User{
		DID:           "did:pkh:eip155:137:" + strings.ToLower(wallet),
		WalletAddress: strings.ToLower(wallet),
		ChainID:       137,
	}
	require.NoError(t, db.Conn.Create(user).Error)
	return user
}

// ActivityCount counts activity entries of a type that mention the payout.
func ActivityCount(t testing.TB, db *repository.PostgresDB, typ models.ActivityType, payoutID string) int {
	t.Helper()
	var logs []models.ActivityLog
	require.NoError(t, db.Conn.Where("type = ?", typ).Find(&logs).Error)
	n := 0
	for _, l := range logs {
		if l.Metadata["payoutId"] == payoutID {
			n++
		}
	}
	return n
}
