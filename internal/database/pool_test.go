package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)

	return mockDB, mock, gormDB
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    5,
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

func TestNewPoolManager(t *testing.T) {
	mockDB, _, gormDB := setupMockDB(t)
	defer mockDB.Close()

	pm, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, pm.DB())
	assert.Equal(t, 10, pm.Stats().MaxOpenConnections)
}

func TestNewPoolManager_NilDB(t *testing.T) {
	_, err := NewPoolManager(nil, testPoolConfig(), zap.NewNop())
	require.Error(t, err)
}

func TestPoolManager_PingAndClose(t *testing.T) {
	mockDB, mock, gormDB := setupMockDB(t)
	defer mockDB.Close()
	mock.ExpectClose()

	pm, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close(), "double close is a no-op")

	err = pm.Ping(context.Background())
	assert.EqualError(t, err, "pool is closed")
}

func TestPoolManager_WithTransaction(t *testing.T) {
	mockDB, mock, gormDB := setupMockDB(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE workflows").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pm, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	err = pm.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return tx.Exec("UPDATE workflows SET updated_at = now()").Error
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRollsBackOnError(t *testing.T) {
	mockDB, mock, gormDB := setupMockDB(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	pm, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	wantErr := errors.New("validation failed")
	err = pm.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry_RetriesDeadlocks(t *testing.T) {
	mockDB, mock, gormDB := setupMockDB(t)
	defer mockDB.Close()

	// Two deadlocked attempts, then success.
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}
	mock.ExpectBegin()
	mock.ExpectCommit()

	pm, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	attempts := 0
	err = pm.WithTransactionRetry(context.Background(), 5, func(tx *gorm.DB) error {
		attempts++
		if attempts <= 2 {
			return errors.New("deadlock detected")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPoolManager_WithTransactionRetry_StopsOnPermanentError(t *testing.T) {
	mockDB, mock, gormDB := setupMockDB(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	pm, err := NewPoolManager(gormDB, testPoolConfig(), zap.NewNop())
	require.NoError(t, err)

	attempts := 0
	err = pm.WithTransactionRetry(context.Background(), 5, func(tx *gorm.DB) error {
		attempts++
		return errors.New("syntax error")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("deadlock detected"), true},
		{errors.New("serialization failure"), true},
		{errors.New("SQLSTATE 40001"), true},
		{errors.New("connection reset by peer"), true},
		{errors.New("connection refused"), true},
		{errors.New("broken pipe"), true},
		{errors.New("lock wait timeout exceeded"), true},
		{errors.New("driver: bad connection"), true},
		{errors.New("syntax error at or near"), false},
		{errors.New("duplicate key value"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isRetryableError(tc.err), "%v", tc.err)
	}
}

func TestOpen_MemoryDriver(t *testing.T) {
	db, err := Open(DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, db)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.NoError(t, sqlDB.Ping())
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
