package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"paysupport/internal/model"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return db, mock
}

func TestIsDuplicateKey(t *testing.T) {
	assert.False(t, isDuplicateKey(nil))
	assert.True(t, isDuplicateKey(gorm.ErrDuplicatedKey))
	assert.True(t, isDuplicateKey(fmt.Errorf("insert: %w", &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry"})))
	assert.False(t, isDuplicateKey(&mysqldriver.MySQLError{Number: 1213, Message: "Deadlock found"}))
	assert.True(t, isDuplicateKey(errors.New("constraint failed: UNIQUE constraint failed: processed_events.source (2067)")))
	assert.False(t, isDuplicateKey(errors.New("connection refused")))
}

func TestProcessedEventRepository_InsertDuplicate(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProcessedEventRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `processed_events`").
		WillReturnError(&mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry 'chat-m1'"})
	mock.ExpectRollback()

	err := repo.Insert(context.Background(), &model.ProcessedEvent{Source: "chat", EventID: "m1", ExpiresAt: time.Now()})
	assert.ErrorIs(t, err, ErrDuplicateEvent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessedEventRepository_InsertOtherError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewProcessedEventRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `processed_events`").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.Insert(context.Background(), &model.ProcessedEvent{Source: "chat", EventID: "m1", ExpiresAt: time.Now()})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateEvent)
}

func TestRefundRequestRepository_TransitionConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRefundRequestRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `refund_requests` SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	snapshot := &model.RefundRequest{ID: 7, UserID: "u1", RefundStage: model.RefundStageReasonAsked}
	err := repo.Transition(context.Background(), nil, snapshot, map[string]interface{}{
		"refund_stage": model.RefundStagePolicyEvaluated,
	})
	assert.ErrorIs(t, err, ErrRefundStageConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundRequestRepository_TransitionApplied(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRefundRequestRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `refund_requests` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	snapshot := &model.RefundRequest{ID: 7, UserID: "u1", RefundStage: model.RefundStageReasonAsked}
	err := repo.Transition(context.Background(), nil, snapshot, map[string]interface{}{
		"refund_stage": model.RefundStagePolicyEvaluated,
	})
	assert.NoError(t, err)
}

func TestTransactionRepository_MarkRefundedOnlyOnce(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTransactionRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `transactions` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `transactions` SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ctx := context.Background()
	amount := decimal.NewFromInt(50)
	assert.NoError(t, repo.MarkRefunded(ctx, nil, "TXN100001", "u1", amount))
	assert.ErrorIs(t, repo.MarkRefunded(ctx, nil, "TXN100001", "u1", amount), ErrTransactionStatusInvalid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionRepository_UpdateStatusRejectsInvalidTransition(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTransactionRepository(db)

	err := repo.UpdateStatus(context.Background(), nil, "TXN100001", "u1",
		model.TransactionStatusRefunded, model.TransactionStatusSuccess, nil)
	assert.ErrorIs(t, err, ErrTransactionStatusInvalid)
	// 非法迁移不访问数据库
	assert.NoError(t, mock.ExpectationsWereMet())
}
