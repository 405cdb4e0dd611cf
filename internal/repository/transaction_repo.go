package repository

import (
	"context"
	"errors"
	"time"

	"paysupport/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound      = errors.New("交易不存在")
	ErrTransactionStatusInvalid = errors.New("交易状态不合法")
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.Transaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// GetByIDForUser 按交易号查询，必须同时匹配用户，查不到和不属于该用户返回同一个错误
func (r *TransactionRepository) GetByIDForUser(ctx context.Context, id, userID string) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// LatestRefundable 用户最近一笔可退款的交易
func (r *TransactionRepository) LatestRefundable(ctx context.Context, userID string) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, model.TransactionStatusSuccess).
		Order("created_at DESC").
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// ListByUserBetween 查询用户在时间区间内的成功交易，用于重复扣款核验
func (r *TransactionRepository) ListByUserBetween(ctx context.Context, userID string, from, to time.Time) ([]*model.Transaction, error) {
	var list []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ? AND created_at >= ? AND created_at <= ?",
			userID, []string{model.TransactionStatusSuccess, model.TransactionStatusRefunded}, from, to).
		Order("created_at ASC").
		Find(&list).Error
	return list, err
}

// FirstTransactionAt 用户第一笔交易的时间，近似为账户创建时间
func (r *TransactionRepository) FirstTransactionAt(ctx context.Context, userID string) (time.Time, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, ErrTransactionNotFound
		}
		return time.Time{}, err
	}
	return trans.CreatedAt, nil
}

// UpdateStatus 条件更新交易状态，WHERE 带上原状态，并发下只有一个请求能成功
// extra 为同时更新的其他列，可以为 nil
func (r *TransactionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id, userID, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrTransactionStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{"status": toStatus}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND user_id = ? AND status = ?", id, userID, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTransactionStatusInvalid
	}

	return nil
}

// MarkRefunded success -> refunded，同时记录实际退款金额
//
// 【关键点】这是退款"至多一次"的保证：两个并发的退款执行只有一个能把状态从 success 改掉，
// 另一个拿到 RowsAffected=0，必须放弃调用支付渠道
func (r *TransactionRepository) MarkRefunded(ctx context.Context, tx *gorm.DB, id, userID string, amount decimal.Decimal) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND user_id = ? AND status = ?", id, userID, model.TransactionStatusSuccess).
		Updates(map[string]interface{}{
			"status":          model.TransactionStatusRefunded,
			"refunded_amount": amount,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTransactionStatusInvalid
	}

	return nil
}
