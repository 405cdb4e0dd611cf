package repository

import (
	"context"
	"errors"
	"time"

	"paysupport/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRefundRequestNotFound = errors.New("退款协商记录不存在")
	ErrRefundStageConflict   = errors.New("退款协商阶段已变化")
)

type RefundRequestRepository struct {
	db *gorm.DB
}

func NewRefundRequestRepository(db *gorm.DB) *RefundRequestRepository {
	return &RefundRequestRepository{db: db}
}

// Upsert 开始（或重新开始）一次协商
//
// 新建时 negotiation_attempts = 0；已存在时阶段回到 reason_asked，但保留尝试次数，
// 否则"重新开始"就能绕过重复提交转人工的规则
func (r *RefundRequestRepository) Upsert(ctx context.Context, req *model.RefundRequest) (*model.RefundRequest, error) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "transaction_id"}, {Name: "channel_url"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"refund_stage":    model.RefundStageReasonAsked,
				"status":          model.RefundStatusPending,
				"final_decision":  "",
				"decision_reason": "",
				"updated_at":      time.Now(),
			}),
		}).
		Create(req).Error
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, req.UserID, req.TransactionID, req.ChannelURL)
}

func (r *RefundRequestRepository) Get(ctx context.Context, userID, txnID, channelURL string) (*model.RefundRequest, error) {
	var req model.RefundRequest
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND transaction_id = ? AND channel_url = ?", userID, txnID, channelURL).
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRefundRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

// Transition 以 (阶段, 尝试次数) 为乐观锁条件更新协商记录
// 调用方拿着读到的快照来更新，快照过期说明有并发请求已经处理过，返回 ErrRefundStageConflict
func (r *RefundRequestRepository) Transition(ctx context.Context, tx *gorm.DB, snapshot *model.RefundRequest, updates map[string]interface{}) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.RefundRequest{}).
		Where("id = ? AND user_id = ? AND refund_stage = ? AND negotiation_attempts = ?",
			snapshot.ID, snapshot.UserID, snapshot.RefundStage, snapshot.NegotiationAttempts).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrRefundStageConflict
	}

	return nil
}

// AssignRefundNo 给协商固定退款单号，已经有单号时保留原值
// 不改 updated_at，补偿任务的时间窗口不受影响；返回最终落库的单号
func (r *RefundRequestRepository) AssignRefundNo(ctx context.Context, id int64, refundNo string) (string, error) {
	err := r.db.WithContext(ctx).
		Model(&model.RefundRequest{}).
		Where("id = ? AND refund_no = ?", id, "").
		UpdateColumn("refund_no", refundNo).Error
	if err != nil {
		return "", err
	}

	var req model.RefundRequest
	if err := r.db.WithContext(ctx).Select("id", "refund_no").First(&req, id).Error; err != nil {
		return "", err
	}
	return req.RefundNo, nil
}

// CountApprovedSince 用户在时间点之后获批的现金退款数，即决策表里的"滥用分"
func (r *RefundRequestRepository) CountApprovedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.RefundRequest{}).
		Where("user_id = ? AND final_decision IN ? AND status IN ? AND updated_at >= ?",
			userID,
			[]string{"APPROVED", "PARTIAL"},
			[]string{model.RefundStatusApproved, model.RefundStatusRefunded},
			since).
		Count(&count).Error
	return count, err
}

// CountCreatedSince 用户在时间点之后发起的协商数
func (r *RefundRequestRepository) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.RefundRequest{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&count).Error
	return count, err
}

// GetStaleApproved 决策为全额退款、但停在 policy_evaluated 的协商
// 出现在执行中途进程退出或支付渠道调用失败之后，updated_at 落在 [after, before) 之间的才补偿
func (r *RefundRequestRepository) GetStaleApproved(ctx context.Context, after, before time.Time, limit int) ([]*model.RefundRequest, error) {
	var list []*model.RefundRequest
	err := r.db.WithContext(ctx).
		Where("refund_stage = ? AND status = ? AND updated_at >= ? AND updated_at < ?",
			model.RefundStagePolicyEvaluated, model.RefundStatusApproved, after, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}
