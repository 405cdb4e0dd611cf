package repository

import (
	"context"
	"errors"
	"time"

	"paysupport/internal/model"

	"gorm.io/gorm"
)

var ErrDuplicateEvent = errors.New("事件已处理")

type ProcessedEventRepository struct {
	db *gorm.DB
}

func NewProcessedEventRepository(db *gorm.DB) *ProcessedEventRepository {
	return &ProcessedEventRepository{db: db}
}

// Insert 写入幂等台账，唯一键冲突返回 ErrDuplicateEvent
func (r *ProcessedEventRepository) Insert(ctx context.Context, event *model.ProcessedEvent) error {
	err := r.db.WithContext(ctx).Create(event).Error
	if isDuplicateKey(err) {
		return ErrDuplicateEvent
	}
	return err
}

// Delete 撤销一条登记，处理失败后让重投的事件可以再处理
func (r *ProcessedEventRepository) Delete(ctx context.Context, source, eventID string) error {
	return r.db.WithContext(ctx).
		Where("source = ? AND event_id = ?", source, eventID).
		Delete(&model.ProcessedEvent{}).Error
}

// DeleteExpired 分批清理过期台账
func (r *ProcessedEventRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.ProcessedEvent{}).
		Where("expires_at < ?", now).
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	result := r.db.WithContext(ctx).Delete(&model.ProcessedEvent{}, ids)
	return result.RowsAffected, result.Error
}
