package repository

import (
	"context"
	"errors"

	"paysupport/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Save 整行覆盖写入会话状态
func (r *ConversationRepository) Save(ctx context.Context, state *model.ConversationState) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_url"}},
			UpdateAll: true,
		}).
		Create(state).Error
}

// Get 查不到时返回 nil, nil
func (r *ConversationRepository) Get(ctx context.Context, channelURL, userID string) (*model.ConversationState, error) {
	var state model.ConversationState
	err := r.db.WithContext(ctx).
		Where("channel_url = ? AND user_id = ?", channelURL, userID).
		First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

func (r *ConversationRepository) UpdateEscalationStatus(ctx context.Context, channelURL, status string) error {
	return r.db.WithContext(ctx).
		Model(&model.ConversationState{}).
		Where("channel_url = ?", channelURL).
		Update("escalation_status", status).Error
}
