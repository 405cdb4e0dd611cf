package repository

import (
	"context"
	"errors"

	"paysupport/internal/model"

	"gorm.io/gorm"
)

type ChannelMappingRepository struct {
	db *gorm.DB
}

func NewChannelMappingRepository(db *gorm.DB) *ChannelMappingRepository {
	return &ChannelMappingRepository{db: db}
}

func (r *ChannelMappingRepository) Create(ctx context.Context, m *model.ChannelMapping) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// GetByCustomerChannel 查不到时返回 nil, nil
func (r *ChannelMappingRepository) GetByCustomerChannel(ctx context.Context, userID, channelURL string) (*model.ChannelMapping, error) {
	var m model.ChannelMapping
	err := r.db.WithContext(ctx).
		Where("customer_channel_url = ? AND user_id = ?", channelURL, userID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// GetByTicketChannel 坐席侧消息只知道工单会话，查不到时返回 nil, nil
func (r *ChannelMappingRepository) GetByTicketChannel(ctx context.Context, channelURL string) (*model.ChannelMapping, error) {
	var m model.ChannelMapping
	err := r.db.WithContext(ctx).
		Where("ticket_channel_url = ?", channelURL).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *ChannelMappingRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&model.ChannelMapping{}, id).Error
}

// ListAll 进程启动时重建内存中的升级状态
func (r *ChannelMappingRepository) ListAll(ctx context.Context) ([]*model.ChannelMapping, error) {
	var list []*model.ChannelMapping
	err := r.db.WithContext(ctx).Order("id ASC").Find(&list).Error
	return list, err
}
