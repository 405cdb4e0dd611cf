package model

import "time"

const (
	EventSourceChat    = "chat"
	EventSourcePayment = "payment"
)

// ProcessedEvent 幂等台账，只追加不修改
// (source, event_id) 唯一索引是第二层去重的依据
type ProcessedEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Source    string    `gorm:"type:varchar(20);not null;uniqueIndex:ux_processed_event,priority:1" json:"source"`
	EventID   string    `gorm:"type:varchar(128);not null;uniqueIndex:ux_processed_event,priority:2" json:"event_id"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ProcessedEvent) TableName() string {
	return "processed_events"
}
