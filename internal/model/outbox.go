package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 冲突记录交给外部处理流程的消息
//
// 与 flagConflict 在同一个数据库事务内写入，由 ConflictOutboxSender 投递到 Kafka
type OutboxMessage struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey    string     `gorm:"type:varchar(64);index;not null" json:"message_key"`
	RecordID      string     `gorm:"type:varchar(64);index;not null" json:"record_id"`
	ReceiptNumber string     `gorm:"type:varchar(64)" json:"receipt_number"`
	Topic         string     `gorm:"type:varchar(64);not null" json:"topic"`
	Payload       string     `gorm:"type:text;not null" json:"payload"`
	Status        string     `gorm:"type:varchar(20);index;not null" json:"status"`
	RetryCount    int        `gorm:"not null" json:"retry_count"`
	LastError     string     `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "conflict_outbox"
}

// ConflictEvent 投递给冲突处理流程的消息体
type ConflictEvent struct {
	RecordID      string    `json:"record_id"`
	ReceiptNumber string    `json:"receipt_number"`
	StoreID       string    `json:"store_id"`
	DeviceID      string    `json:"device_id,omitempty"`
	Total         string    `json:"total"`
	Payload       []byte    `json:"payload"`
	FlaggedAt     time.Time `json:"flagged_at"`
}
