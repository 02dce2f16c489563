package models

import "time"

// NotificationLevel is the severity of an operational notification.
type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelWarning NotificationLevel = "warning"
	LevelError   NotificationLevel = "error"
)

// Notification is an operator-facing event (enrollment, sustained bottleneck).
type Notification struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	ServerID  *uint             `gorm:"index:idx_notification_code_server,priority:2" json:"server_id,omitempty"`
	Level     NotificationLevel `gorm:"size:16;not null" json:"level"`
	Code      string            `gorm:"size:64;index:idx_notification_code_server,priority:1" json:"code"`
	Title     string            `gorm:"size:128;not null" json:"title"`
	Message   string            `gorm:"size:512" json:"message"`
	IsRead    bool              `gorm:"not null;index" json:"is_read"`
	CreatedAt time.Time         `gorm:"index" json:"created_at"`
}
