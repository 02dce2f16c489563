package store

import (
	"context"
	"strings"
	"time"

	"github.com/vesaa/talonscope/internal/models"
	"gorm.io/gorm"
)

// Notifications stores operator notifications with per-code cooldown.
type Notifications struct {
	db       *gorm.DB
	cooldown time.Duration
	now      func() time.Time
}

// NewNotifications returns a notification store. A notification is
// suppressed when one with the same code and server was created within
// cooldown.
func NewNotifications(db *gorm.DB, cooldown time.Duration) *Notifications {
	return &Notifications{db: db, cooldown: cooldown, now: func() time.Time { return time.Now().UTC() }}
}

// NotifyParams describes a notification to raise.
type NotifyParams struct {
	Level    models.NotificationLevel
	Code     string
	Title    string
	Message  string
	ServerID *uint
}

// Notify creates the notification unless an equivalent one is still cooling
// down. The bool reports whether a row was created.
func (n *Notifications) Notify(ctx context.Context, p NotifyParams) (*models.Notification, bool, error) {
	level := p.Level
	if level == "" {
		level = models.LevelInfo
	}
	note := &models.Notification{
		ServerID: p.ServerID,
		Level:    level,
		Code:     truncate(strings.TrimSpace(p.Code), 64),
		Title:    truncate(strings.TrimSpace(p.Title), 128),
		Message:  truncate(strings.TrimSpace(p.Message), 512),
	}

	created := false
	err := n.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if note.Code != "" && n.cooldown > 0 {
			q := tx.Model(&models.Notification{}).
				Where("code = ? AND created_at >= ?", note.Code, n.now().Add(-n.cooldown))
			if note.ServerID != nil {
				q = q.Where("server_id = ?", *note.ServerID)
			} else {
				q = q.Where("server_id IS NULL")
			}
			var recent int64
			if err := q.Count(&recent).Error; err != nil {
				return err
			}
			if recent > 0 {
				return nil
			}
		}
		note.CreatedAt = n.now()
		if err := tx.Create(note).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, &StorageError{Op: "notify", Err: err}
	}
	if !created {
		return nil, false, nil
	}
	return note, true, nil
}

// List returns up to limit notifications, newest first.
func (n *Notifications) List(ctx context.Context, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	q := n.db.WithContext(ctx).Order("created_at desc, id desc").Limit(limit)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	var notes []models.Notification
	if err := q.Find(&notes).Error; err != nil {
		return nil, &StorageError{Op: "list notifications", Err: err}
	}
	return notes, nil
}

// MarkRead flags the given notifications read, or all of them when ids is
// empty and all is set. It returns the number of rows updated.
func (n *Notifications) MarkRead(ctx context.Context, ids []uint, all bool) (int64, error) {
	q := n.db.WithContext(ctx).Model(&models.Notification{}).Where("is_read = ?", false)
	switch {
	case len(ids) > 0:
		q = q.Where("id IN ?", ids)
	case !all:
		return 0, nil
	}
	res := q.Update("is_read", true)
	if res.Error != nil {
		return 0, &StorageError{Op: "mark read", Err: res.Error}
	}
	return res.RowsAffected, nil
}
