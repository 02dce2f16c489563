package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vesaa/talonscope/internal/models"
	"gorm.io/gorm"
)

// Latest returns the newest snapshot of serverID with its GPU, disk and fan
// rows, or ErrNotFound when nothing has been collected yet.
func (s *SnapshotStore) Latest(ctx context.Context, serverID uint) (*models.MetricSnapshot, error) {
	var snap models.MetricSnapshot
	err := withChildren(s.db.WithContext(ctx)).
		Where("server_id = ?", serverID).
		Order("collected_at desc, id desc").
		Take(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("snapshot for server %d: %w", serverID, ErrNotFound)
	}
	if err != nil {
		return nil, &StorageError{Op: "latest snapshot", Err: err}
	}
	return &snap, nil
}

// History is a downsampled, ascending run of snapshots.
type History struct {
	Points []models.MetricSnapshot
	// Stride is the step used to thin the run; 1 means every snapshot.
	Stride int
}

// History returns serverID's snapshots collected at or after since, oldest
// first. When there are more than maxPoints, every Stride-th one is kept.
func (s *SnapshotStore) History(ctx context.Context, serverID uint, since time.Time, maxPoints int) (*History, error) {
	var snaps []models.MetricSnapshot
	err := withChildren(s.db.WithContext(ctx)).
		Where("server_id = ? AND collected_at >= ?", serverID, since.UTC()).
		Order("collected_at asc, id asc").
		Find(&snaps).Error
	if err != nil {
		return nil, &StorageError{Op: "history", Err: err}
	}

	h := &History{Points: snaps, Stride: 1}
	if maxPoints > 0 && len(snaps) > maxPoints {
		h.Stride = int(math.Ceil(float64(len(snaps)) / float64(maxPoints)))
		thinned := make([]models.MetricSnapshot, 0, maxPoints)
		for i := 0; i < len(snaps); i += h.Stride {
			thinned = append(thinned, snaps[i])
		}
		h.Points = thinned
	}
	return h, nil
}

// Count returns the number of stored snapshots across all servers.
func (s *SnapshotStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.MetricSnapshot{}).Count(&n).Error
	return n, err
}

func withChildren(db *gorm.DB) *gorm.DB {
	return db.
		Preload("GPUs", func(db *gorm.DB) *gorm.DB { return db.Order("gpu_index") }).
		Preload("Disks", func(db *gorm.DB) *gorm.DB { return db.Order("device") }).
		Preload("Fans", func(db *gorm.DB) *gorm.DB { return db.Order("label") })
}
