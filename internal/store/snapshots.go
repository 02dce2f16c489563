package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vesaa/talonscope/internal/analysis"
	"github.com/vesaa/talonscope/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotStore persists one immutable MetricSnapshot per ingested sample.
type SnapshotStore struct {
	db    *gorm.DB
	locks *keyedMutex
	now   func() time.Time
	// fault, when set, is consulted between write stages.
	fault func(stage string) error
}

// NewSnapshotStore returns a SnapshotStore backed by db.
func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{
		db:    db,
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Write derives and stores the snapshot for sample in one transaction: it
// reads the server's latest snapshot, computes rates, rollups and the
// bottleneck, inserts the snapshot with its GPU, disk and fan rows, and
// prunes this server's snapshots older than retentionDays (no prune when
// retentionDays <= 0). Writes for one server are serialized so two samples
// never derive rates from the same predecessor.
func (s *SnapshotStore) Write(ctx context.Context, serverID uint, sample models.Sample, retentionDays int) (*models.MetricSnapshot, error) {
	unlock := s.locks.Lock(fmt.Sprintf("server:%d", serverID))
	defer unlock()

	sample.CollectedAt = sample.CollectedAt.UTC()
	var snap *models.MetricSnapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev, err := latestWithDisks(tx, serverID)
		if err != nil {
			return fmt.Errorf("load previous snapshot: %w", err)
		}

		snap = analysis.BuildSnapshot(serverID, sample, prev)
		gpus, disks, fans := snap.GPUs, snap.Disks, snap.Fans

		if err := tx.Omit(clause.Associations).Create(snap).Error; err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		if err := s.stage("snapshot"); err != nil {
			return err
		}

		for i := range gpus {
			gpus[i].SnapshotID = snap.ID
		}
		for i := range disks {
			disks[i].SnapshotID = snap.ID
		}
		for i := range fans {
			fans[i].SnapshotID = snap.ID
		}
		if len(gpus) > 0 {
			if err := tx.Create(&gpus).Error; err != nil {
				return fmt.Errorf("insert gpu metrics: %w", err)
			}
		}
		if len(disks) > 0 {
			if err := tx.Create(&disks).Error; err != nil {
				return fmt.Errorf("insert disk metrics: %w", err)
			}
		}
		if len(fans) > 0 {
			if err := tx.Create(&fans).Error; err != nil {
				return fmt.Errorf("insert fan metrics: %w", err)
			}
		}
		if err := s.stage("children"); err != nil {
			return err
		}

		if retentionDays > 0 {
			cutoff := s.now().AddDate(0, 0, -retentionDays)
			pruned, err := s.prune(tx, serverID, snap.ID, cutoff)
			if err != nil {
				return fmt.Errorf("prune: %w", err)
			}
			if pruned > 0 {
				slog.Debug("retention prune", "server_id", serverID, "deleted", pruned, "cutoff", cutoff)
			}
		}
		return s.stage("prune")
	})
	if err != nil {
		return nil, &StorageError{Op: "write snapshot", Err: err}
	}
	return snap, nil
}

func (s *SnapshotStore) stage(name string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(name)
}

// prune deletes serverID's snapshots collected before cutoff, except keepID.
func (s *SnapshotStore) prune(tx *gorm.DB, serverID, keepID uint, cutoff time.Time) (int64, error) {
	ids := func() *gorm.DB {
		return tx.Model(&models.MetricSnapshot{}).Select("id").
			Where("server_id = ? AND collected_at < ? AND id <> ?", serverID, cutoff, keepID)
	}
	var n int64
	if err := ids().Count(&n).Error; err != nil || n == 0 {
		return 0, err
	}
	return n, deleteSnapshots(tx, ids)
}

// deleteSnapshots removes the snapshots selected by ids and their child rows.
// ids builds a fresh "SELECT id" subquery per statement.
func deleteSnapshots(tx *gorm.DB, ids func() *gorm.DB) error {
	for _, child := range []any{&models.GpuMetric{}, &models.DiskMetric{}, &models.FanMetric{}} {
		if err := tx.Where("snapshot_id IN (?)", ids()).Delete(child).Error; err != nil {
			return err
		}
	}
	return tx.Where("id IN (?)", ids()).Delete(&models.MetricSnapshot{}).Error
}

// latestWithDisks returns the newest snapshot of serverID with its disk rows,
// or nil when the server has none.
func latestWithDisks(tx *gorm.DB, serverID uint) (*models.MetricSnapshot, error) {
	var prev models.MetricSnapshot
	err := tx.Preload("Disks").
		Where("server_id = ?", serverID).
		Order("collected_at desc, id desc").
		Take(&prev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &prev, nil
}
