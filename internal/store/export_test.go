package store

import "time"

// SetFault installs a hook consulted between write stages.
func (s *SnapshotStore) SetFault(fn func(stage string) error) { s.fault = fn }

// SetClock replaces the clock used for retention cutoffs.
func (s *SnapshotStore) SetClock(now func() time.Time) { s.now = now }

// SetClock replaces the clock used for cooldown windows.
func (n *Notifications) SetClock(now func() time.Time) { n.now = now }
