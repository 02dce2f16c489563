// Package models defines GORM data models for talonscope.
package models

import (
	"time"
)

// MonitoredServer is one physical or virtual machine reporting telemetry.
// Slug is the URL identity; MachineID, when set, pins the row to a host across
// agent reinstalls.
type MonitoredServer struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Identity
	Slug        string  `gorm:"size:64;uniqueIndex;not null" json:"slug"`
	Name        string  `gorm:"size:128;not null" json:"name"`
	Hostname    string  `gorm:"size:255" json:"hostname"`
	Description string  `json:"description"`
	MachineID   *string `gorm:"size:128;uniqueIndex" json:"machine_id,omitempty"`

	// Auth: only the SHA-256 hex digest of the ingest token is stored.
	APITokenHash string `gorm:"size:64;index" json:"-"`
	IsActive     bool   `gorm:"not null" json:"is_active"`

	// Heartbeat
	LastSeenAt       *time.Time `gorm:"index" json:"last_seen_at"`
	LastIP           string     `gorm:"size:64" json:"last_ip"`
	LastAgentVersion string     `gorm:"size:64" json:"last_agent_version"`
	PlatformInfo     string     `gorm:"size:255" json:"platform_info"`
	AgentUser        string     `gorm:"size:150" json:"agent_user"`
	AgentInfo        AgentInfo  `gorm:"serializer:json" json:"agent_info"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentInfo is the compact agent metadata kept for troubleshooting.
type AgentInfo map[string]any

// MaxAgentInfoKeys and MaxAgentInfoKeyLen bound what an agent can store.
const (
	MaxAgentInfoKeys   = 25
	MaxAgentInfoKeyLen = 64
)

// TokenHint returns a short, non-secret prefix of the stored token hash.
func (s *MonitoredServer) TokenHint() string {
	if len(s.APITokenHash) < 8 {
		return ""
	}
	return s.APITokenHash[:8] + "..."
}

// ServerSummary is a list projection with snapshot bookkeeping.
type ServerSummary struct {
	MonitoredServer
	SnapshotCount    int64      `json:"snapshot_count"`
	LatestSnapshotAt *time.Time `json:"latest_snapshot_at"`
}
