package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/vesaa/talonscope/internal/models"
	"github.com/vesaa/talonscope/internal/retry"
	"gorm.io/gorm"
)

var machineIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,128}$`)

// ValidMachineID reports whether id is an acceptable machine identifier.
func ValidMachineID(id string) bool { return machineIDPattern.MatchString(id) }

// Registry owns MonitoredServer identity: slugs, ingest tokens, heartbeat
// fields and machine-id based enrollment.
type Registry struct {
	db     *gorm.DB
	locks  *keyedMutex
	now    func() time.Time
	policy retry.Policy
}

// NewRegistry returns a Registry backed by db.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{
		db:     db,
		locks:  newKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
		policy: retry.Policy{Attempts: 4},
	}
}

// RegisterParams describes an operator-created server.
type RegisterParams struct {
	Slug        string
	Name        string
	Hostname    string
	Description string
	Inactive    bool
}

// Register creates a server and returns it with its plaintext ingest token,
// which is not retrievable afterwards. A taken slug yields ErrConflict.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (*models.MonitoredServer, string, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, "", fmt.Errorf("%w: name is required", ErrInvalid)
	}
	source := strings.TrimSpace(p.Slug)
	if source == "" {
		source = name
	}
	slug := cutSlug(Slugify(source), MaxSlugLen)
	if slug == "" {
		return nil, "", fmt.Errorf("%w: slug could not be derived from %q", ErrInvalid, source)
	}

	token := GenerateToken()
	srv := &models.MonitoredServer{
		Slug:         slug,
		Name:         truncate(name, 128),
		Hostname:     truncate(strings.TrimSpace(p.Hostname), 255),
		Description:  strings.TrimSpace(p.Description),
		APITokenHash: HashToken(token),
		IsActive:     !p.Inactive,
		AgentInfo:    models.AgentInfo{},
	}
	if err := r.db.WithContext(ctx).Create(srv).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, "", fmt.Errorf("%w: slug %q already exists", ErrConflict, slug)
		}
		return nil, "", &StorageError{Op: "register server", Err: err}
	}
	slog.Info("server registered", "slug", srv.Slug, "id", srv.ID)
	return srv, token, nil
}

// EnsureLocal returns the server used for on-host collection, creating it on
// first use.
func (r *Registry) EnsureLocal(ctx context.Context, slug, name, hostname string) (*models.MonitoredServer, error) {
	slug = cutSlug(Slugify(slug), MaxSlugLen)
	if slug == "" {
		slug = "local"
	}
	if name == "" {
		name = "Local Host"
	}
	srv, err := r.GetBySlug(ctx, slug)
	if errors.Is(err, ErrNotFound) {
		srv, _, err = r.Register(ctx, RegisterParams{Slug: slug, Name: name, Hostname: hostname})
		if errors.Is(err, ErrConflict) {
			return r.GetBySlug(ctx, slug)
		}
		return srv, err
	}
	if err != nil {
		return nil, err
	}
	if hostname != "" && srv.Hostname != hostname {
		if err := r.db.WithContext(ctx).Model(srv).Update("hostname", truncate(hostname, 255)).Error; err != nil {
			return nil, &StorageError{Op: "update local server", Err: err}
		}
	}
	return srv, nil
}

// EnrollParams is what a self-enrolling agent reports about its host.
type EnrollParams struct {
	MachineID    string
	Hostname     string
	PlatformInfo string
	AgentVersion string
	SourceIP     string
	AgentUser    string
}

// Enrollment is the outcome of EnrollOrUpdate.
type Enrollment struct {
	Server  *models.MonitoredServer
	Token   string
	Created bool
}

// EnrollOrUpdate resolves p.MachineID to its server, creating one with a
// unique slug derived from the hostname when none exists. Every call rotates
// the ingest token, refreshes heartbeat fields and reactivates the server.
// Concurrent first enrollments of one machine id are serialized in-process;
// the unique index on machine_id catches the rest and the lookup is retried.
func (r *Registry) EnrollOrUpdate(ctx context.Context, p EnrollParams) (*Enrollment, error) {
	if !ValidMachineID(p.MachineID) {
		return nil, fmt.Errorf("%w: machine_id must match %s", ErrInvalid, machineIDPattern)
	}
	unlock := r.locks.Lock("machine:" + p.MachineID)
	defer unlock()

	var out *Enrollment
	err := retry.Do(ctx, r.policy, isUniqueViolation, func() error {
		var err error
		out, err = r.enrollOnce(ctx, p)
		return err
	})
	if err != nil {
		return nil, &StorageError{Op: "enroll", Err: err}
	}
	return out, nil
}

func (r *Registry) enrollOnce(ctx context.Context, p EnrollParams) (*Enrollment, error) {
	token := GenerateToken()
	seen := r.now()
	out := &Enrollment{Token: token}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var srv models.MonitoredServer
		err := tx.Where("machine_id = ?", p.MachineID).Take(&srv).Error
		switch {
		case err == nil:
			updates := map[string]any{
				"api_token_hash":     HashToken(token),
				"is_active":          true,
				"last_seen_at":       seen,
				"last_agent_version": truncate(p.AgentVersion, 64),
				"platform_info":      truncate(p.PlatformInfo, 255),
			}
			if p.Hostname != "" {
				updates["hostname"] = truncate(p.Hostname, 255)
			}
			if p.SourceIP != "" {
				updates["last_ip"] = truncate(p.SourceIP, 64)
			}
			if p.AgentUser != "" {
				updates["agent_user"] = truncate(p.AgentUser, 150)
			}
			if err := tx.Model(&srv).Updates(updates).Error; err != nil {
				return err
			}
			if err := tx.Take(&srv, srv.ID).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			slug, err := uniqueSlug(tx, Slugify(p.Hostname))
			if err != nil {
				return err
			}
			machineID := p.MachineID
			srv = models.MonitoredServer{
				Slug:             slug,
				Name:             truncate(firstNonEmpty(p.Hostname, slug), 128),
				Hostname:         truncate(p.Hostname, 255),
				MachineID:        &machineID,
				APITokenHash:     HashToken(token),
				IsActive:         true,
				LastSeenAt:       &seen,
				LastIP:           truncate(p.SourceIP, 64),
				LastAgentVersion: truncate(p.AgentVersion, 64),
				PlatformInfo:     truncate(p.PlatformInfo, 255),
				AgentUser:        truncate(p.AgentUser, 150),
				AgentInfo:        models.AgentInfo{},
			}
			if err := tx.Create(&srv).Error; err != nil {
				return err
			}
			out.Created = true
		default:
			return err
		}
		out.Server = &srv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// uniqueSlug returns base, or base with the smallest numeric suffix that is
// not yet taken.
func uniqueSlug(tx *gorm.DB, base string) (string, error) {
	base = cutSlug(base, MaxSlugLen)
	if base == "" {
		base = "server"
	}
	candidate := base
	for n := 2; ; n++ {
		var count int64
		if err := tx.Model(&models.MonitoredServer{}).Where("slug = ?", candidate).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return candidate, nil
		}
		suffix := fmt.Sprintf("-%d", n)
		candidate = cutSlug(base, MaxSlugLen-len(suffix)) + suffix
	}
}

// RotateToken issues a new ingest token for slug. The previous token stops
// verifying as soon as the update commits.
func (r *Registry) RotateToken(ctx context.Context, slug string) (*models.MonitoredServer, string, error) {
	srv, err := r.GetBySlug(ctx, slug)
	if err != nil {
		return nil, "", err
	}
	token := GenerateToken()
	if err := r.db.WithContext(ctx).Model(srv).Update("api_token_hash", HashToken(token)).Error; err != nil {
		return nil, "", &StorageError{Op: "rotate token", Err: err}
	}
	return srv, token, nil
}

// SetActive enables or disables ingest for slug.
func (r *Registry) SetActive(ctx context.Context, slug string, active bool) (*models.MonitoredServer, error) {
	srv, err := r.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(srv).Update("is_active", active).Error; err != nil {
		return nil, &StorageError{Op: "set active", Err: err}
	}
	srv.IsActive = active
	return srv, nil
}

// Delete removes a server together with its snapshots, their child rows and
// its notifications.
func (r *Registry) Delete(ctx context.Context, slug string) error {
	srv, err := r.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snapshotIDs := func() *gorm.DB {
			return tx.Model(&models.MetricSnapshot{}).Select("id").Where("server_id = ?", srv.ID)
		}
		if err := deleteSnapshots(tx, snapshotIDs); err != nil {
			return err
		}
		if err := tx.Where("server_id = ?", srv.ID).Delete(&models.Notification{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.MonitoredServer{}, srv.ID).Error
	})
	if err != nil {
		return &StorageError{Op: "delete server", Err: err}
	}
	slog.Info("server deleted", "slug", slug)
	return nil
}

// HeartbeatParams are the fields refreshed after a successful ingest.
type HeartbeatParams struct {
	SeenAt   time.Time
	SourceIP string
	Agent    map[string]any
}

// Heartbeat records that serverID was just heard from. Agent metadata
// contributes the hostname and version and is kept in a bounded copy.
func (r *Registry) Heartbeat(ctx context.Context, serverID uint, p HeartbeatParams) error {
	updates := map[string]any{}
	if !p.SeenAt.IsZero() {
		updates["last_seen_at"] = p.SeenAt.UTC()
	}
	if p.SourceIP != "" {
		updates["last_ip"] = truncate(p.SourceIP, 64)
	}
	if len(p.Agent) > 0 {
		if h := truncate(stringValue(p.Agent["hostname"]), 255); h != "" {
			updates["hostname"] = h
		}
		if v := truncate(stringValue(p.Agent["version"]), 64); v != "" {
			updates["last_agent_version"] = v
		}
		if info, err := json.Marshal(SanitizeAgentInfo(p.Agent)); err == nil {
			updates["agent_info"] = string(info)
		}
	}
	if len(updates) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&models.MonitoredServer{ID: serverID}).Updates(updates).Error
	if err != nil {
		return &StorageError{Op: "heartbeat", Err: err}
	}
	return nil
}

// SanitizeAgentInfo keeps at most 25 entries of info, in key order, with
// keys cut to 64 characters.
func SanitizeAgentInfo(info map[string]any) models.AgentInfo {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > models.MaxAgentInfoKeys {
		keys = keys[:models.MaxAgentInfoKeys]
	}
	out := make(models.AgentInfo, len(keys))
	for _, k := range keys {
		out[truncate(k, models.MaxAgentInfoKeyLen)] = info[k]
	}
	return out
}

// GetBySlug returns the server with slug or ErrNotFound.
func (r *Registry) GetBySlug(ctx context.Context, slug string) (*models.MonitoredServer, error) {
	var srv models.MonitoredServer
	err := r.db.WithContext(ctx).Where("slug = ?", slug).Take(&srv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("server %q: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, &StorageError{Op: "get server", Err: err}
	}
	return &srv, nil
}

// GetByID returns the server with id or ErrNotFound.
func (r *Registry) GetByID(ctx context.Context, id uint) (*models.MonitoredServer, error) {
	var srv models.MonitoredServer
	err := r.db.WithContext(ctx).Take(&srv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("server %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, &StorageError{Op: "get server", Err: err}
	}
	return &srv, nil
}

// List returns servers with their snapshot counts, most recently reporting
// first.
func (r *Registry) List(ctx context.Context, activeOnly bool) ([]models.ServerSummary, error) {
	q := r.db.WithContext(ctx).Model(&models.MonitoredServer{})
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var servers []models.MonitoredServer
	if err := q.Order("name, slug").Find(&servers).Error; err != nil {
		return nil, &StorageError{Op: "list servers", Err: err}
	}

	out := make([]models.ServerSummary, 0, len(servers))
	for _, srv := range servers {
		sum := models.ServerSummary{MonitoredServer: srv}
		err := r.db.WithContext(ctx).Model(&models.MetricSnapshot{}).
			Where("server_id = ?", srv.ID).Count(&sum.SnapshotCount).Error
		if err != nil {
			return nil, &StorageError{Op: "list servers", Err: err}
		}
		if sum.SnapshotCount > 0 {
			var latest models.MetricSnapshot
			err := r.db.WithContext(ctx).Select("collected_at").
				Where("server_id = ?", srv.ID).Order("collected_at desc").Take(&latest).Error
			if err != nil {
				return nil, &StorageError{Op: "list servers", Err: err}
			}
			sum.LatestSnapshotAt = &latest.CollectedAt
		}
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return laterThan(out[i].LatestSnapshotAt, out[j].LatestSnapshotAt)
	})
	return out, nil
}

// Counts reports how many servers exist and how many are active.
func (r *Registry) Counts(ctx context.Context) (total, active int64, err error) {
	db := r.db.WithContext(ctx).Model(&models.MonitoredServer{})
	if err := db.Count(&total).Error; err != nil {
		return 0, 0, err
	}
	err = r.db.WithContext(ctx).Model(&models.MonitoredServer{}).Where("is_active = ?", true).Count(&active).Error
	return total, active, err
}

func laterThan(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.After(*b)
	}
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
