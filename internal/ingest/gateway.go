// Package ingest is the boundary between untrusted agent traffic and the
// store: it authenticates ingest tokens, coerces raw samples, writes
// snapshots, records heartbeats and handles agent self-enrollment.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vesaa/talonscope/internal/analysis"
	"github.com/vesaa/talonscope/internal/auth"
	"github.com/vesaa/talonscope/internal/models"
	"github.com/vesaa/talonscope/internal/store"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrServerDisabled = errors.New("server is disabled")
)

// ValidationError rejects a request before any state is touched.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Result labels the outcome of one ingest attempt.
type Result string

const (
	ResultOK           Result = "ok"
	ResultNotFound     Result = "not_found"
	ResultDisabled     Result = "disabled"
	ResultUnauthorized Result = "unauthorized"
	ResultInvalid      Result = "invalid"
	ResultFailed       Result = "failed"
)

// Outcome is reported to observers after every ingest attempt. Server and
// Snapshot are set only when the write committed.
type Outcome struct {
	Result   Result
	Server   *models.MonitoredServer
	Snapshot *models.MetricSnapshot
	Took     time.Duration
}

// Observer receives ingest outcomes. Implementations must not block.
type Observer interface {
	Observe(Outcome)
}

// Authorizer checks enrollment credentials.
type Authorizer interface {
	AuthorizeEnrollment(username, password string) (*auth.Account, error)
}

// alertLabels are the bottlenecks that raise an operator notification.
var alertLabels = map[string]bool{
	string(analysis.LabelMemoryPressure): true,
	string(analysis.LabelIOBound):        true,
	string(analysis.LabelCPUBound):       true,
}

// Options configures a Gateway. Zero values disable the optional parts.
type Options struct {
	// RetentionDays is the default prune horizon; <= 0 keeps everything.
	RetentionDays int
	Authorizer    Authorizer
	Notifications *store.Notifications
	Observers     []Observer
	Logger        *slog.Logger
}

// Gateway runs the ingest and enrollment flows.
type Gateway struct {
	registry  *store.Registry
	snapshots *store.SnapshotStore
	opts      Options
	log       *slog.Logger
	now       func() time.Time
}

// NewGateway returns a Gateway over registry and snapshots.
func NewGateway(registry *store.Registry, snapshots *store.SnapshotStore, opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		registry:  registry,
		snapshots: snapshots,
		opts:      opts,
		log:       log.With("component", "ingest"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate resolves slug and checks token against it. Checks run in a
// fixed order: unknown slug (store.ErrNotFound), disabled server
// (ErrServerDisabled), then token mismatch (ErrUnauthorized).
func (g *Gateway) Authenticate(ctx context.Context, slug, token string) (*models.MonitoredServer, error) {
	srv, err := g.registry.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.observe(Outcome{Result: ResultNotFound})
		}
		return nil, err
	}
	if !srv.IsActive {
		g.log.Info("ingest denied: server disabled", "slug", slug)
		g.observe(Outcome{Result: ResultDisabled})
		return nil, ErrServerDisabled
	}
	if !store.VerifyToken(srv, token) {
		g.log.Warn("invalid ingest token", "slug", slug)
		g.observe(Outcome{Result: ResultUnauthorized})
		return nil, ErrUnauthorized
	}
	return srv, nil
}

// Ingest decodes body, which must be a JSON object, and stores it for srv.
func (g *Gateway) Ingest(ctx context.Context, srv *models.MonitoredServer, body []byte, sourceIP string) (*models.MetricSnapshot, error) {
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		g.observe(Outcome{Result: ResultInvalid})
		return nil, invalid("Invalid JSON payload.")
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		g.observe(Outcome{Result: ResultInvalid})
		return nil, invalid("Payload must be a JSON object.")
	}
	return g.IngestPayload(ctx, srv, ParsePayload(obj, g.now()), sourceIP)
}

// IngestSample stores a sample collected in-process, bypassing JSON.
func (g *Gateway) IngestSample(ctx context.Context, srv *models.MonitoredServer, sample models.Sample, agent map[string]any) (*models.MetricSnapshot, error) {
	return g.IngestPayload(ctx, srv, Payload{Sample: sample, Agent: agent}, "")
}

// IngestPayload writes the snapshot, then refreshes the server heartbeat and
// raises bottleneck notifications. Only the snapshot write can fail the call.
func (g *Gateway) IngestPayload(ctx context.Context, srv *models.MonitoredServer, p Payload, sourceIP string) (*models.MetricSnapshot, error) {
	days := g.opts.RetentionDays
	if p.RetentionDays != nil {
		days = *p.RetentionDays
	}

	start := time.Now()
	snap, err := g.snapshots.Write(ctx, srv.ID, p.Sample, days)
	took := time.Since(start)
	if err != nil {
		g.log.Error("ingest failed", "slug", srv.Slug, "err", err)
		g.observe(Outcome{Result: ResultFailed, Took: took})
		return nil, err
	}

	hb := store.HeartbeatParams{SeenAt: snap.CollectedAt, SourceIP: sourceIP, Agent: p.Agent}
	if err := g.registry.Heartbeat(ctx, srv.ID, hb); err != nil {
		g.log.Warn("heartbeat update failed", "slug", srv.Slug, "err", err)
	}
	g.notifyBottleneck(ctx, srv, snap)

	g.log.Debug("ingest ok", "slug", srv.Slug, "snapshot_id", snap.ID, "bottleneck", snap.Bottleneck)
	g.observe(Outcome{Result: ResultOK, Server: srv, Snapshot: snap, Took: took})
	return snap, nil
}

func (g *Gateway) notifyBottleneck(ctx context.Context, srv *models.MonitoredServer, snap *models.MetricSnapshot) {
	if g.opts.Notifications == nil || !alertLabels[snap.Bottleneck] {
		return
	}
	id := srv.ID
	_, _, err := g.opts.Notifications.Notify(ctx, store.NotifyParams{
		Level:    models.LevelWarning,
		Code:     "bottleneck-" + snap.Bottleneck,
		Title:    fmt.Sprintf("%s on %s", LabelTitle(snap.Bottleneck), displayName(srv)),
		Message:  snap.BottleneckReason,
		ServerID: &id,
	})
	if err != nil {
		g.log.Warn("bottleneck notification failed", "slug", srv.Slug, "err", err)
	}
}

// EnrollRequest is the body of an agent enrollment call.
type EnrollRequest struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	MachineID    string `json:"machine_id"`
	Hostname     string `json:"hostname"`
	Platform     string `json:"platform"`
	AgentVersion string `json:"agent_version"`
}

// Enroll validates req, checks the operator credentials and resolves the
// machine to its server, issuing a fresh ingest token. Field validation
// runs before the credential check.
func (g *Gateway) Enroll(ctx context.Context, req EnrollRequest, sourceIP string) (*store.Enrollment, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.MachineID = strings.TrimSpace(req.MachineID)
	req.Hostname = strings.TrimSpace(req.Hostname)

	switch {
	case req.Username == "" || req.Password == "":
		return nil, invalid("username and password are required.")
	case req.MachineID == "":
		return nil, invalid("machine_id is required.")
	case req.Hostname == "":
		return nil, invalid("hostname is required.")
	case !store.ValidMachineID(req.MachineID):
		return nil, invalid("Invalid machine_id format.")
	}

	if g.opts.Authorizer == nil {
		return nil, fmt.Errorf("%w: enrollment is not configured", ErrForbidden)
	}
	acc, err := g.opts.Authorizer.AuthorizeEnrollment(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		g.log.Info("enroll: auth failed", "username", req.Username)
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case errors.Is(err, auth.ErrAccountDisabled), errors.Is(err, auth.ErrNotAllowlisted):
		g.log.Warn("enroll: account rejected", "username", req.Username, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrForbidden, err)
	case err != nil:
		return nil, err
	}

	e, err := g.registry.EnrollOrUpdate(ctx, store.EnrollParams{
		MachineID:    req.MachineID,
		Hostname:     req.Hostname,
		PlatformInfo: strings.TrimSpace(req.Platform),
		AgentVersion: strings.TrimSpace(req.AgentVersion),
		SourceIP:     sourceIP,
		AgentUser:    acc.Username,
	})
	if err != nil {
		return nil, err
	}

	g.log.Info("agent enrolled", "machine_id", req.MachineID, "slug", e.Server.Slug,
		"user", acc.Username, "agent_version", req.AgentVersion, "created", e.Created)
	if e.Created && g.opts.Notifications != nil {
		id := e.Server.ID
		_, _, err := g.opts.Notifications.Notify(ctx, store.NotifyParams{
			Level:    models.LevelInfo,
			Code:     "server-enrolled",
			Title:    "New server enrolled: " + displayName(e.Server),
			Message:  fmt.Sprintf("%s enrolled by %s from %s", e.Server.Slug, acc.Username, firstNonEmpty(sourceIP, "unknown address")),
			ServerID: &id,
		})
		if err != nil {
			g.log.Warn("enroll notification failed", "slug", e.Server.Slug, "err", err)
		}
	}
	return e, nil
}

func (g *Gateway) observe(o Outcome) {
	for _, obs := range g.opts.Observers {
		obs.Observe(o)
	}
}

// LabelTitle turns a bottleneck label into display text: "io-bound" → "Io Bound".
func LabelTitle(label string) string {
	words := strings.FieldsFunc(label, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func displayName(srv *models.MonitoredServer) string {
	return firstNonEmpty(srv.Name, srv.Hostname, srv.Slug)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
