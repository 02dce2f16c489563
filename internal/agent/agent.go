// Package agent implements the talonscope host agent: it samples the local
// machine, enrolls with the data plane using operator credentials (or uses
// a static slug and token), and posts one sample per interval.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vesaa/talonscope/internal/config"
	"github.com/vesaa/talonscope/internal/ingest"
	"github.com/vesaa/talonscope/internal/models"
)

// Source produces samples. *Collector is the production implementation.
type Source interface {
	Collect(ctx context.Context) (models.Sample, error)
}

// Options configures an Agent.
type Options struct {
	Config  config.Agent
	Version string
	Source  Source
	Logger  *slog.Logger
	// MachineIDFiles overrides the files probed for the host identity.
	MachineIDFiles []string
}

// Agent is one reporting loop.
type Agent struct {
	cfg     config.Agent
	version string
	source  Source
	client  *Client
	log     *slog.Logger
	idFiles []string

	state *State
	host  HostInfo
}

// New loads the state file and prepares the client. Legacy mode, a static
// slug and token in cfg, skips enrollment entirely.
func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	if cfg.ServerURL == "" {
		return nil, errors.New("agent: server_url is required")
	}
	if cfg.Interval < config.MinAgentInterval {
		cfg.Interval = config.MinAgentInterval
	}
	legacy := cfg.Slug != "" && cfg.Token != ""
	if !legacy && (cfg.Username == "" || cfg.Password == "") {
		return nil, errors.New("agent: either slug and token, or username and password, are required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	source := opts.Source
	if source == nil {
		source = NewCollector(cfg.Disks)
	}
	files := opts.MachineIDFiles
	if files == nil {
		files = machineIDFiles
	}

	st := &State{}
	if cfg.StateFile != "" && !legacy {
		var err error
		if st, err = LoadState(cfg.StateFile); err != nil {
			return nil, err
		}
		// Credentials cached for another server are useless here.
		if st.ServerURL != "" && st.ServerURL != cfg.ServerURL {
			st.Slug, st.Token = "", ""
		}
	}
	if legacy {
		st.Slug, st.Token = cfg.Slug, cfg.Token
	}
	st.ServerURL = cfg.ServerURL

	return &Agent{
		cfg:     cfg,
		version: opts.Version,
		source:  source,
		client:  NewClient(cfg.ServerURL, cfg.Timeout),
		log:     log.With("component", "agent"),
		idFiles: files,
		state:   st,
	}, nil
}

func (a *Agent) legacy() bool { return a.cfg.Slug != "" && a.cfg.Token != "" }

// Run reports until ctx ends. Collection and transport failures are
// logged and the loop continues; only a rejected enrollment stops it.
func (a *Agent) Run(ctx context.Context) error {
	a.host = DescribeHost(ctx)
	a.log.Info("agent starting", "server", a.cfg.ServerURL, "interval", a.cfg.Interval,
		"mode", a.mode(), "hostname", a.host.Hostname)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := a.Once(ctx); err != nil {
			if isFatal(err) {
				return err
			}
			a.log.Warn("report failed", "err", err)
		}
		select {
		case <-ctx.Done():
			a.log.Info("agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Once collects and reports a single sample.
func (a *Agent) Once(ctx context.Context) error {
	if a.host.Hostname == "" {
		a.host = DescribeHost(ctx)
	}
	if err := a.ensureEnrolled(ctx); err != nil {
		return err
	}

	sample, err := a.source.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	env := models.AgentEnvelope{Sample: &sample, Agent: a.metadata()}

	resp, err := a.client.Ingest(ctx, a.state.Slug, a.state.Token, env)
	if errors.Is(err, ErrUnauthorized) && !a.legacy() {
		a.log.Warn("ingest token rejected, re-enrolling", "slug", a.state.Slug)
		a.state.Token = ""
		if err := a.ensureEnrolled(ctx); err != nil {
			return err
		}
		resp, err = a.client.Ingest(ctx, a.state.Slug, a.state.Token, env)
	}
	if err != nil {
		return err
	}
	a.log.Debug("sample reported", "slug", a.state.Slug, "snapshot_id", resp.Snapshot.ID,
		"bottleneck", resp.Snapshot.Bottleneck)
	return nil
}

// fatalError marks failures that retrying every interval cannot fix.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

func (a *Agent) ensureEnrolled(ctx context.Context) error {
	if a.state.Token != "" && a.state.Slug != "" {
		return nil
	}
	if a.legacy() {
		return &fatalError{errors.New("agent: no ingest token")}
	}

	id, changed := resolveMachineID(a.state, a.idFiles)
	if changed {
		a.persist()
	}
	resp, err := a.client.Enroll(ctx, ingest.EnrollRequest{
		Username:     a.cfg.Username,
		Password:     a.cfg.Password,
		MachineID:    id,
		Hostname:     a.host.Hostname,
		Platform:     a.host.Platform,
		AgentVersion: a.version,
	})
	if err != nil {
		var serr *StatusError
		if errors.As(err, &serr) && serr.Code >= 400 && serr.Code < 500 && serr.Code != 429 {
			return &fatalError{err}
		}
		return err
	}

	a.state.Slug, a.state.Token = resp.ServerSlug, resp.IngestToken
	a.persist()
	a.log.Info("enrolled", "slug", resp.ServerSlug, "machine_id", id)
	return nil
}

func (a *Agent) persist() {
	if a.cfg.StateFile == "" || a.legacy() {
		return
	}
	if err := a.state.Save(a.cfg.StateFile); err != nil {
		a.log.Warn("could not save agent state", "path", a.cfg.StateFile, "err", err)
	}
}

func (a *Agent) mode() string {
	if a.legacy() {
		return "static-token"
	}
	return "enrolled"
}

func (a *Agent) metadata() map[string]any {
	return map[string]any{
		"hostname":         a.host.Hostname,
		"version":          a.version,
		"platform":         a.host.Platform,
		"machine_id":       a.state.MachineID,
		"mode":             a.mode(),
		"interval_seconds": a.cfg.Interval.Seconds(),
	}
}
