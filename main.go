// talonscope: host telemetry ingest and bottleneck classification.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/vesaa/talonscope/internal/agent"
	"github.com/vesaa/talonscope/internal/auth"
	"github.com/vesaa/talonscope/internal/config"
	"github.com/vesaa/talonscope/internal/ingest"
	"github.com/vesaa/talonscope/internal/live"
	"github.com/vesaa/talonscope/internal/server"
	"github.com/vesaa/talonscope/internal/store"
	"github.com/vesaa/talonscope/internal/telemetry"
)

const asciiLogo = `
  ▀█▀ ▄▀█ █   █▀█ █▄ █ █▀ █▀▀ █▀█ █▀█ █▀▀
   █  █▀█ █▄▄ █▄█ █ ▀█ ▄█ █▄▄ █▄█ █▀▀ ██▄
`

var version = "v0.3.0"

func printBanner(w io.Writer, mode string) {
	fmt.Fprint(w, asciiLogo+"\n")
	fmt.Fprintf(w, "  ► talonscope %s  |  Mode: %s\n\n", version, mode)
}

// logLevel is shared by every handler so a config reload can change it.
var logLevel = new(slog.LevelVar)

func setupLogging(format, level string) error {
	if err := setLevel(level); err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	switch strings.ToLower(format) {
	case "", "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	case "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	default:
		return fmt.Errorf("unknown log format %q (want json or text)", format)
	}
	return nil
}

func setLevel(level string) error {
	if level == "" {
		level = "info"
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logLevel.Set(l)
	return nil
}

func main() {
	var (
		cfgFile   string
		logFormat string
		logLevelF string
	)

	// loadConfig reads the config source, applies --log-level over the file
	// value and installs the logger.
	loadConfig := func() (*config.Source, *config.Config, error) {
		src, err := config.Open(cfgFile)
		if err != nil {
			return nil, nil, err
		}
		cfg, err := src.Config()
		if err != nil {
			return nil, nil, err
		}
		if logLevelF != "" {
			cfg.LogLevel = logLevelF
		}
		if err := setupLogging(logFormat, cfg.LogLevel); err != nil {
			return nil, nil, err
		}
		if f := src.File(); f != "" {
			slog.Debug("config loaded", "file", f)
		}
		return src, cfg, nil
	}

	root := &cobra.Command{
		Use:   "talonscope",
		Short: "talonscope: host telemetry ingest and bottleneck classification",
		Long: `talonscope collects CPU, memory, disk, network, GPU and fan telemetry from
enrolled hosts, derives rates from cumulative counters and labels every sample
with the resource that limits the machine (cpu-bound, io-bound, memory-pressure...).`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./config.yaml or ~/.talonscope/config.yaml)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format: json or text")
	root.PersistentFlags().StringVar(&logLevelF, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	// ── server subcommand ─────────────────────────────────────────────────────
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the talonscope server (control plane 6677 + data plane 1616)",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner(cmd.OutOrStdout(), "SERVER")

			src, cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if p, _ := cmd.Flags().GetInt("control-port"); p != 0 {
				cfg.ControlPort = p
			}
			if p, _ := cmd.Flags().GetInt("data-port"); p != 0 {
				cfg.DataPort = p
			}
			if db, _ := cmd.Flags().GetString("db"); db != "" {
				cfg.DBPath = db
			}
			return runServer(cmd.Context(), src, cfg)
		},
	}
	serverCmd.Flags().Int("control-port", 0, "Control-plane port (overrides config)")
	serverCmd.Flags().Int("data-port", 0, "Data-plane port (overrides config)")
	serverCmd.Flags().String("db", "", "SQLite database path (overrides config)")

	// ── agent subcommand ──────────────────────────────────────────────────────
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the talonscope agent on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner(cmd.OutOrStdout(), "AGENT")

			_, cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			// CLI flags override config values.
			ac := &cfg.Agent
			if u, _ := cmd.Flags().GetString("server-url"); u != "" {
				ac.ServerURL = u
			}
			ac.ServerURL = normalizeServerURL(ac.ServerURL, cfg.DataPort)
			for flag, dst := range map[string]*string{
				"username":   &ac.Username,
				"password":   &ac.Password,
				"slug":       &ac.Slug,
				"token":      &ac.Token,
				"state-file": &ac.StateFile,
			} {
				if v, _ := cmd.Flags().GetString(flag); v != "" {
					*dst = v
				}
			}
			if d, _ := cmd.Flags().GetDuration("interval"); d != 0 {
				ac.Interval = max(d, config.MinAgentInterval)
			}

			a, err := agent.New(agent.Options{Config: *ac, Version: version, Logger: slog.Default()})
			if err != nil {
				return err
			}
			fmt.Printf("  ✓ Reporting to:    %s\n", ac.ServerURL)
			fmt.Printf("  ✓ Report interval: %s\n\n", ac.Interval)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if once, _ := cmd.Flags().GetBool("once"); once {
				return a.Once(ctx)
			}
			return a.Run(ctx)
		},
	}
	agentCmd.Flags().String("server-url", "", "Data-plane URL, e.g. http://10.0.0.5:1616 or 10.0.0.5")
	agentCmd.Flags().String("username", "", "Operator account used to enroll this host")
	agentCmd.Flags().String("password", "", "Password of the enrolling account")
	agentCmd.Flags().String("slug", "", "Static server slug (with --token, skips enrollment)")
	agentCmd.Flags().String("token", "", "Static ingest token (with --slug, skips enrollment)")
	agentCmd.Flags().String("state-file", "", "Where the enrolled slug and token are cached")
	agentCmd.Flags().Duration("interval", 0, "Collection interval (min 500ms)")
	agentCmd.Flags().Bool("once", false, "Collect and report a single sample, then exit")

	// ── collect subcommand ────────────────────────────────────────────────────
	collectCmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect on this host and store directly into the local database",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if s, _ := cmd.Flags().GetString("slug"); s != "" {
				cfg.LocalSlug = s
			}
			interval := cfg.Agent.Interval
			if d, _ := cmd.Flags().GetDuration("interval"); d != 0 {
				interval = max(d, config.MinAgentInterval)
			}
			once, _ := cmd.Flags().GetBool("once")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCollect(ctx, cfg, interval, once)
		},
	}
	collectCmd.Flags().Bool("once", false, "Store a single sample, then exit")
	collectCmd.Flags().Duration("interval", 0, "Collection interval (default agent.interval)")
	collectCmd.Flags().String("slug", "", "Slug of the local server (default local_slug)")

	// ── register subcommand ───────────────────────────────────────────────────
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a server and print its ingest token",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			name, _ := cmd.Flags().GetString("name")
			slug, _ := cmd.Flags().GetString("slug")
			hostname, _ := cmd.Flags().GetString("hostname")
			desc, _ := cmd.Flags().GetString("description")
			inactive, _ := cmd.Flags().GetBool("inactive")
			if strings.TrimSpace(name) == "" {
				return errors.New("--name is required")
			}

			return withDB(cfg, func(db *gorm.DB) error {
				srv, token, err := store.NewRegistry(db).Register(cmd.Context(), store.RegisterParams{
					Slug: slug, Name: name, Hostname: hostname, Description: desc, Inactive: inactive,
				})
				if err != nil {
					return err
				}
				printToken(cfg, srv.Slug, token)
				return nil
			})
		},
	}
	registerCmd.Flags().String("name", "", "Display name (required)")
	registerCmd.Flags().String("slug", "", "URL slug (default derived from the name)")
	registerCmd.Flags().String("hostname", "", "Hostname of the machine")
	registerCmd.Flags().String("description", "", "Free-form description")
	registerCmd.Flags().Bool("inactive", false, "Register the server disabled")

	// ── token subcommand ──────────────────────────────────────────────────────
	tokenCmd := &cobra.Command{Use: "token", Short: "Manage ingest tokens"}
	rotateCmd := &cobra.Command{
		Use:   "rotate <slug>",
		Short: "Issue a new ingest token; the previous one stops working",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return withDB(cfg, func(db *gorm.DB) error {
				srv, token, err := store.NewRegistry(db).RotateToken(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printToken(cfg, srv.Slug, token)
				return nil
			})
		},
	}
	tokenCmd.AddCommand(rotateCmd)

	// ── hashpw subcommand ─────────────────────────────────────────────────────
	hashCmd := &cobra.Command{
		Use:   "hashpw [password]",
		Short: "Print a bcrypt hash for an accounts[].password_hash entry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pw string
			if len(args) == 1 {
				pw = args[0]
			} else {
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading password: %w", err)
				}
				pw = strings.TrimRight(line, "\r\n")
			}
			hash, err := auth.HashPassword(pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print talonscope version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("talonscope %s\n", version)
		},
	}

	root.AddCommand(serverCmd, agentCmd, collectCmd, registerCmd, tokenCmd, hashCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(ctx context.Context, src *config.Source, cfg *config.Config) error {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close(db)

	registry := store.NewRegistry(db)
	snapshots := store.NewSnapshotStore(db)
	notes := store.NewNotifications(db, cfg.NotificationCooldown)
	authSvc := auth.NewService(cfg.Accounts, cfg.AllowedEmails, cfg.AllowedDomains)
	metrics := telemetry.New(telemetry.StoreInventory{Registry: registry, Snapshots: snapshots})
	hub := live.NewHub(slog.Default())
	gateway := ingest.NewGateway(registry, snapshots, ingest.Options{
		RetentionDays: cfg.RetentionDays,
		Authorizer:    authSvc,
		Notifications: notes,
		Observers:     []ingest.Observer{metrics, hub},
		Logger:        slog.Default(),
	})

	if authSvc.Accounts.Len() == 0 {
		slog.Warn("no operator accounts configured: login and enrollment are disabled")
	}
	src.Watch(func(next *config.Config, err error) {
		if err != nil {
			slog.Error("config reload failed, keeping previous settings", "err", err)
			return
		}
		authSvc.Refresh(next.Accounts, next.AllowedEmails, next.AllowedDomains)
		if err := setLevel(next.LogLevel); err != nil {
			slog.Warn("config reload: bad log level", "err", err)
		}
		slog.Info("config reloaded", "accounts", authSvc.Accounts.Len())
	})

	gin.SetMode(gin.ReleaseMode)
	api := server.New(server.Options{
		Config:        cfg,
		DB:            db,
		Registry:      registry,
		Snapshots:     snapshots,
		Notifications: notes,
		Gateway:       gateway,
		Auth:          authSvc,
		JWT:           server.NewJWT(cfg.JWTSecret, cfg.JWTTTL),
		Metrics:       metrics,
		Hub:           hub,
		Logger:        slog.Default(),
	})

	ctrlAddr := net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ControlPort))
	dataAddr := net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.DataPort))
	fmt.Printf("  ✓ Control plane (JWT API, /metrics, stream) → http://%s\n", ctrlAddr)
	fmt.Printf("  ✓ Data    plane (enroll + ingest)           → http://%s\n\n", dataAddr)

	ctrlSrv := &http.Server{Addr: ctrlAddr, Handler: api.ControlHandler(), ReadHeaderTimeout: 10 * time.Second}
	dataSrv := &http.Server{Addr: dataAddr, Handler: api.DataHandler(), ReadHeaderTimeout: 10 * time.Second}

	// Run both servers; the first failure or a signal shuts both down.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{ctrlSrv, dataSrv} {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(ctrlSrv.Shutdown(shutCtx), dataSrv.Shutdown(shutCtx))
	})
	return g.Wait()
}

func runCollect(ctx context.Context, cfg *config.Config, interval time.Duration, once bool) error {
	return withDB(cfg, func(db *gorm.DB) error {
		registry := store.NewRegistry(db)
		host := agent.DescribeHost(ctx)
		srv, err := registry.EnsureLocal(ctx, cfg.LocalSlug, cfg.LocalName, host.Hostname)
		if err != nil {
			return err
		}
		gateway := ingest.NewGateway(registry, store.NewSnapshotStore(db), ingest.Options{
			RetentionDays: cfg.RetentionDays,
			Notifications: store.NewNotifications(db, cfg.NotificationCooldown),
			Logger:        slog.Default(),
		})
		collector := agent.NewCollector(cfg.Agent.Disks)
		meta := map[string]any{"hostname": host.Hostname, "version": version, "platform": host.Platform, "mode": "local"}

		tick := func() error {
			sample, err := collector.Collect(ctx)
			if err != nil {
				return err
			}
			snap, err := gateway.IngestSample(ctx, srv, sample, meta)
			if err != nil {
				return err
			}
			slog.Info("sample stored", "slug", srv.Slug, "snapshot_id", snap.ID,
				"bottleneck", snap.Bottleneck, "confidence", snap.BottleneckConfidence)
			return nil
		}

		if once {
			return tick()
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := tick(); err != nil {
				slog.Warn("local collection failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}

func withDB(cfg *config.Config, fn func(*gorm.DB) error) error {
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close(db)
	return fn(db)
}

func printToken(cfg *config.Config, slug, token string) {
	host := cfg.ServerHost
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.DataPort))
	fmt.Printf("  ✓ Server:       %s\n", slug)
	fmt.Printf("  ✓ Ingest token: %s  (shown once)\n", token)
	fmt.Printf("  ✓ Agent:        talonscope agent --server-url %s --slug %s --token %s\n", url, slug, token)
}

// normalizeServerURL accepts "host", "host:port" or a full URL and returns
// a URL with a scheme and port.
func normalizeServerURL(raw string, dataPort int) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return raw
	}
	scheme := "http"
	if i := strings.Index(raw, "://"); i >= 0 {
		scheme, raw = raw[:i], raw[i+3:]
	}
	if !containsPort(raw) {
		host := strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
		raw = net.JoinHostPort(host, strconv.Itoa(dataPort))
	}
	return scheme + "://" + raw
}

// containsPort checks whether addr already has a port suffix.
func containsPort(addr string) bool {
	if strings.HasPrefix(addr, "[") {
		return strings.Contains(addr, "]:")
	}
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return true
		}
		if addr[i] == '/' {
			break
		}
	}
	return false
}
