// Command provisioner drives one compute-endpoint provisioning session from
// the terminal: it triggers the backend, follows the live event stream with a
// polling fallback, and reports the destination URL once the endpoint is up.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"provisioner/pkg/api"
	"provisioner/pkg/channel"
	"provisioner/pkg/config"
	"provisioner/pkg/eventlog"
	"provisioner/pkg/logx"
	"provisioner/pkg/metrics"
	"provisioner/pkg/persistence"
	"provisioner/pkg/session"
	"provisioner/pkg/tscache"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  string
		sessionID   string
		baseURL     string
		journalDir  string
		dbPath      string
		metricsAddr string
		maxRetries  int
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&sessionID, "session", "", "Session identifier (e.g. SLURM job ID)")
	flag.StringVar(&baseURL, "api", "", "Backend API base URL (overrides config)")
	flag.StringVar(&journalDir, "journal", "", "Directory for session journal files (disabled when empty)")
	flag.StringVar(&dbPath, "db", "", "Path to attempt-history SQLite database (disabled when empty)")
	flag.StringVar(&metricsAddr, "metrics", "", "Listen address for Prometheus /metrics (disabled when empty)")
	flag.IntVar(&maxRetries, "retries", 0, "Automatic retries after a failed attempt")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("provisioner %s (%s)\n", version, commit)
		return
	}
	if sessionID == "" {
		log.Fatalf("-session is required")
	}

	if configPath == "" {
		configPath = os.Getenv("PROVISIONER_CONFIG")
	}
	cfg, err := loadConfig(configPath, baseURL)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	token := resolveToken(cfg)

	client, err := api.NewClient(cfg.API.BaseURL, token, cfg.API.RequestTimeout.Std())
	if err != nil {
		log.Fatalf("Failed to create API client: %v", err)
	}

	logger := logx.NewLogger("provisioner")
	logger.Info("🚀 provisioning session %s against %s", sessionID, cfg.API.BaseURL)

	set := metrics.New(prometheus.DefaultRegisterer)
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	opts := []session.Option{
		session.WithMetrics(set),
		session.WithDebounce(tscache.New(cfg.Session.DebounceTTL.Std())),
		session.WithOnUpdate(printUpdate(sessionID, os.Stdout)),
		session.WithOpenFunc(func(url string) {
			fmt.Printf("\n✅ endpoint ready: %s\n", url)
		}),
	}

	if journalDir != "" {
		journal, err := eventlog.NewWriter(journalDir)
		if err != nil {
			log.Fatalf("Failed to open session journal: %v", err)
		}
		defer journal.Close() //nolint:errcheck // Best-effort on shutdown
		opts = append(opts, session.WithJournal(journal))
	}

	if dbPath != "" {
		store, err := persistence.Open(dbPath)
		if err != nil {
			log.Fatalf("Failed to open attempt history: %v", err)
		}
		defer store.Close() //nolint:errcheck // Best-effort on shutdown
		opts = append(opts, session.WithRecorder(store))
	}

	machine := session.New(sessionID, client, machineConfig(cfg, token), opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, machine, maxRetries, logger); err != nil {
		machine.Close()
		logger.Error("provisioning failed: %v", err)
		os.Exit(1)
	}
	machine.Close()
}

// run starts the session and waits for a terminal outcome, retrying failed
// attempts up to maxRetries times.
func run(ctx context.Context, machine *session.Machine, maxRetries int, logger *logx.Logger) error {
	if err := machine.Start(ctx); err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		outcome, err := waitTerminal(ctx, machine)
		if err != nil {
			return err
		}
		if outcome.Err == nil {
			return nil
		}
		if attempt >= maxRetries {
			return outcome.Err
		}

		logger.Warn("attempt failed (%s); retrying (%d/%d)", outcome.Err.Kind, attempt+1, maxRetries)
		if err := machine.Retry(ctx); err != nil {
			return err
		}
	}
}

// waitTerminal polls the snapshot until the session reaches ready or error,
// or the context is cancelled.
func waitTerminal(ctx context.Context, machine *session.Machine) (session.Snapshot, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return session.Snapshot{}, ctx.Err()
		case <-ticker.C:
			snap := machine.Snapshot()
			if snap.Stage.Terminal() {
				return snap, nil
			}
		}
	}
}

func loadConfig(path, baseURL string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if baseURL != "" {
		cfg.API.BaseURL = baseURL
	}
	if env := os.Getenv("PROVISIONER_API"); cfg.API.BaseURL == "" && env != "" {
		cfg.API.BaseURL = env
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveToken prefers the config file, then the environment, then an
// interactive prompt when stdin is a terminal. Empty means unauthenticated.
func resolveToken(cfg *config.Config) string {
	if cfg.API.Token != "" {
		return cfg.API.Token
	}
	if env := os.Getenv("PROVISIONER_TOKEN"); env != "" {
		return env
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return ""
	}

	fmt.Fprint(os.Stderr, "API token (empty for none): ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return ""
	}
	return string(raw)
}

func machineConfig(cfg *config.Config, token string) session.Config {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return session.Config{
		Channel: channel.Config{
			ReconnectBase:    cfg.Channel.ReconnectBase.Std(),
			ReconnectMax:     cfg.Channel.ReconnectMax.Std(),
			MaxReconnects:    cfg.Channel.MaxReconnects,
			HandshakeTimeout: cfg.Channel.HandshakeTimeout.Std(),
			Header:           header,
		},
		PollInterval:          cfg.Poller.Interval.Std(),
		PollMaxWindow:         cfg.Poller.MaxWindow.Std(),
		OpenDelay:             cfg.Session.OpenDelay.Std(),
		RetainMessagesOnRetry: cfg.Session.RetainMessagesOnRetry,
	}
}

// printUpdate renders progress to w, printing each new message line once and
// the stage whenever it changes. The machine delivers updates from several
// goroutines, so the closure state is mutex-guarded and snapshots arriving
// out of order are dropped by sequence number.
func printUpdate(sessionID string, w io.Writer) func(session.Snapshot) {
	var (
		mu        sync.Mutex
		lastSeq   uint64
		lastStage string
		printed   int
	)

	return func(snap session.Snapshot) {
		mu.Lock()
		defer mu.Unlock()

		if snap.Seq <= lastSeq {
			return
		}
		lastSeq = snap.Seq

		if len(snap.Messages) < printed {
			// History was reset by a retry.
			printed = 0
		}
		if s := string(snap.Stage); s != lastStage {
			lastStage = s
			fmt.Fprintf(w, "[%s] stage=%s progress=%d%%\n", sessionID, s, snap.Progress)
		}
		for ; printed < len(snap.Messages); printed++ {
			fmt.Fprintf(w, "    %s\n", snap.Messages[printed].Text)
		}
	}
}

func serveMetrics(addr string, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec // Internal metrics endpoint
		logger.Error("metrics server failed: %v", err)
	}
}
