// pocketshield-scanner walks directories through the scan pipeline:
// enumerate, validate, expand, hash, signature-match, reputation, respond.
//
// Usage:
//
//	pocketshield-scanner -target /srv/uploads
//	pocketshield-scanner -config scanner.yaml /home /opt
//	pocketshield-scanner -list-quarantine
//	pocketshield-scanner -restore 1b4e28ba-2fa1-11d2-883f-0016d3cca427
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pocketshield/scanengine/pkg/action"
	"github.com/pocketshield/scanengine/pkg/archive"
	"github.com/pocketshield/scanengine/pkg/audit"
	"github.com/pocketshield/scanengine/pkg/config"
	"github.com/pocketshield/scanengine/pkg/hashing"
	"github.com/pocketshield/scanengine/pkg/health"
	"github.com/pocketshield/scanengine/pkg/logging"
	"github.com/pocketshield/scanengine/pkg/metrics"
	"github.com/pocketshield/scanengine/pkg/orchestrator"
	"github.com/pocketshield/scanengine/pkg/quarantine"
	"github.com/pocketshield/scanengine/pkg/reputation"
	"github.com/pocketshield/scanengine/pkg/scan"
	"github.com/pocketshield/scanengine/pkg/signature"
	"github.com/pocketshield/scanengine/pkg/store"
	"github.com/pocketshield/scanengine/pkg/validate"
)

const (
	appName    = "pocketshield-scanner"
	appVersion = "1.0.0"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to YAML config file")
	target := flag.String("target", "", "Directory to scan (or pass roots as arguments)")
	workers := flag.Int("workers", 0, "Number of pipeline workers (overrides config)")
	maxFiles := flag.Int("max-files", 0, "Stop after enumerating this many files (0 = unlimited)")
	resume := flag.String("resume", "", "Resume enumeration from a previous session ID")
	rulePaths := flag.String("rules", "", "Comma-separated extra signature rule files")
	dryRun := flag.Bool("dry-run", false, "Compute actions but never quarantine or modify files")
	noArchives := flag.Bool("no-archives", false, "Skip archive expansion")
	noReputation := flag.Bool("no-reputation", false, "Skip reputation lookups")
	serveMetrics := flag.Bool("metrics", false, "Serve Prometheus metrics and health endpoints during the scan")
	verbose := flag.Bool("verbose", false, "Verbose output")
	outputJSON := flag.Bool("json", false, "Output the session summary as JSON")
	outputFile := flag.String("output", "", "Output file path (instead of stdout)")
	listQuarantine := flag.Bool("list-quarantine", false, "List quarantined files")
	restoreID := flag.String("restore", "", "Restore a quarantined file by entry ID")
	restoreTo := flag.String("restore-to", "", "Destination path for -restore (default: original path)")
	purgeID := flag.String("purge", "", "Permanently delete a quarantined file by entry ID")
	listSessions := flag.Bool("list-sessions", false, "List recent scan sessions")
	showSession := flag.String("show", "", "Show the stored summary for a session ID")
	pruneCache := flag.Bool("prune-cache", false, "Remove expired reputation cache entries and exit")
	showVersion := flag.Bool("version", false, "Show version")

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Flag overrides
	if *workers > 0 {
		cfg.Scan.Workers = *workers
	}
	if *maxFiles > 0 {
		cfg.Scan.MaxFiles = *maxFiles
	}
	if *verbose {
		cfg.Scan.Verbose = true
	}
	if *dryRun {
		cfg.Action.DryRun = true
	}
	if *noArchives {
		cfg.Archive.Enabled = false
	}
	if *noReputation {
		cfg.Reputation.Enabled = false
	}
	if *rulePaths != "" {
		for _, p := range strings.Split(*rulePaths, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Signature.RulePaths = append(cfg.Signature.RulePaths, p)
			}
		}
	}

	logger := logging.FromVerbose(appName, cfg.Scan.Verbose)

	// Quarantine management modes run without the full pipeline.
	if *listQuarantine || *restoreID != "" || *purgeID != "" {
		if err := runQuarantineOp(cfg, logger, *listQuarantine, *restoreID, *restoreTo, *purgeID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted, finishing in-flight files...")
		cancel()
	}()

	if *listSessions || *showSession != "" || *pruneCache {
		if err := runStoreOp(ctx, cfg, *listSessions, *showSession, *pruneCache); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	roots := flag.Args()
	if *target != "" {
		roots = append(roots, *target)
	}
	if len(roots) == 0 {
		roots = cfg.Scan.Roots
	}
	if len(roots) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no scan roots. Pass -target, arguments, or set scan.roots in the config.")
		flag.Usage()
		os.Exit(1)
	}

	if err := runScan(ctx, cfg, logger, roots, *resume, *serveMetrics, *outputJSON, *outputFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// ===== Scan mode =====

func runScan(ctx context.Context, cfg *config.Config, logger logging.Logger, roots []string, resume string, serveMetrics, outputJSON bool, outputFile string) error {
	collector := buildCollector(serveMetrics)

	st, err := store.New(&store.Config{DatabasePath: cfg.Store.Path})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sigs, err := signature.New(&signature.Config{
		RulePaths:      cfg.Signature.RulePaths,
		DisableBuiltin: cfg.Signature.DisableBuiltin,
		MaxScanBytes:   cfg.Signature.MaxScanBytes,
	})
	if err != nil {
		return fmt.Errorf("load signature rules: %w", err)
	}
	logger.Info("loaded %d signature rules", sigs.RuleCount())

	hasher, err := hashing.New(nil)
	if err != nil {
		return fmt.Errorf("hash engine: %w", err)
	}

	validator := validate.New(&validate.Config{
		MaxFileSize:         cfg.Scan.MaxFileSize,
		Extensions:          cfg.Scan.Extensions,
		TransientExtensions: cfg.Scan.TransientExtensions,
		SkipEmpty:           true,
	})

	expander := archive.New(&archive.Config{
		MaxDepth:          cfg.Archive.MaxDepth,
		MaxRatio:          cfg.Archive.MaxRatio,
		MaxExtractedBytes: cfg.Archive.MaxExtractedBytes,
		MaxEntries:        cfg.Archive.MaxEntries,
		TempDir:           cfg.Archive.TempDir,
	}, logger)

	auditLog, err := audit.NewLogger(&audit.LoggerConfig{
		LogFile:       cfg.Audit.Path,
		BufferSize:    cfg.Audit.BufferSize,
		FlushInterval: cfg.Audit.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("audit log: %w", err)
	}
	auditLog.Start()
	defer auditLog.Stop()

	vault, err := quarantine.New(&quarantine.Config{
		Dir:     cfg.Quarantine.Dir,
		KeyFile: cfg.Quarantine.KeyFile,
	}, quarantine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("quarantine: %w", err)
	}

	policy := &action.Config{
		QuarantineBelow:     cfg.Action.QuarantineBelow,
		AlertBelow:          cfg.Action.AlertBelow,
		MonitorRecentWithin: cfg.Action.MonitorRecentWithin,
		DryRun:              cfg.Action.DryRun,
	}
	applier := action.NewApplier(policy, auditLog,
		action.WithVault(vault),
		action.WithLogger(logger),
		action.WithMetrics(collector),
	)

	var rep orchestrator.ReputationLookup
	if cfg.Reputation.Enabled {
		rep = buildReputation(cfg, st, logger, collector)
	}

	orch, err := orchestrator.New(&orchestrator.Config{
		Workers:         cfg.Scan.Workers,
		FileTimeout:     cfg.Scan.FileTimeout,
		ExpandArchives:  cfg.Archive.Enabled,
		CheckReputation: cfg.Reputation.Enabled,
	}, orchestrator.Deps{
		Validator:  validator,
		Expander:   expander,
		Hasher:     hasher,
		Signatures: sigs,
		Reputation: rep,
		Applier:    applier,
		Policy:     policy,
		Store:      st,
		Audit:      auditLog,
	}, orchestrator.WithLogger(logger), orchestrator.WithMetrics(collector))
	if err != nil {
		return err
	}

	if serveMetrics {
		startMetricsServer(cfg, logger, collector, st, sigs, vault)
	}

	fmt.Printf("Scanning %s (%d workers)...\n", strings.Join(roots, ", "), cfg.Scan.Workers)
	start := time.Now()

	sessionID, err := orch.StartScan(ctx, orchestrator.Request{
		Roots:           roots,
		ExcludeDirs:     cfg.Scan.ExcludeDirs,
		TrustedRoots:    cfg.Scan.TrustedRoots,
		MaxFiles:        cfg.Scan.MaxFiles,
		CheckpointEvery: cfg.Scan.CheckpointEvery,
		FollowSymlinks:  cfg.Scan.FollowSymlinks,
		ResumeSessionID: resume,
	})
	if err != nil {
		return err
	}

	// Cancel the session promptly on signal instead of waiting for the
	// context to drain through the workers.
	go func() {
		<-ctx.Done()
		_ = orch.Cancel(sessionID)
	}()

	events, unsubscribe := orch.Subscribe()
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		reportProgress(events, sessionID, cfg.Scan.Verbose)
	}()

	if err := orch.Wait(sessionID); err != nil {
		unsubscribe()
		return err
	}
	unsubscribe()
	<-progressDone

	sess, err := orch.GetSession(context.Background(), sessionID)
	if err != nil {
		return err
	}
	findings, err := st.GetFindings(context.Background(), sessionID)
	if err != nil {
		return err
	}

	summary := orchestrator.BuildSummary(sess, findings)

	if outputJSON || outputFile != "" {
		if err := writeSummaryJSON(summary, outputFile); err != nil {
			return err
		}
	}
	if !outputJSON || outputFile != "" {
		printSummary(summary, time.Since(start))
		printStorageHealth(cfg)
	}

	if sess.Status == scan.StatusFailed {
		return fmt.Errorf("session %s failed: %s", sessionID, sess.FailureReason)
	}
	return nil
}

func buildCollector(serveMetrics bool) metrics.Collector {
	if !serveMetrics {
		return &metrics.NopCollector{}
	}
	return metrics.NewPrometheusCollector(&metrics.PrometheusConfig{
		Namespace:              "pocketshield",
		Subsystem:              "scanner",
		RegisterDefaultMetrics: true,
	})
}

func buildReputation(cfg *config.Config, st *store.Store, logger logging.Logger, collector metrics.Collector) *reputation.Client {
	var sources []reputation.Source
	for _, sc := range cfg.Reputation.Sources {
		if !sc.Enabled {
			continue
		}
		switch {
		case strings.Contains(sc.Name, "exchange"):
			sources = append(sources, reputation.NewExchangeSource(sc.Name, sc.BaseURL, os.ExpandEnv(sc.APIKey)))
		case sc.BaseURL != "" && !strings.HasPrefix(sc.BaseURL, "http"):
			src, err := reputation.NewLocalDBSource(sc.BaseURL)
			if err != nil {
				logger.Warn("reputation source %s: %v", sc.Name, err)
				continue
			}
			sources = append(sources, src)
		default:
			sources = append(sources, reputation.NewCloudSource(sc.Name, sc.BaseURL, os.ExpandEnv(sc.APIKey)))
		}
	}
	return reputation.New(&reputation.Config{
		CacheTTL:      cfg.Reputation.CacheTTL,
		RateBurst:     cfg.Reputation.RateBurst,
		RateWindow:    cfg.Reputation.RateWindow,
		LookupTimeout: cfg.Reputation.LookupTimeout,
	}, sources,
		reputation.WithStore(st),
		reputation.WithLogger(logger),
		reputation.WithMetrics(collector),
	)
}

func startMetricsServer(cfg *config.Config, logger logging.Logger, collector metrics.Collector, st *store.Store, sigs *signature.Engine, vault *quarantine.Vault) {
	prom, ok := collector.(*metrics.PrometheusCollector)
	if !ok {
		return
	}

	handler := health.NewHandler(health.WithVersion(appVersion))
	handler.Register("store", &health.StoreCheck{
		PingFunc: func(ctx context.Context) error {
			_, err := st.ListSessions(ctx, 1)
			return err
		},
	})
	handler.Register("rules", &health.RuleSetCheck{CountFunc: sigs.RuleCount})
	handler.Register("quarantine", &health.QuarantineCheck{Dir: vault.Dir()})
	handler.Register("disk", &health.DiskCheck{
		Path:         cfg.Store.Path,
		MinFreeBytes: cfg.Store.MinFreeBytes,
	})
	handler.SetReady(true)

	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	health.RegisterRoutes(mux, &health.ServerConfig{
		Address:       cfg.Metrics.Listen,
		LivenessPath:  "/healthz",
		ReadinessPath: "/readyz",
		HealthPath:    "/health",
		Handler:       handler,
	})

	go func() {
		logger.Info("metrics listening on %s", cfg.Metrics.Listen)
		if err := http.ListenAndServe(cfg.Metrics.Listen, mux); err != nil {
			logger.Warn("metrics server: %v", err)
		}
	}()
}

func reportProgress(events <-chan scan.ProgressEvent, sessionID string, verbose bool) {
	var lastReport time.Time
	for ev := range events {
		if ev.SessionID != sessionID {
			continue
		}
		if verbose && ev.Path != "" {
			fmt.Printf("  [%s] %s\n", ev.Stage, ev.Path)
			continue
		}
		if time.Since(lastReport) < 2*time.Second {
			continue
		}
		lastReport = time.Now()
		fmt.Printf("  %d/%d files, %d threats\n", ev.Processed, ev.Total, ev.ThreatCount)
	}
}

// ===== Output =====

func printSummary(s *orchestrator.Summary, elapsed time.Duration) {
	fmt.Println()
	fmt.Println("=== Scan Summary ===")
	fmt.Printf("Session:  %s\n", s.SessionID)
	fmt.Printf("Status:   %s\n", s.Status)
	fmt.Printf("Duration: %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Scanned:  %d files (%d skipped, %d unpacked from archives)\n",
		s.FilesScanned, s.FilesSkipped, s.Unpacked)
	fmt.Printf("Threats:  %d (errors: %d)\n", s.Threats, s.Errors)

	if s.Severities.Total > 0 {
		fmt.Println()
		fmt.Println("By severity:")
		if s.Severities.Critical > 0 {
			fmt.Printf("  Critical: %d\n", s.Severities.Critical)
		}
		if s.Severities.High > 0 {
			fmt.Printf("  High:     %d\n", s.Severities.High)
		}
		if s.Severities.Medium > 0 {
			fmt.Printf("  Medium:   %d\n", s.Severities.Medium)
		}
		if s.Severities.Low > 0 {
			fmt.Printf("  Low:      %d\n", s.Severities.Low)
		}
		if s.Severities.Info > 0 {
			fmt.Printf("  Info:     %d\n", s.Severities.Info)
		}
	}

	if len(s.TopThreats) > 0 {
		fmt.Println()
		fmt.Println("Top threats:")
		for _, t := range s.TopThreats {
			fmt.Printf("  [%s/%s] %s -> %s\n", t.Level, t.Severity, t.Path, t.Action)
			for _, r := range t.Reasons {
				fmt.Printf("      - %s\n", r)
			}
		}
	}

	if len(s.Recommendations) > 0 {
		fmt.Println()
		for _, r := range s.Recommendations {
			fmt.Printf("* %s\n", r)
		}
	}
}

func printStorageHealth(cfg *config.Config) {
	check := &health.DiskCheck{
		Path:         cfg.Store.Path,
		MinFreeBytes: cfg.Store.MinFreeBytes,
	}
	result := check.Check(context.Background())
	if free, ok := result.Metadata["free_percent"]; ok {
		fmt.Printf("\nStorage: %s (%v free)\n", result.Status, free)
	}
	if result.Error != "" {
		fmt.Printf("Storage warning: %s\n", result.Error)
	}
}

func writeSummaryJSON(s *orchestrator.Summary, path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("Summary written to %s\n", path)
	return nil
}

// ===== Quarantine management =====

func runQuarantineOp(cfg *config.Config, logger logging.Logger, list bool, restoreID, restoreTo, purgeID string) error {
	vault, err := quarantine.New(&quarantine.Config{
		Dir:     cfg.Quarantine.Dir,
		KeyFile: cfg.Quarantine.KeyFile,
	}, quarantine.WithLogger(logger))
	if err != nil {
		return err
	}

	switch {
	case list:
		entries, err := vault.List()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Quarantine is empty.")
			return nil
		}
		fmt.Printf("%-36s  %-19s  %s\n", "ID", "QUARANTINED", "ORIGINAL PATH")
		for _, e := range entries {
			fmt.Printf("%-36s  %-19s  %s\n", e.ID, e.QuarantinedAt.Format("2006-01-02 15:04:05"), e.OriginalPath)
			if e.Reason != "" {
				fmt.Printf("%38s%s\n", "", e.Reason)
			}
		}
		return nil

	case restoreID != "":
		dest, err := vault.Restore(restoreID, restoreTo)
		if err != nil {
			return err
		}
		fmt.Printf("Restored %s to %s\n", restoreID, dest)
		return nil

	case purgeID != "":
		if err := vault.Purge(purgeID); err != nil {
			return err
		}
		fmt.Printf("Purged %s\n", purgeID)
		return nil
	}
	return nil
}

// ===== Store management =====

func runStoreOp(ctx context.Context, cfg *config.Config, list bool, showID string, pruneCache bool) error {
	st, err := store.New(&store.Config{DatabasePath: cfg.Store.Path})
	if err != nil {
		return err
	}
	defer st.Close()

	switch {
	case pruneCache:
		n, err := st.PruneReputation(ctx, time.Now())
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d expired reputation entries.\n", n)
		return nil

	case list:
		sessions, err := st.ListSessions(ctx, 20)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions recorded.")
			return nil
		}
		fmt.Printf("%-36s  %-9s  %-19s  %8s  %7s\n", "ID", "STATUS", "STARTED", "SCANNED", "THREATS")
		for _, s := range sessions {
			fmt.Printf("%-36s  %-9s  %-19s  %8d  %7d\n",
				s.ID, s.Status, s.StartedAt.Format("2006-01-02 15:04:05"),
				s.Counters.Actioned, s.ThreatsFound)
		}
		return nil

	case showID != "":
		sess, err := st.GetSession(ctx, showID)
		if err != nil {
			return err
		}
		findings, err := st.GetFindings(ctx, showID)
		if err != nil {
			return err
		}
		summary := orchestrator.BuildSummary(sess, findings)
		printSummary(summary, summary.Duration)
		return nil
	}
	return nil
}
