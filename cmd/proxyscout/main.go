package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ResistanceIsUseless/ProxyScout/internal/config"
	"github.com/ResistanceIsUseless/ProxyScout/internal/harvest"
	"github.com/ResistanceIsUseless/ProxyScout/internal/judge"
	"github.com/ResistanceIsUseless/ProxyScout/internal/loader"
	"github.com/ResistanceIsUseless/ProxyScout/internal/logging"
	"github.com/ResistanceIsUseless/ProxyScout/internal/manager"
	"github.com/ResistanceIsUseless/ProxyScout/internal/metrics"
	"github.com/ResistanceIsUseless/ProxyScout/internal/output"
	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
	"github.com/ResistanceIsUseless/ProxyScout/internal/requestor"
	"github.com/ResistanceIsUseless/ProxyScout/internal/sleuth"
	"github.com/ResistanceIsUseless/ProxyScout/internal/store"
	"github.com/ResistanceIsUseless/ProxyScout/internal/ui"
)

// Exit codes
const (
	exitOK          = 0
	exitConfigError = 1
	exitIOError     = 2
	exitNoAlive     = 3
)

const usage = `ProxyScout: proxy discovery, validation and enrichment

Usage:
  proxyscout [flags] gather            run full ingest, validate, enrich cycle
  proxyscout [flags] check <url>       validate a single proxy URL
  proxyscout [flags] enrich <url>      metadata lookup only
  proxyscout [flags] list              dump pool records
  proxyscout [flags] stats             dump pool statistics

Flags:
`

type app struct {
	config     *config.Config
	configPath string
	logger     *logging.Logger
	requestor  *requestor.Requestor
	sleuth     *sleuth.Sleuth
	collector  *metrics.Collector
	store      *store.Store

	verbose bool
	noUI    bool
	enrich   bool
	listOut  string
	jsonOut  string
	aliveOut string
}

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "config/default.yaml", "Path to config file")
	concurrency := flag.Int("concurrency", 0, "Number of concurrent validations (overrides config)")
	timeout := flag.Int("timeout", 0, "Request timeout in seconds (overrides config)")
	verbose := flag.Bool("verbose", false, "Enable verbose output")
	debug := flag.Bool("d", false, "Enable debug logging")
	noUI := flag.Bool("no-ui", false, "Disable terminal UI (for automation/scripting)")
	proxyList := flag.String("l", "", "File containing list of proxies to ingest")
	textOut := flag.String("o", "", "Output results to text file")
	jsonOut := flag.String("j", "", "Output results to JSON file")
	aliveOut := flag.String("wp", "", "Output rotation-eligible proxies to file")
	doEnrich := flag.Bool("enrich", false, "Enrich alive proxies with metadata after validation")

	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return exitConfigError
	}
	if *concurrency > 0 {
		cfg.Proxies.ParallelValidations = *concurrency
	}
	if *timeout > 0 {
		cfg.HTTP.TimeoutSecs = *timeout
	}
	if result := cfg.Validate(); !result.Valid {
		for _, validationErr := range result.Errors {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", validationErr)
		}
		return exitConfigError
	}

	level := logging.ParseLevel(cfg.Log.Level)
	if *debug {
		level = logging.LevelDebug
	} else if *verbose {
		level = logging.LevelInfo
	}
	logger := logging.NewLogger(logging.Config{
		Level:  level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	logger.ConfigLoaded(*configFile)

	req := requestor.New(requestor.Config{
		Timeout:            cfg.Timeout(),
		DefaultHeaders:     cfg.HTTP.DefaultHeaders,
		UserAgents:         cfg.HTTP.UserAgents,
		InsecureSkipVerify: cfg.HTTP.InsecureSkipVerify,
	})

	a := &app{
		config:     cfg,
		configPath: *configFile,
		logger:     logger,
		requestor:  req,
		sleuth:     sleuth.New(req, cfg.JudgeTimeout()),
		store:      store.New(cfg.Storage.ProxiesPath, cfg.Storage.SourcesPath),
		verbose:    *verbose || *debug,
		noUI:       *noUI,
		enrich:     *doEnrich,
		listOut:    *textOut,
		jsonOut:    *jsonOut,
		aliveOut:   *aliveOut,
	}

	if cfg.Metrics.Enabled {
		a.collector = metrics.NewCollector()
		if err := a.collector.StartServer(cfg.Metrics.Listen); err != nil {
			logger.Warn("Metrics server failed to start", "error", err)
		}
		defer a.collector.StopServer()
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return exitConfigError
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	switch args[0] {
	case "gather":
		return a.runGather(ctx, *proxyList)
	case "check":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "check requires a proxy URL")
			return exitConfigError
		}
		return a.runCheck(ctx, args[1])
	case "enrich":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "enrich requires a proxy URL")
			return exitConfigError
		}
		return a.runEnrich(ctx, args[1])
	case "list":
		return a.runList(false)
	case "stats":
		return a.runList(true)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		flag.Usage()
		return exitConfigError
	}
}

// signalContext cancels on SIGINT/SIGTERM
func signalContext(logger *logging.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			logger.ShutdownReceived()
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// poolPolicy maps the config schema onto the manager's policy
func poolPolicy(cfg *config.Config) manager.Config {
	return manager.Config{
		MaxLatency:             time.Duration(cfg.Proxies.MaxLatencyMs) * time.Millisecond,
		MaxConsecutiveFailures: cfg.Proxies.MaxConsecutiveFailures,
		MinSuccessRate:         cfg.Proxies.MinSuccessRate,
		FailureCooldown:        time.Duration(cfg.Proxies.CooldownSecs) * time.Second,
		MaxProxyAge:            time.Duration(cfg.Proxies.MaxAgeSecs) * time.Second,
		ParallelValidations:    cfg.Proxies.ParallelValidations,
		RequestRetries:         cfg.HTTP.Retries,
	}
}

// newManager builds the pool manager with a freshly initialized judge
func (a *app) newManager(onUpdate manager.UpdateHandler) (*manager.Manager, error) {
	j, err := judge.New(judge.Config{
		URLs:    a.config.Judge.URLs,
		Timeout: a.config.JudgeTimeout(),
	}, a.requestor, a.logger, a.sleuth.PublicIP)
	if err != nil {
		return nil, err
	}

	return manager.New(poolPolicy(a.config), j, a.sleuth, a.logger, a.collector, onUpdate), nil
}

// watchPolicy keeps the pool policy in sync with config edits for the
// lifetime of a gather run. Only the pool policy (latency ceiling,
// failure threshold, success-rate floor, cooldown, max age, retries)
// follows the file; the judge baseline, concurrency cap and all other
// settings keep their startup values.
func (a *app) watchPolicy(mgr *manager.Manager) func() {
	reloader, err := config.NewReloader(a.configPath, 0, func(err error) {
		a.logger.Warn("Config reload rejected", "error", err)
	})
	if err != nil {
		a.logger.Warn("Config hot reload unavailable", "error", err)
		return func() {}
	}

	go func() {
		for snapshot := range reloader.Changes() {
			mgr.UpdatePolicy(poolPolicy(snapshot))
			a.logger.Info("Pool policy reloaded",
				"max_latency_ms", snapshot.Proxies.MaxLatencyMs,
				"min_success_rate", snapshot.Proxies.MinSuccessRate,
				"cooldown_secs", snapshot.Proxies.CooldownSecs,
				"retries", snapshot.HTTP.Retries)
		}
	}()

	return func() { reloader.Stop() }
}

// runGather executes the full ingest, validate, enrich, persist cycle
func (a *app) runGather(ctx context.Context, proxyList string) int {
	var progressSend func(tea.Msg)
	var countsMutex sync.Mutex
	var counts struct{ done, total, alive, failed int }

	mgr, err := a.newManager(func(record *proxy.Record) {
		countsMutex.Lock()
		counts.done++
		switch record.State {
		case proxy.StateAlive:
			counts.alive++
		default:
			counts.failed++
		}
		msg := ui.ProgressMsg{
			Done:    counts.done,
			Total:   counts.total,
			Alive:   counts.alive,
			Failed:  counts.failed,
			Current: record.Redacted(),
		}
		countsMutex.Unlock()
		if progressSend != nil {
			progressSend(msg)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Judge initialization failed: %v\n", err)
		return exitIOError
	}

	// Seed from the persisted pool
	if records, err := a.store.LoadPool(); err != nil {
		a.logger.Warn("Could not load persisted pool", "error", err)
	} else {
		for _, record := range records {
			mgr.Ingest(record)
		}
	}

	// Ingest an explicit list when given
	if proxyList != "" {
		records, warnings, err := loader.LoadProxies(proxyList)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading proxies: %v\n", err)
			return exitIOError
		}
		for _, warning := range warnings {
			a.logger.Warn(warning)
		}
		for _, record := range records {
			mgr.Ingest(record)
		}
	}

	// Harvest configured sources
	if len(a.config.Sources) > 0 {
		harvester := harvest.New(a.requestor, a.logger, a.config.Timeout(),
			time.Duration(a.config.HTTP.DelayMs)*time.Millisecond)
		sources := make([]*harvest.Source, 0, len(a.config.Sources))
		for _, s := range a.config.Sources {
			sources = append(sources, &harvest.Source{
				URL:               s.URL,
				UserAgent:         s.UserAgent,
				ExtractionPattern: s.ExtractionPattern,
			})
		}
		if _, err := harvester.HarvestAll(ctx, sources, mgr.Ingest); err != nil {
			a.logger.Warn("Harvest interrupted", "error", err)
		}
		if err := a.store.SaveSources(sources); err != nil {
			a.logger.Warn("Could not persist sources", "error", err)
		}
	}

	autosaver, err := store.NewAutosaver(a.store, a.logger,
		time.Duration(a.config.Storage.AutoSaveIntervalSecs)*time.Second, mgr.Snapshot)
	if err == nil {
		autosaver.Start()
		defer autosaver.Stop()
	}

	stopWatching := a.watchPolicy(mgr)
	defer stopWatching()

	counts.total = mgr.Stats().Total

	if !a.noUI {
		program := tea.NewProgram(ui.NewModel(counts.total))
		progressSend = program.Send
		go func() {
			mgr.CheckAll(ctx)
			if a.enrich {
				mgr.EnrichAlive()
			}
			program.Send(ui.DoneMsg{})
		}()
		if _, err := program.Run(); err != nil {
			a.logger.Warn("UI failed, continuing headless", "error", err)
		}
		mgr.Wait()
	} else {
		mgr.CheckAll(ctx)
		if a.enrich {
			mgr.EnrichAlive()
		}
	}

	stats := mgr.Stats()
	a.logger.SummaryStats(stats.Total, stats.Alive, stats.Failing, stats.Dead)

	if code := a.writeOutputs(mgr); code != exitOK {
		return code
	}
	if err := a.store.SavePool(mgr.Snapshot()); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving pool: %v\n", err)
		return exitIOError
	}

	if stats.Alive == 0 {
		return exitNoAlive
	}
	return exitOK
}

// runCheck validates a single proxy URL synchronously
func (a *app) runCheck(ctx context.Context, rawURL string) int {
	mgr, err := a.newManager(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Judge initialization failed: %v\n", err)
		return exitIOError
	}

	key, _, err := mgr.IngestURL(rawURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid proxy URL: %v\n", err)
		return exitConfigError
	}

	if err := mgr.Check(key); err != nil {
		fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
		return exitIOError
	}
	mgr.Wait()

	record, _ := mgr.Get(key)
	results := output.Convert([]*proxy.Record{record})
	fmt.Printf("%s  state=%s anonymity=%s latency=%dms attempts=%d\n",
		results[0].Proxy, results[0].State, results[0].Anonymity,
		results[0].LatencyMs, results[0].AttemptCount)

	if record.State != proxy.StateAlive {
		return exitNoAlive
	}
	return exitOK
}

// runEnrich performs a metadata-only lookup
func (a *app) runEnrich(ctx context.Context, rawURL string) int {
	record, err := proxy.Parse(rawURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid proxy URL: %v\n", err)
		return exitConfigError
	}

	metadata, err := a.sleuth.Lookup(ctx, record.Host)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Lookup failed: %v\n", err)
		return exitIOError
	}

	fmt.Printf("%s\n", record.URL())
	fmt.Printf("  country=%s region=%s city=%s\n", metadata.Country, metadata.Region, metadata.City)
	fmt.Printf("  asn=%s organization=%s\n", metadata.ASN, metadata.Organization)
	return exitOK
}

// runList prints the persisted pool; stats mode prints only the summary
func (a *app) runList(statsOnly bool) int {
	records, err := a.store.LoadPool()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading pool: %v\n", err)
		return exitIOError
	}

	stats := manager.Stats{ByKind: map[string]int{}, ByCountry: map[string]int{}}
	alive := 0
	for _, record := range records {
		stats.Total++
		stats.ByKind[string(record.Kind)]++
		switch record.State {
		case proxy.StateAlive:
			stats.Alive++
			alive++
		case proxy.StateFailing:
			stats.Failing++
		case proxy.StateDead:
			stats.Dead++
		default:
			stats.Untested++
		}
		if record.Metadata != nil && record.Metadata.Country != "" {
			stats.ByCountry[record.Metadata.Country]++
		}
	}

	summary := output.GenerateSummary(stats, records)
	if statsOnly {
		summary.Results = nil
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding summary: %v\n", err)
		return exitIOError
	}
	fmt.Println(string(data))

	if alive == 0 && stats.Total > 0 {
		return exitNoAlive
	}
	return exitOK
}

// writeOutputs saves the requested output files after a gather run
func (a *app) writeOutputs(mgr *manager.Manager) int {
	records := mgr.Snapshot()
	summary := output.GenerateSummary(mgr.Stats(), records)

	if a.jsonOut != "" {
		if err := output.SaveJSON(a.jsonOut, summary); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing JSON output: %v\n", err)
			return exitIOError
		}
	}
	if a.listOut != "" {
		if err := output.SaveText(a.listOut, summary); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing text output: %v\n", err)
			return exitIOError
		}
	}
	if a.aliveOut != "" {
		if err := output.SaveAliveList(a.aliveOut, mgr.Eligible()); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing alive list: %v\n", err)
			return exitIOError
		}
	}
	return exitOK
}
