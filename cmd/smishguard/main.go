package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/smishguard/smishguard/pkg/cache"
	"github.com/smishguard/smishguard/pkg/config"
	"github.com/smishguard/smishguard/pkg/detection"
	"github.com/smishguard/smishguard/pkg/httputil"
	"github.com/smishguard/smishguard/pkg/ml"
	"github.com/smishguard/smishguard/pkg/oracle"
	"github.com/smishguard/smishguard/pkg/pipeline"
	"github.com/smishguard/smishguard/pkg/report"
	"github.com/smishguard/smishguard/pkg/semantic"
	"github.com/smishguard/smishguard/pkg/stages"
	"github.com/smishguard/smishguard/pkg/storage"
)

const Version = "0.1.0"

// Detector bundles the wired pipeline and its collaborators.
// Every collaborator is optional and degrades gracefully when unavailable.
type Detector struct {
	cfg   *config.Config
	orch  *pipeline.Orchestrator
	store storage.Store
	index *semantic.Index
}

// NewDetector wires detection components from configuration, logging which
// optional collaborators came up.
func NewDetector(cfg *config.Config) (*Detector, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	deps := &stages.Deps{
		Config: cfg,
		Logger: log.Default(),
	}

	deps.Oracle = oracle.NewClient(cfg)
	if deps.Oracle.IsReady() {
		log.Printf("✓ Oracle enabled (provider: %s, model: %s)", cfg.OracleProvider, deps.Oracle.Model())
	} else {
		log.Println("○ Oracle disabled (heuristic fallback active)")
	}

	deps.Classifier = ml.NewClassifier(ml.ResolveModelPath(cfg.ModelPath))
	if deps.Classifier.IsReady() {
		log.Println("✓ Local spam classifier enabled (hugot/ONNX)")
	} else {
		log.Println("○ Local spam classifier disabled (no ONNX model found)")
	}

	deps.Cache = cache.New(cfg.RedisAddr, cfg.CacheTTL)
	if deps.Cache.Enabled() {
		log.Printf("✓ Redis cache enabled (%s)", cfg.RedisAddr)
	} else {
		log.Println("○ Redis cache disabled")
	}

	var index *semantic.Index
	if cfg.EnableSemantic {
		index = semantic.NewIndex(semanticBaseURL(cfg))
		if index.IsReady() {
			log.Println("✓ Campaign similarity index enabled (chromem-go + Ollama embeddings)")
		} else {
			log.Println("○ Campaign similarity index disabled (Ollama unreachable)")
		}
	} else {
		log.Println("○ Campaign similarity index disabled (off by configuration)")
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening detection store: %w", err)
	}
	log.Printf("✓ Detection store ready (%s)", cfg.StorageBackend)

	return &Detector{
		cfg:   cfg,
		orch:  pipeline.New(deps, store, index),
		store: store,
		index: index,
	}, nil
}

func semanticBaseURL(cfg *config.Config) string {
	if cfg.OracleProvider == config.ProviderOllama && cfg.OracleBaseURL != "" {
		return strings.TrimSuffix(cfg.OracleBaseURL, "/v1")
	}
	return "http://localhost:11434"
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return storage.NewPostgresStore(ctx, cfg.PostgresURL)
	default:
		return storage.NewJSONStore(cfg.DetectionsDir)
	}
}

func (d *Detector) Close() {
	if err := d.store.Close(); err != nil {
		log.Printf("WARNING: closing store: %v", err)
	}
}

func loadConfig() *config.Config {
	if path := os.Getenv("SMISHGUARD_CONFIG"); path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			log.Fatalf("loading config %s: %v", path, err)
		}
		return cfg
	}
	return config.NewDefaultConfig()
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "scan":
		runScan(os.Args[2:])
	case "serve":
		port := "3000"
		if len(os.Args) > 2 {
			port = os.Args[2]
		}
		runHTTPServer(port)
	case "history":
		limit := 10
		if len(os.Args) > 2 {
			if n, err := strconv.Atoi(os.Args[2]); err == nil {
				limit = n
			}
		}
		runHistory(limit)
	case "show":
		if len(os.Args) < 3 {
			fmt.Println("Usage: smishguard show <detection-id>")
			os.Exit(1)
		}
		runShow(os.Args[2])
	case "stats":
		runStats()
	case "cleanup":
		days := 0
		if len(os.Args) > 2 {
			if n, err := strconv.Atoi(os.Args[2]); err == nil && n > 0 {
				days = n
			}
		}
		runCleanup(days)
	case "version":
		fmt.Printf("SmishGuard v%s\n", Version)
		fmt.Println("SMS Phishing Detection Pipeline")
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("SmishGuard v%s - SMS Phishing Detection Pipeline\n\n", Version)
	fmt.Println("Usage:")
	fmt.Println("  smishguard scan [sender] [message]  Analyze an SMS (interactive if omitted)")
	fmt.Println("  smishguard serve [port]             Start HTTP server (default: 3000)")
	fmt.Println("  smishguard history [n]              Show the n most recent detections")
	fmt.Println("  smishguard show <id>                Show one detection by id or prefix")
	fmt.Println("  smishguard stats                    Show aggregate detection statistics")
	fmt.Println("  smishguard cleanup [days]           Delete detections older than days (default: configured retention)")
	fmt.Println("  smishguard version                  Show version")
	fmt.Println("")
	fmt.Println("Environment Variables:")
	fmt.Println("  SMISHGUARD_CONFIG            Path to YAML config file")
	fmt.Println("  SMISHGUARD_ORACLE_PROVIDER   ollama, openrouter, groq, custom, none")
	fmt.Println("  SMISHGUARD_ORACLE_API_KEY    API key for hosted oracle providers")
	fmt.Println("  SMISHGUARD_MODEL_PATH        Path to ONNX spam classifier directory")
	fmt.Println("  SMISHGUARD_STORAGE           json (default) or postgres")
}

// ============================================================================
// CLI Scan Mode
// ============================================================================

func runScan(args []string) {
	detector, err := NewDetector(loadConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer detector.Close()

	var sender, message string
	if len(args) >= 2 {
		sender = args[0]
		message = strings.Join(args[1:], " ")
	} else {
		sender, message = readInteractive()
	}
	if strings.TrimSpace(message) == "" {
		fmt.Println("No message provided.")
		os.Exit(1)
	}

	det, err := detector.orch.Detect(context.Background(), sender, message)
	if err != nil {
		log.Fatal(err)
	}
	printResult(det)
}

// readInteractive prompts for a sender and a multi-line message terminated
// by a blank line.
func readInteractive() (string, string) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Print("Sender: ")
	sender, _ := reader.ReadString('\n')
	sender = strings.TrimSpace(sender)

	fmt.Println("Message (finish with an empty line):")
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" || err != nil {
			break
		}
		lines = append(lines, line)
	}
	return sender, strings.Join(lines, "\n")
}

func printResult(det *pipeline.Detection) {
	dc := det.Context

	fmt.Println()
	switch dc.FinalVerdict {
	case detection.VerdictPhishing:
		fmt.Printf("⚠ PHISHING DETECTED (%.0f%% confidence)\n", dc.FinalConfidence*100)
	case detection.VerdictSafe:
		fmt.Printf("✓ No threat detected (%.0f%% confidence)\n", dc.FinalConfidence*100)
	default:
		fmt.Printf("? Inconclusive (%.0f%% confidence)\n", dc.FinalConfidence*100)
	}
	fmt.Printf("  Detection ID: %s\n", dc.DetectionID)
	fmt.Printf("  Detected by:  %s\n", dc.DetectedBy)
	fmt.Printf("  Risk score:   %d/100\n", dc.RiskScore)
	fmt.Printf("  Links found:  %d\n", len(dc.LinksFound))
	for _, f := range dc.RedFlags {
		fmt.Printf("  - %s (+%d)\n", f.Reason, f.Points)
	}
	fmt.Println("  Recommendations:")
	for _, rec := range report.Recommendations(dc.FinalVerdict) {
		fmt.Printf("  - %s\n", rec)
	}
	if det.ReportPath != "" {
		fmt.Printf("  Full report:  %s\n", det.ReportPath)
	}
}

// ============================================================================
// HTTP Server Mode
// ============================================================================

func runHTTPServer(port string) {
	cfg := loadConfig()
	detector, err := NewDetector(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer detector.Close()

	// Bounds concurrent full-pipeline scans; overflow requests are rejected
	// rather than queued.
	scanSem := httputil.NewSemaphore(cfg.MaxConcurrentScans)

	app := fiber.New(fiber.Config{
		AppName: "SmishGuard",
	})

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": Version})
	})

	app.Post("/v1/scan", func(c fiber.Ctx) error {
		var req struct {
			Sender  string `json:"sender"`
			Message string `json:"message"`
		}
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request"})
		}
		if strings.TrimSpace(req.Message) == "" {
			return c.Status(400).JSON(fiber.Map{"error": "message field is required"})
		}

		if !scanSem.TryAcquire() {
			return c.Status(429).JSON(fiber.Map{"error": "scanner at capacity, retry later"})
		}
		defer scanSem.Release()

		det, err := detector.orch.Detect(c.Context(), req.Sender, req.Message)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{
			"detection_id": det.Context.DetectionID,
			"verdict":      det.Context.FinalVerdict,
			"confidence":   det.Context.FinalConfidence,
			"detected_by":  det.Context.DetectedBy,
			"risk_score":   det.Context.RiskScore,
			"links_found":  det.Context.LinksFound,
			"red_flags":    det.Context.RedFlags,
			"report_path":  det.ReportPath,
		})
	})

	app.Get("/v1/detections", func(c fiber.Ctx) error {
		limit := 0
		if n, err := strconv.Atoi(c.Query("limit", "")); err == nil && n > 0 {
			limit = n
		}
		all, err := detector.store.LoadAll(c.Context(), limit)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		summaries := make([]detection.Summary, 0, len(all))
		for _, dc := range all {
			summaries = append(summaries, dc.Summary())
		}
		return c.JSON(summaries)
	})

	app.Get("/v1/detections/:id", func(c fiber.Ctx) error {
		dc, err := detector.store.Load(c.Context(), c.Params("id"))
		if err != nil {
			if errors.Is(err, detection.ErrNotFound) {
				return c.Status(404).JSON(fiber.Map{"error": err.Error()})
			}
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(dc)
	})

	app.Get("/v1/stats", func(c fiber.Ctx) error {
		stats, err := detector.store.Statistics(c.Context())
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{
			"statistics":     stats,
			"scans_in_use":   scanSem.InUse(),
			"scans_rejected": scanSem.Rejected(),
		})
	})

	log.Printf("SmishGuard HTTP server starting on :%s", port)
	log.Printf("Endpoints:")
	log.Printf("  GET  /health              - Health check")
	log.Printf("  POST /v1/scan             - Analyze an SMS {sender, message}")
	log.Printf("  GET  /v1/detections       - List stored detections (?limit=n)")
	log.Printf("  GET  /v1/detections/:id   - Fetch one detection by id or prefix")
	log.Printf("  GET  /v1/stats            - Aggregate statistics")

	if err := app.Listen(":" + port); err != nil {
		log.Fatal(err)
	}
}

// ============================================================================
// History Commands
// ============================================================================

func withStore(fn func(ctx context.Context, cfg *config.Config, store storage.Store)) {
	cfg := loadConfig()
	store, err := openStore(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	fn(context.Background(), cfg, store)
}

func runHistory(limit int) {
	withStore(func(ctx context.Context, cfg *config.Config, store storage.Store) {
		all, err := store.LoadAll(ctx, limit)
		if err != nil {
			log.Fatal(err)
		}
		if len(all) == 0 {
			fmt.Println("No detections stored.")
			return
		}
		for _, dc := range all {
			fmt.Printf("%s  %-9s  risk %3d  %-16s  %s\n",
				dc.Timestamp.Format("2006-01-02 15:04"),
				dc.FinalVerdict, dc.RiskScore, dc.Sender, dc.DetectionID[:8])
		}
	})
}

func runShow(id string) {
	withStore(func(ctx context.Context, cfg *config.Config, store storage.Store) {
		dc, err := store.Load(ctx, id)
		if err != nil {
			log.Fatal(err)
		}
		data, err := dc.ToJSON()
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(string(data))
	})
}

func runStats() {
	withStore(func(ctx context.Context, cfg *config.Config, store storage.Store) {
		stats, err := store.Statistics(ctx)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Total detections:  %d\n", stats.Total)
		fmt.Printf("  Phishing:        %d\n", stats.Phishing)
		fmt.Printf("  Safe:            %d\n", stats.Safe)
		fmt.Printf("  Uncertain:       %d\n", stats.Uncertain)
		fmt.Printf("Phishing rate:     %.1f%%\n", stats.PhishingRate*100)
		fmt.Printf("Average risk:      %.1f\n", stats.AverageRisk)
		fmt.Printf("Unique senders:    %d\n", stats.UniqueSenders)
		fmt.Printf("Shortener usage:   %d\n", stats.ShortenerCount)
		if !stats.Oldest.IsZero() {
			fmt.Printf("Oldest detection:  %s\n", stats.Oldest.Format("2006-01-02 15:04"))
			fmt.Printf("Newest detection:  %s\n", stats.Newest.Format("2006-01-02 15:04"))
		}
	})
}

func runCleanup(days int) {
	withStore(func(ctx context.Context, cfg *config.Config, store storage.Store) {
		if days <= 0 {
			days = cfg.RetentionDays
		}
		n, err := store.Cleanup(ctx, time.Duration(days)*24*time.Hour)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Deleted %d detection(s) older than %d days.\n", n, days)
	})
}
