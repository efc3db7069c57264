package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/folia/internal/api"
	"github.com/kalambet/folia/internal/config"
	"github.com/kalambet/folia/internal/events"
	"github.com/kalambet/folia/internal/export"
	"github.com/kalambet/folia/internal/extract"
	"github.com/kalambet/folia/internal/ingest"
	"github.com/kalambet/folia/internal/localstore"
	"github.com/kalambet/folia/internal/ollama"
	"github.com/kalambet/folia/internal/pipeline"
	"github.com/kalambet/folia/internal/records"
	"github.com/kalambet/folia/internal/remote"
	"github.com/kalambet/folia/internal/schedule"
	"github.com/kalambet/folia/internal/storage"
	"github.com/kalambet/folia/internal/syncer"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the folia daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running folia daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "folia.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func buildRegistry(ctx context.Context, cfg config.Config) (*extract.Registry, func(), error) {
	var (
		g   *extract.Gazetteer
		err error
	)
	if cfg.Extraction.GazetteerPath != "" {
		g, err = extract.LoadGazetteer(cfg.Extraction.GazetteerPath)
	} else {
		g, err = extract.DefaultGazetteer()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading gazetteer: %w", err)
	}

	plain := &extract.Decoder{Logger: slog.Default()}
	registry := extract.NewRegistry(extract.NewRuleCapability("rules", g, plain))
	cleanup := func() {}

	decoder := plain
	if cfg.Extraction.OCREnabled() {
		ocr, err := extract.NewDocumentAIOCR(ctx, extract.DocumentAIConfig{
			ProjectID:   cfg.Extraction.DocAIProject,
			Location:    cfg.Extraction.DocAILocation,
			ProcessorID: cfg.Extraction.DocAIProcessor,
		}, slog.Default())
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to Document AI: %w", err)
		}
		cleanup = func() { ocr.Close() }
		decoder = &extract.Decoder{OCR: ocr, Logger: slog.Default()}
		registry.Register(extract.NewRuleCapability("docai", g, decoder))
		slog.Info("OCR enabled", "processor", cfg.Extraction.DocAIProcessor)
	}

	if cfg.Extraction.LLMEnabled() {
		client := ollama.New(cfg.Extraction.OllamaURL)
		if err := ollama.EnsureModel(ctx, client, cfg.Extraction.OllamaModel, os.Stderr); err != nil {
			if cfg.Extraction.Capability == "llm" {
				cleanup()
				return nil, nil, fmt.Errorf("preparing llm capability: %w", err)
			}
			slog.Warn("llm capability disabled", "url", cfg.Extraction.OllamaURL, "error", err)
		} else {
			registry.Register(extract.NewLLMCapability("llm", client, cfg.Extraction.OllamaModel, g, decoder, slog.Default()))
		}
	}

	if _, err := registry.Get(cfg.Extraction.Capability); err != nil {
		cleanup()
		return nil, nil, err
	}
	slog.Info("extraction capabilities", "available", registry.IDs(), "selected", cfg.Extraction.Capability)
	return registry, cleanup, nil
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "folia version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.APIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("folia is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	if n, err := store.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recovering interrupted jobs: %w", err)
	} else if n > 0 {
		slog.Info("requeued interrupted documents", "jobs", n)
	}

	registry, closeOCR, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeOCR()

	hub := events.NewHub(slog.Default())
	gw := localstore.New(store, localstore.WithLogger(slog.Default()))

	var transport syncer.Transport
	if cfg.Remote.Endpoint != "" {
		ht := remote.NewHTTPTransport(cfg.Remote.Endpoint, cfg.Remote.Token, cfg.Remote.Timeout)
		switch err := ht.Ping(ctx); {
		case err == nil:
		case records.IsTemporary(err):
			slog.Warn("remote hub unreachable; changes stay queued until it is back", "endpoint", cfg.Remote.Endpoint, "error", err)
		default:
			slog.Error("remote hub rejected the health check; check remote.endpoint", "endpoint", cfg.Remote.Endpoint, "error", err)
		}
		transport = ht
	} else {
		slog.Warn("no remote endpoint configured; records stay local")
	}
	rec := syncer.New(gw, store, transport, syncer.Config{
		Backoff:   syncer.Backoff{Base: cfg.Sync.BackoffBase, Cap: cfg.Sync.BackoffCap},
		BatchSize: cfg.Sync.BatchSize,
	}, syncer.WithHub(hub), syncer.WithLogger(slog.Default()))
	runner := syncer.NewRunner(rec, 0)

	spec, err := schedule.Spec(cfg.Sync.Schedule, cfg.Sync.Interval)
	if err != nil {
		return err
	}
	sched, err := schedule.New(spec, runner, slog.Default())
	if err != nil {
		return fmt.Errorf("sync schedule: %w", err)
	}

	orch := pipeline.New(registry, gw,
		pipeline.WithTrigger(runner),
		pipeline.WithHub(hub),
		pipeline.WithLogger(slog.Default()),
	)
	appConfig := cfg.AppConfiguration

	deps := api.AppDeps{
		Store:    store,
		Records:  gw,
		Pipeline: orch,
		Syncer:   rec,
		Export:   export.NewService(gw, slog.Default()),
		Trigger:  runner,
		NextSync: sched.Next,
		Config:   appConfig,
		Token:    apiToken,
		Logger:   slog.Default(),
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewAppHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})
	sched.Start()
	defer sched.Stop()

	for i := 0; i < cfg.Pipeline.Concurrency; i++ {
		worker := ingest.NewWorker(store, orch, appConfig, 500*time.Millisecond)
		worker.SetLogger(slog.Default().With("worker", i))
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}

	if cfg.Events.RedisAddr != "" {
		pub, err := events.NewRedisPublisher(ctx, cfg.Events.RedisAddr, cfg.Events.RedisChannel, slog.Default())
		if err != nil {
			slog.Warn("redis event fan-out disabled", "addr", cfg.Events.RedisAddr, "error", err)
		} else {
			defer pub.Close()
			g.Go(func() error {
				pub.Forward(gctx, hub)
				return nil
			})
		}
	}

	if mcpStdio {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		slog.Info("folia listening", "addr", addr, "sync", spec, "remote", cfg.Remote.Endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("folia is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop folia (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to folia (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		printError("%v", err)
		return nil
	}
	client.httpClient.Timeout = 2 * time.Second

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)

	statusResp, err := client.get(ctx, "/status")
	if err != nil {
		return err
	}
	var st api.StatusResponse
	if err := decodeJSON(statusResp, &st); err != nil {
		return err
	}
	printSyncStatus(st)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printSyncStatus(st api.StatusResponse) {
	remoteLabel := st.Remote
	if remoteLabel == "" {
		remoteLabel = "not configured"
	}
	printStatus("Remote", "%s", remoteLabel)
	printStatus("Records", "%d", st.Total)
	for _, status := range records.Statuses {
		if n := st.Counts[status]; n > 0 {
			printStatus("  "+string(status), "%d", n)
		}
	}
	if st.DocumentsPending > 0 {
		printStatus("Documents queued", "%d", st.DocumentsPending)
	}
	if st.LastCycle != nil {
		printStatus("Last sync", "%s (%d pushed, %d pulled, %d conflicts)",
			st.LastCycle.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			st.LastCycle.Pushed, st.LastCycle.Pulled, st.LastCycle.Conflicts)
	} else {
		printStatus("Last sync", "never")
	}
	if st.NextSync != nil {
		printStatus("Next sync", "%s", st.NextSync.Local().Format("2006-01-02 15:04:05"))
	}
}
