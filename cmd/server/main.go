package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sheetbench/backend/pkg/chat"
	"github.com/sheetbench/backend/pkg/codeversion"
	"github.com/sheetbench/backend/pkg/config"
	"github.com/sheetbench/backend/pkg/export"
	"github.com/sheetbench/backend/pkg/gateway"
	"github.com/sheetbench/backend/pkg/runlock"
	"github.com/sheetbench/backend/pkg/runs"
	"github.com/sheetbench/backend/pkg/sandbox"
	"github.com/sheetbench/backend/pkg/telemetry"
	"github.com/sheetbench/backend/pkg/workspace"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.Init(ctx, telemetry.Options{
		ServiceName: "tool-builder",
		Enabled:     cfg.Tracing.Enabled,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Printf("tracer shutdown error: %v", err)
		}
	}()

	opts, err := buildOptions(cfg)
	if err != nil {
		log.Fatalf("failed to wire stores: %v", err)
	}

	srv := gateway.NewServer(opts)
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Routes(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
	}()

	log.Printf("tool builder listening on %s", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("listen failed: %v", err)
	}

	<-ctx.Done()
	log.Println("tool builder stopped")
}

// buildOptions assembles every store and client behind the HTTP API.
// Without a database or Redis URL the server runs on in-memory stores,
// which keeps local development free of infrastructure.
func buildOptions(cfg config.ServerConfig) (gateway.Options, error) {
	uploadsDir := filepath.Join(cfg.DataDir, "workspaces")
	runsDir := filepath.Join(cfg.DataDir, "runs")

	var toolRepo workspace.Repository
	var versionRepo codeversion.Repository
	var runRepo runs.Repository
	var chatRepo chat.Repository
	if cfg.DatabaseURL != "" {
		tools, err := workspace.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return gateway.Options{}, err
		}
		versions, err := codeversion.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return gateway.Options{}, err
		}
		runStore, err := runs.NewPostgresStore(cfg.DatabaseURL, runsDir)
		if err != nil {
			return gateway.Options{}, err
		}
		chats, err := chat.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return gateway.Options{}, err
		}
		toolRepo, versionRepo, runRepo, chatRepo = tools, versions, runStore, chats
	} else {
		log.Println("no database configured, using in-memory stores")
		toolRepo = workspace.NewMemStore()
		versionRepo = codeversion.NewMemStore()
		runRepo = runs.NewMemStore(runsDir)
		chatRepo = chat.NewMemStore()
	}

	var locker runlock.Locker
	if cfg.RedisURL != "" {
		redisLocker, err := runlock.NewRedisLocker(cfg.RedisURL)
		if err != nil {
			return gateway.Options{}, err
		}
		locker = redisLocker
	} else {
		locker = runlock.NewMemLocker()
	}

	var exportDest *export.Dest
	if cfg.Export.Host != "" {
		exportDest = &export.Dest{
			Host:       cfg.Export.Host,
			Port:       cfg.Export.Port,
			Username:   cfg.Export.Username,
			Password:   cfg.Export.Password,
			PrivateKey: cfg.Export.PrivateKey,
			RemoteDir:  cfg.Export.RemoteDir,
		}
	}

	return gateway.Options{
		Workspace:  workspace.NewManager(toolRepo, uploadsDir),
		Versions:   versionRepo,
		Runs:       runRepo,
		Chats:      chatRepo,
		Assistant:  chat.NewAssistant(cfg.Assistant.BaseURL, cfg.Assistant.APIKey, cfg.Assistant.Model),
		Executor:   sandbox.NewExecutor(sandbox.NewClient(cfg.SandboxURL, cfg.SandboxAPIKey)),
		Locker:     locker,
		RunTimeout: cfg.SandboxTimeout,
		ExportDest: exportDest,
	}, nil
}
