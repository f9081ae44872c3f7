package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"switchboard/internal/assign"
	"switchboard/internal/audit"
	"switchboard/internal/auth"
	"switchboard/internal/call"
	"switchboard/internal/cleanup"
	"switchboard/internal/conference"
	"switchboard/internal/config"
	"switchboard/internal/history"
	"switchboard/internal/httpapi"
	"switchboard/internal/presence"
	"switchboard/internal/store"
	"switchboard/pkg/logger"
	"switchboard/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	cfg = cfg.WithDefaults()

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	// Shared record store: all routing state and notifications go
	// through here.
	var recordStore store.Store
	var sweepLock cleanup.Locker
	switch cfg.Store.Backend {
	case config.StoreBackendRedis:
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		recordStore = store.NewRedis(rdb)
		sweepLock = cleanup.NewRedisLease(rdb, "", cleanup.DefaultLeaseTTL)
	case config.StoreBackendMemory:
		recordStore = store.NewMemory()
	}

	// Audit sink.
	var auditRepo audit.Repository
	switch cfg.Audit.Backend {
	case config.AuditBackendPostgres:
		db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		auditRepo = audit.NewPostgresRepo(db)
	default:
		auditRepo = audit.NewMemoryRepo()
	}
	auditor := audit.NewService(auditRepo, log)

	// Routing components.
	registry := presence.NewRegistry(recordStore, presence.DefaultPollInterval, log)

	selector := assign.NewSelector(recordStore, registry, nil, log)
	if cfg.Routing.AssignPollInterval > 0 {
		selector.PollInterval = cfg.Routing.AssignPollInterval
	}
	selector.Audit = auditor

	transcripts := history.NewService(recordStore, log)

	machine := call.NewMachine(recordStore, registry, log)
	if cfg.Routing.EndGrace > 0 {
		machine.EndGrace = cfg.Routing.EndGrace
	}
	machine.Transcripts = transcripts
	machine.Audit = auditor

	rooms := conference.NewCoordinator(recordStore, registry, log)
	if cfg.Routing.MaxParticipants > 0 {
		rooms.MaxParticipants = cfg.Routing.MaxParticipants
	}
	rooms.Audit = auditor

	janitor := cleanup.NewManager(recordStore, registry, log)
	janitor.Lock = sweepLock
	janitor.Audit = auditor
	if cfg.Routing.CleanupInterval > 0 {
		janitor.Interval = cfg.Routing.CleanupInterval
	}
	if cfg.Routing.PendingTTL > 0 {
		janitor.PendingTTL = cfg.Routing.PendingTTL
	}
	if cfg.Routing.ForwardedPendingTTL > 0 {
		janitor.ForwardedPendingTTL = cfg.Routing.ForwardedPendingTTL
	}
	go janitor.Run(rootCtx)

	handlers := httpapi.Handlers{
		Auth:      authManager,
		Presence:  registry,
		Assign:    selector,
		Calls:     machine,
		CallWatch: call.NewWatcher(recordStore, log),
		Rooms:     rooms,
		RoomWatch: conference.NewWatcher(recordStore, log),
		History:   transcripts,
		Audit:     auditor,
		Log:       log,
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, handlers, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// Assignment requests block while all operators are busy and
		// watch sockets stay open indefinitely; no global read/write
		// timeouts.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "store", cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
