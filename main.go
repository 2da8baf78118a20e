package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"durable-workflows/core/pkg/db"
	"durable-workflows/core/services/admin"
	"durable-workflows/core/services/appdb"
	"durable-workflows/core/services/executor"
	"durable-workflows/core/services/queue"
	"durable-workflows/core/services/recovery"
	"durable-workflows/core/services/schema"
	"durable-workflows/core/services/serializer"
	"durable-workflows/core/services/sysdb"
)

func main() {
	ctx := context.Background()
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	slog.SetDefault(slog.New(logHandler))

	dbCfg, err := db.ConfigFromEnv()
	if err != nil {
		slog.Error("Invalid database configuration", "error", err)
		return
	}

	for _, name := range []string{dbCfg.AppDBName, dbCfg.SystemDBName()} {
		if err := db.EnsureDatabase(ctx, dbCfg, name); err != nil {
			slog.Error("Failed to ensure database", "database", name, "error", err)
			return
		}
	}

	sysPool, err := db.Connect(ctx, db.DefaultPoolConfig(dbCfg.URI(dbCfg.SystemDBName())))
	if err != nil {
		slog.Error("Failed to connect to system database", "error", err)
		return
	}
	defer sysPool.Close()

	appPool, err := db.Connect(ctx, db.DefaultPoolConfig(dbCfg.URI(dbCfg.AppDBName)))
	if err != nil {
		slog.Error("Failed to connect to application database", "error", err)
		return
	}
	defer appPool.Close()

	if err := schema.MigrateSystemDB(ctx, sysPool); err != nil {
		slog.Error("Failed to migrate system database", "error", err)
		return
	}
	if err := schema.MigrateApplicationDB(ctx, appPool); err != nil {
		slog.Error("Failed to migrate application database", "error", err)
		return
	}

	ser := serializer.NewJSON()
	sysDB, err := sysdb.New(sysPool, ser)
	if err != nil {
		slog.Error("Failed to create system database journal", "error", err)
		return
	}
	appDB, err := appdb.New(appPool)
	if err != nil {
		slog.Error("Failed to create application database journal", "error", err)
		return
	}

	executorID := os.Getenv("DBOS__VMID")
	if executorID == "" {
		executorID = executor.DefaultExecutorID
	}
	exec, err := executor.New(sysDB, appDB, ser, executor.Config{
		ExecutorID: executorID,
		AppVersion: os.Getenv("DBOS__APPVERSION"),
	})
	if err != nil {
		slog.Error("Failed to create executor", "error", err)
		return
	}

	queues := queue.NewRegistry()
	if err := queues.Add(queue.Queue{Name: "default"}); err != nil {
		slog.Error("Failed to register default queue", "error", err)
		return
	}

	recoveryEngine := recovery.NewEngine(sysDB, exec)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recoveryErrors := make(chan error, 1)

	go sysDB.RunBufferFlushLoop(runCtx)
	go sysDB.RunNotificationListener(runCtx, sysPool)
	go queue.NewDispatcher(sysDB, queues, exec, sysDB.Stopped()).Run(runCtx)
	go func() {
		if err := recoveryEngine.RunStartupRecovery(runCtx, []string{executorID}, sysDB.Stopped()); err != nil {
			recoveryErrors <- err
		}
	}()

	// setup router
	mainRouter := mux.NewRouter()
	apiRouter := mainRouter.PathPrefix("/api/v1").Subrouter()

	adminService, err := admin.NewService(sysDB, exec, recoveryEngine)
	if err != nil {
		slog.Error("Failed to create admin service", "error", err)
		return
	}
	adminService.LoadRoutes(apiRouter)

	corsHandler := handlers.CORS(
		handlers.AllowedOrigins([]string{"http://localhost:3003"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mainRouter)

	srv := &http.Server{
		Addr:    ":8080",
		Handler: corsHandler,
	}

	serverErrors := make(chan error, 1)

	go func() {
		slog.Info("Starting server on :8080")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		slog.Error("Server error", "error", err)

	case err := <-recoveryErrors:
		slog.Error("Startup recovery failed", "error", err)

	case sig := <-shutdown:
		slog.Info("Shutdown signal received", "signal", sig)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Could not stop server gracefully", "error", err)
		srv.Close()
	}
	// Drain the write buffers before the flush loop stops.
	if err := sysDB.Destroy(shutdownCtx); err != nil {
		slog.Error("Could not drain system buffers", "error", err)
	}
}
