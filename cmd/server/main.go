/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payroll batch engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Wire orchestrator, recalculation coordinator, and job runner
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port     HTTP server port (default: 8080)
  -db       SQLite database path (default: payroll.db)
            Use ":memory:" for in-memory database
  -workers  Concurrent calculation workers (default: 2)
  -debug    Verbose logging

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the job runner (running calculations are interrupted and
     resumable)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/payroll.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port with more workers
  ./server -port=3000 -workers=4

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/payroll-engine/api"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "payroll.db", "SQLite database path")
	workers := flag.Int("workers", 2, "concurrent calculation workers")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer store.Close()

	// Wire domain services. The SQLite store backs both the payroll
	// state and the upstream master data sources.
	orch := payroll.NewOrchestrator(store, store, payroll.DataSources{
		Directory:  store,
		Register:   store,
		Attendance: store,
		Arrears:    store,
	})
	recalc := payroll.NewRecalcCoordinator(store, orch)

	jobs := api.NewJobRunner(orch, recalc, *workers, log)
	jobs.Start()
	defer jobs.Stop()

	handler := api.NewHandler(store, store, orch, recalc, jobs, log)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Infof("Server starting on http://localhost:%d", *port)
		log.Infof("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("Server forced to shutdown")
	}

	log.Info("Server stopped")
}
