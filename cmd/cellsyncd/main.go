package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/formulapad/cellsync/internal/dataflow"
	"github.com/formulapad/cellsync/internal/formulaexec"
	"github.com/formulapad/cellsync/internal/grid"
	"github.com/formulapad/cellsync/internal/httpapi"
	"github.com/formulapad/cellsync/internal/snapshotstore"
)

func main() {
	addr := envOrDefault("CELLSYNC_ADDR", ":8080")

	snapshots, err := buildSnapshotStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize snapshot store: %v", err)
	}
	defer func() {
		if err := snapshots.Close(); err != nil {
			log.Printf("snapshot store close: %v", err)
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var worker *formulaexec.Client
	if workerURL := strings.TrimSpace(os.Getenv("CELLSYNC_WORKER_URL")); workerURL != "" {
		dialCtx, cancel := context.WithTimeout(rootCtx, durationEnv("CELLSYNC_WORKER_DIAL_TIMEOUT", 10*time.Second))
		worker, err = formulaexec.Dial(dialCtx, workerURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to formula worker at %s: %v", workerURL, err)
		}
		defer worker.Close()
		log.Printf("formula worker connected at %s", workerURL)
	}

	columns, err := columnsFromEnv()
	if err != nil {
		log.Fatalf("invalid CELLSYNC_COLUMNS: %v", err)
	}

	stores := grid.NewRegistry(grid.RegistryOptions{
		StoreDefaults: grid.StoreOptions{
			Columns:        columns,
			DebounceWindow: durationEnv("CELLSYNC_DEBOUNCE", 0),
			Logger:         log.Default(),
		},
		OnCreate: func(store *grid.Store) {
			if worker == nil {
				return
			}
			runner := formulaexec.NewRunner(store, worker, formulaexec.RunnerOptions{
				Timeout: durationEnv("CELLSYNC_FORMULA_TIMEOUT", 0),
				Logger:  log.Default(),
			})
			runner.Start()
		},
	})
	registry, err := dataflow.NewRegistry(dataflow.RegistryOptions{
		Stores:     stores,
		Snapshots:  snapshots,
		TokenParam: envOrDefault("CELLSYNC_TOKEN_PARAM", ""),
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize document registry: %v", err)
	}

	api := httpapi.NewServerWithConfig(registry, httpapi.ServerConfig{
		AuthToken:       strings.TrimSpace(os.Getenv("CELLSYNC_AUTH_TOKEN")),
		MaxBodyBytes:    int64Env("CELLSYNC_MAX_BODY_BYTES", 0),
		RateLimitMax:    intEnv("CELLSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("CELLSYNC_RATE_LIMIT_WINDOW", time.Minute),
	})
	defer api.Close()

	server := &http.Server{Addr: addr, Handler: api}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("cellsyncd listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
}

func buildSnapshotStoreFromEnv() (snapshotstore.Store, error) {
	dsn := strings.TrimSpace(os.Getenv("CELLSYNC_SNAPSHOT_DSN"))
	if dsn == "" {
		dataDir := envOrDefault("CELLSYNC_DATA_DIR", ".cellsync")
		dsn = "file://" + dataDir
	}
	return snapshotstore.BuildFromDSN(dsn)
}

// columnsFromEnv reads the grid schema as a JSON column array, falling back
// to a small playground layout with two numeric inputs, a note column, and
// one computed result column.
func columnsFromEnv() ([]grid.Column, error) {
	raw := strings.TrimSpace(os.Getenv("CELLSYNC_COLUMNS"))
	if raw == "" {
		return defaultColumns(), nil
	}
	var columns []grid.Column
	if err := json.Unmarshal([]byte(raw), &columns); err != nil {
		return nil, err
	}
	return columns, nil
}

func defaultColumns() []grid.Column {
	return []grid.Column{
		{ID: "a", Label: "A", Type: grid.ColumnNumber, Editable: true},
		{ID: "b", Label: "B", Type: grid.ColumnNumber, Editable: true},
		{ID: "note", Label: "Note", Type: grid.ColumnText, Editable: true},
		{ID: "sum", Label: "Sum", Type: grid.ColumnResult, Formula: envOrDefault("CELLSYNC_FORMULA", "a + b")},
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
