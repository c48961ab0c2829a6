// cellsync-link keeps one document in sync with a shared-link file on disk.
// Edits flowing into the document rewrite the link's token parameter; edits
// to the file made by anything else are picked up through the watcher and
// fed back into the document.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/formulapad/cellsync/internal/dataflow"
	"github.com/formulapad/cellsync/internal/grid"
	"github.com/formulapad/cellsync/internal/linkwatch"
	"github.com/formulapad/cellsync/internal/snapshotstore"
)

func main() {
	docID := flag.String("doc", strings.TrimSpace(os.Getenv("CELLSYNC_DOC")), "document ID")
	linkFile := flag.String("link-file", strings.TrimSpace(os.Getenv("CELLSYNC_LINK_FILE")), "shared link file path")
	baseURL := flag.String("base-url", envOrDefault("CELLSYNC_BASE_URL", ""), "base URL stored in the link file")
	tokenParam := flag.String("param", envOrDefault("CELLSYNC_TOKEN_PARAM", ""), "query parameter carrying the grid token")
	snapshotDSN := flag.String("snapshot-dsn", envOrDefault("CELLSYNC_SNAPSHOT_DSN", "memory://"), "snapshot store DSN")
	debounce := flag.Duration("debounce", durationEnv("CELLSYNC_LINK_DEBOUNCE", 500*time.Millisecond), "quiet window for link file changes")
	refreshInterval := flag.Duration("refresh-interval", durationEnv("CELLSYNC_LINK_REFRESH_INTERVAL", 30*time.Second), "fallback re-read interval")
	refreshJitter := flag.Float64("refresh-jitter", floatEnv("CELLSYNC_LINK_REFRESH_JITTER", 0.2), "re-read interval jitter ratio (0.0-1.0)")
	flag.Parse()

	if strings.TrimSpace(*docID) == "" {
		log.Fatalf("doc is required (--doc or CELLSYNC_DOC)")
	}
	if strings.TrimSpace(*linkFile) == "" {
		log.Fatalf("link-file is required (--link-file or CELLSYNC_LINK_FILE)")
	}

	snapshots, err := snapshotstore.BuildFromDSN(*snapshotDSN)
	if err != nil {
		log.Fatalf("failed to initialize snapshot store: %v", err)
	}
	defer func() {
		if err := snapshots.Close(); err != nil {
			log.Printf("snapshot store close: %v", err)
		}
	}()

	link, err := linkwatch.NewFileLink(*linkFile, *baseURL, *tokenParam)
	if err != nil {
		log.Fatalf("failed to initialize link file: %v", err)
	}

	store := grid.NewStore(*docID, grid.StoreOptions{Logger: log.Default()})
	defer store.Close()

	manager, err := dataflow.NewManager(*docID, dataflow.ManagerOptions{
		Store:      store,
		Snapshots:  snapshots,
		URLWriter:  link,
		TokenParam: strings.TrimSpace(*tokenParam),
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize document manager: %v", err)
	}
	defer manager.Dispose()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initialToken, err := link.ReadToken()
	if err != nil {
		log.Fatalf("failed to read link file: %v", err)
	}
	if err := manager.Initialize(rootCtx, initialToken); err != nil {
		log.Printf("initial load degraded: %v", err)
	}
	log.Printf("document %s loaded, state %s", *docID, manager.State())

	watcher, err := linkwatch.NewWatcher(link, manager, linkwatch.WatcherOptions{
		Debounce: *debounce,
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to watch link file: %v", err)
	}
	defer watcher.Close()

	if *refreshInterval <= 0 {
		*refreshInterval = 30 * time.Second
	}
	*refreshJitter = clampJitterRatio(*refreshJitter)

	// fallback re-read: watch events can be lost across editors and mounts,
	// so the link file is also polled on a jittered interval
	refresh := func() {
		tok, err := link.ReadToken()
		if err != nil {
			log.Printf("re-read link file: %v", err)
			return
		}
		if tok == "" {
			return
		}
		if err := manager.Initialize(rootCtx, tok); err != nil {
			log.Printf("apply link token: %v", err)
		}
	}

	log.Printf("watching %s for document %s", *linkFile, *docID)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*refreshInterval, *refreshJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("link sync stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			refresh()
			timer.Reset(jitteredIntervalWithSample(*refreshInterval, *refreshJitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}
