// Package linkwatch mirrors a document's share URL into a local link file
// and watches that file for external edits. FileLink is the manager's URL
// writer; Watcher feeds externally changed tokens back into the manager.
// The manager's self-write suppression keeps the two from looping.
package linkwatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/formulapad/cellsync/internal/grid"
)

type Logger interface {
	Printf(format string, args ...any)
}

// FileLink is a share URL stored in a single local file.
type FileLink struct {
	path    string
	baseURL string
	param   string
	mu      sync.Mutex
}

func NewFileLink(path, baseURL, param string) (*FileLink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("link file path is required")
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = "https://formulapad.local/grid"
	}
	param = strings.TrimSpace(param)
	if param == "" {
		param = "d"
	}
	return &FileLink{path: path, baseURL: baseURL, param: param}, nil
}

func (l *FileLink) Path() string {
	return l.path
}

// ApplyParams implements the manager's URL writer: the link file is
// rewritten in place (replace, not append) with the new parameter set.
func (l *FileLink) ApplyParams(ctx context.Context, params map[string]string) error {
	parsed, err := url.Parse(l.baseURL)
	if err != nil {
		return err
	}
	query := parsed.Query()
	for key, value := range params {
		query.Set(key, value)
	}
	parsed.RawQuery = query.Encode()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(parsed.String()+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

// ReadToken extracts the token parameter from the stored URL. A missing
// file means no token.
func (l *FileLink) ReadToken() (string, error) {
	l.mu.Lock()
	data, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return parsed.Query().Get(l.param), nil
}

// TokenApplier receives externally observed URL tokens. *dataflow.Manager
// satisfies it.
type TokenApplier interface {
	Initialize(ctx context.Context, urlToken string) error
}

type WatcherOptions struct {
	// Quiet window before a burst of file events becomes one apply.
	Debounce time.Duration
	Logger   Logger
}

// Watcher observes the link file through fsnotify and pushes changed tokens
// into the applier after a quiet window.
type Watcher struct {
	link     *FileLink
	applier  TokenApplier
	watcher  *fsnotify.Watcher
	debounce *grid.Debouncer
	logger   Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewWatcher(link *FileLink, applier TokenApplier, opts WatcherOptions) (*Watcher, error) {
	if link == nil || applier == nil {
		return nil, fmt.Errorf("link and applier are required")
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory: editors and atomic writers replace the file
	dir := filepath.Dir(link.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	if err := fsWatcher.Add(dir); err != nil {
		_ = fsWatcher.Close()
		return nil, err
	}
	window := opts.Debounce
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	w := &Watcher{
		link:    link,
		applier: applier,
		watcher: fsWatcher,
		logger:  opts.Logger,
		done:    make(chan struct{}),
	}
	w.debounce = grid.NewDebouncer(window, w.applyCurrent)
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	linkPath := filepath.Clean(w.link.Path())
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != linkPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.debounce.Trigger()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logf("link watch error: %v", err)
		}
	}
}

func (w *Watcher) applyCurrent() {
	tok, err := w.link.ReadToken()
	if err != nil {
		w.logf("read link file: %v", err)
		return
	}
	if tok == "" {
		return
	}
	if err := w.applier.Initialize(context.Background(), tok); err != nil {
		w.logf("apply link token: %v", err)
	}
}

// Close stops the watcher; the pending debounce fire is cancelled.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.debounce.Stop()
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
