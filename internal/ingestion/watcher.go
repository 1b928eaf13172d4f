package ingestion

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/Benny93/graphmat/internal/logging"
	"github.com/Benny93/graphmat/internal/materializer"
)

// DefaultDebounce is how long the watcher waits for more changes before
// ingesting a batch.
const DefaultDebounce = 2 * time.Second

// DefaultRefreshInterval is the minimum time between AfterBatch runs.
const DefaultRefreshInterval = 30 * time.Second

// WatchOptions controls Watch.
type WatchOptions struct {
	Pass Options

	Debounce        time.Duration
	RefreshInterval time.Duration

	// AfterBatch runs after a batch was ingested, at most once per
	// RefreshInterval. Used to refresh community labels.
	AfterBatch func(ctx context.Context) error
}

// watchState remembers the content hash last ingested per file.
type watchState struct {
	hashes map[string]string
}

// Watch monitors root for JSON file changes and ingests changed files.
// Blocks until the context is cancelled.
func Watch(ctx context.Context, root string, m *materializer.Materializer, w materializer.Writer, opts WatchOptions) error {
	logger := opts.Pass.Logger
	if logger == nil {
		logger = logging.Discard()
		opts.Pass.Logger = logger
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}

	matcher, err := loadMatcher(root)
	if err != nil {
		logger.Warn("ignoring unreadable .gitignore", "err", err)
		matcher = gitignore.NewMatcher(defaultPatterns())
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && shouldSkipDir(d.Name(), path, root, matcher) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		return fmt.Errorf("setting up watcher: %w", err)
	}

	state := &watchState{hashes: make(map[string]string)}
	lastRefresh := time.Time{}

	changed := make(map[string]bool)
	batchTimer := time.NewTimer(opts.Debounce)
	batchTimer.Stop()

	logger.Info("watching for changes", "root", root)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			// new directories need their own watch
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() &&
					!shouldSkipDir(info.Name(), event.Name, root, matcher) {
					_ = watcher.Add(event.Name)
					continue
				}
			}

			if !shouldWatchFile(event.Name, root, matcher) {
				continue
			}
			relPath, err := filepath.Rel(root, event.Name)
			if err != nil {
				continue
			}
			changed[relPath] = true
			batchTimer.Reset(opts.Debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watch error", "err", err)

		case <-batchTimer.C:
			if len(changed) == 0 {
				continue
			}

			result, err := processChangedFiles(ctx, root, m, w, changed, state, opts.Pass)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Error("processing changes", "err", err)
			}
			changed = make(map[string]bool)

			if result != nil && result.Ingested > 0 && opts.AfterBatch != nil &&
				time.Since(lastRefresh) >= opts.RefreshInterval {
				if err := opts.AfterBatch(ctx); err != nil {
					logger.Error("after batch", "err", err)
				}
				lastRefresh = time.Now()
			}
		}
	}
}

// processChangedFiles ingests the changed files whose content differs from
// what was last ingested. Deleted files are only logged: upserted nodes
// stay in the store.
func processChangedFiles(
	ctx context.Context,
	root string,
	m *materializer.Materializer,
	w materializer.Writer,
	changed map[string]bool,
	state *watchState,
	opts Options,
) (*PassResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	relPaths := make([]string, 0, len(changed))
	for relPath := range changed {
		relPaths = append(relPaths, relPath)
	}
	sort.Strings(relPaths)

	var entries []FileEntry
	for _, relPath := range relPaths {
		absPath := filepath.Join(root, relPath)

		info, err := os.Stat(absPath)
		if os.IsNotExist(err) {
			delete(state.hashes, relPath)
			logger.Info("file removed, nodes kept", "file", relPath)
			continue
		}
		if err != nil || info.IsDir() {
			continue
		}

		entry, err := readEntry(absPath, relPath)
		if err != nil {
			logger.Error("reading changed file", "file", relPath, "err", err)
			continue
		}
		if state.hashes[relPath] == entry.SHA256 {
			continue
		}
		entries = append(entries, entry)
	}

	if len(entries) == 0 {
		return &PassResult{}, nil
	}

	logger.Info("re-ingesting changed files", "files", len(entries))

	opts.ContinueOnError = true
	src := &fileSource{load: func() ([]FileEntry, error) { return entries, nil }}
	result, err := RunPass(ctx, m, w, src, opts)
	if err != nil {
		return result, err
	}

	for _, entry := range entries {
		if !fileFailed(result, filepath.ToSlash(entry.RelPath)) {
			state.hashes[entry.RelPath] = entry.SHA256
		}
	}
	return result, nil
}

// shouldWatchFile checks if a file should be watched.
func shouldWatchFile(path string, root string, matcher gitignore.Matcher) bool {
	relPath, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if matcher != nil && matcher.Match(splitPath(relPath), false) {
		return false
	}
	return isSupportedFile(path)
}

// fileFailed reports whether any document of the file failed, so it is
// retried on the next change.
func fileFailed(result *PassResult, id string) bool {
	for _, docErr := range result.Errors {
		if docErr.DocumentID == id || strings.HasPrefix(docErr.DocumentID, id+":") {
			return true
		}
	}
	return false
}
