// Package watcher is the file-change notifier: it watches project directories with fsnotify,
// debounces writes, honours .gitignore, and reports changed and removed source files.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// Handler receives absolute paths of changed or removed files.
type Handler func(path string)

// Watcher watches directories and invokes callbacks on file changes.
type Watcher struct {
	roots        []string
	extensions   []string
	recursive    bool
	useGitignore bool
	debounce     time.Duration
	onChange     Handler
	onRemove     Handler
	logger       *zap.Logger

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	pending   map[string]*time.Timer
	rootPaths map[string][]string // root -> directories added to fsnotify
	ignores   map[string]*ignoreRules
	done      chan struct{}
	started   bool
	stopOnce  sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithExtensions limits events to files with these extensions. Empty means all files.
func WithExtensions(exts []string) Option {
	return func(w *Watcher) { w.extensions = exts }
}

// WithRecursive controls whether subdirectories are watched. Defaults to true.
func WithRecursive(recursive bool) Option {
	return func(w *Watcher) { w.recursive = recursive }
}

// WithGitignore controls whether .gitignore patterns exclude files. Defaults to true.
func WithGitignore(enabled bool) Option {
	return func(w *Watcher) { w.useGitignore = enabled }
}

// WithDebounce sets how long a file must be quiet before onChange fires.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher over roots. onChange fires once a created or written file has
// been quiet for the debounce interval; onRemove fires for removed or renamed-away files.
func NewWatcher(roots []string, onChange, onRemove Handler, opts ...Option) *Watcher {
	w := &Watcher{
		roots:        append([]string(nil), roots...),
		recursive:    true,
		useGitignore: true,
		debounce:     defaultDebounce,
		onChange:     onChange,
		onRemove:     onRemove,
		logger:       zap.NewNop(),
		pending:      make(map[string]*time.Timer),
		rootPaths:    make(map[string][]string),
		ignores:      make(map[string]*ignoreRules),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts the watcher. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fw
	w.started = true
	w.logger.Debug("watcher starting",
		zap.Strings("roots", w.roots),
		zap.Strings("extensions", w.extensions),
		zap.Bool("recursive", w.recursive),
		zap.Bool("gitignore", w.useGitignore))
	for i, root := range w.roots {
		abs, err := filepath.Abs(root)
		if err == nil {
			err = w.addRootLocked(abs)
		}
		if err != nil {
			_ = fw.Close()
			w.watcher = nil
			w.started = false
			w.mu.Unlock()
			return err
		}
		w.roots[i] = abs
	}
	w.mu.Unlock()
	go w.run(ctx, fw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	rules := w.rulesFor(path)
	if rules == nil {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// A renamed-away directory reports only itself; files that went with it are left
		// to the reconciliation sweep.
		w.cancelPending(path)
		if w.matchExtension(path) && !rules.Ignored(path, false) && w.onRemove != nil {
			w.onRemove(path)
		}
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if !rules.Ignored(path, true) {
				w.handleNewDirectory(path, rules)
			}
			return
		}
		if w.matchExtension(path) && !rules.Ignored(path, false) {
			w.schedule(path)
		}
	}
}

// handleNewDirectory watches a directory created (or moved in) under a root and reports
// the files already inside it.
func (w *Watcher) handleNewDirectory(dir string, rules *ignoreRules) {
	w.mu.Lock()
	fw := w.watcher
	recursive := w.recursive
	w.mu.Unlock()
	if fw == nil || !recursive {
		return
	}
	dirs := w.walkDirs(dir, rules)
	for _, d := range dirs {
		if err := fw.Add(d); err != nil {
			w.logger.Debug("watcher failed to add directory", zap.String("path", d), zap.Error(err))
		}
	}
	w.mu.Lock()
	w.rootPaths[rules.root] = append(w.rootPaths[rules.root], dirs...)
	w.mu.Unlock()
	w.syncDirectory(dir, rules)
}

// rulesFor returns the ignore rules of the root containing path, or nil when path is not
// under any root.
func (w *Watcher) rulesFor(path string) *ignoreRules {
	w.mu.Lock()
	defer w.mu.Unlock()
	var best *ignoreRules
	for _, root := range w.roots {
		if root == path || inDir(root, path) {
			r := w.ignores[root]
			if r != nil && (best == nil || len(r.root) > len(best.root)) {
				best = r
			}
		}
	}
	return best
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) matchExtension(path string) bool {
	return matchExtension(path, w.extensions)
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// schedule (re)starts the debounce timer of path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.logger.Debug("watcher file changed (debounced)", zap.String("path", path))
		if w.onChange != nil {
			w.onChange(path)
		}
	})
}

func (w *Watcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

// AddDirectory adds a root directory to watch and optionally reports its existing files.
func (w *Watcher) AddDirectory(root string, syncExisting bool) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	w.mu.Lock()
	if w.watcher == nil {
		w.mu.Unlock()
		return nil
	}
	for _, r := range w.roots {
		if r == abs {
			w.mu.Unlock()
			return nil
		}
	}
	if err := w.addRootLocked(abs); err != nil {
		w.mu.Unlock()
		return err
	}
	w.roots = append(w.roots, abs)
	rules := w.ignores[abs]
	w.mu.Unlock()
	w.logger.Debug("watcher directory added", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if syncExisting {
		go w.syncDirectory(abs, rules)
	}
	return nil
}

func (w *Watcher) addRootLocked(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "watch", Path: root, Err: fs.ErrInvalid}
	}
	rules := loadIgnoreRules(root, w.useGitignore)
	dirs := []string{root}
	if w.recursive {
		dirs = w.walkDirs(root, rules)
	}
	for _, d := range dirs {
		if err := w.watcher.Add(d); err != nil {
			return err
		}
	}
	w.rootPaths[root] = dirs
	w.ignores[root] = rules
	return nil
}

// walkDirs lists dir and every non-ignored directory below it.
func (w *Watcher) walkDirs(dir string, rules *ignoreRules) []string {
	var dirs []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != dir && rules.Ignored(path, true) {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	return dirs
}

// Files lists the files under root that the watcher would report, in walk order.
func (w *Watcher) Files(root string) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	rules := w.ignores[abs]
	w.mu.Unlock()
	if rules == nil {
		rules = loadIgnoreRules(abs, w.useGitignore)
	}
	var files []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != abs && (rules.Ignored(path, true) || !w.recursive) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && w.matchExtension(path) && !rules.Ignored(path, false) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func (w *Watcher) syncDirectory(dir string, rules *ignoreRules) {
	if w.onChange == nil || rules == nil {
		return
	}
	w.logger.Debug("watcher syncing directory", zap.String("path", dir))
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && rules.Ignored(path, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if w.matchExtension(path) && !rules.Ignored(path, false) {
			w.onChange(path)
		}
		return nil
	})
}

// RemoveDirectory stops watching root. It does not remove indexed files.
func (w *Watcher) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	idx := -1
	for i, r := range w.roots {
		if r == abs {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	for _, p := range w.rootPaths[abs] {
		_ = w.watcher.Remove(p)
	}
	delete(w.rootPaths, abs)
	delete(w.ignores, abs)
	w.roots = append(w.roots[:idx], w.roots[idx+1:]...)
	w.logger.Debug("watcher directory removed", zap.String("path", abs))
	return nil
}

// Directories returns a copy of the watched root directories.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

// SyncExistingFiles reports every existing file under each root through onChange.
// Call it after Start to ingest files that were present before the watcher started.
func (w *Watcher) SyncExistingFiles() {
	w.mu.Lock()
	roots := append([]string(nil), w.roots...)
	rules := make([]*ignoreRules, len(roots))
	for i, r := range roots {
		rules[i] = w.ignores[r]
	}
	w.mu.Unlock()
	for i, root := range roots {
		w.syncDirectory(root, rules[i])
	}
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
