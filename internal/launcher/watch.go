package launcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var DefaultWatchExtensions = []string{".go", ".html", ".js", ".css"}

// watcher coalesces bursts of file events into single change notifications.
type watcher struct {
	fsw        *fsnotify.Watcher
	extensions []string
	debounce   time.Duration
	changes    chan struct{}
	logger     *zap.Logger
}

func newWatcher(root string, extensions []string, debounce time.Duration, logger *zap.Logger) (*watcher, error) {
	if root == "" {
		root = "."
	}
	if len(extensions) == 0 {
		extensions = DefaultWatchExtensions
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &watcher{
		fsw:        fsw,
		extensions: extensions,
		debounce:   debounce,
		changes:    make(chan struct{}, 1),
		logger:     logger,
	}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches root and every directory below it that skipDir does not exclude.
// fsnotify is not recursive, so directories created later are added from Run.
func (w *watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// skipDir follows the go tool: directories starting with "." or "_" are ignored,
// and so are build outputs.
func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") ||
		name == "bin" || name == "vendor" || name == "testdata"
}

func (w *watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	if strings.HasSuffix(ev.Name, "_test.go") {
		return false
	}
	return slices.Contains(w.extensions, filepath.Ext(ev.Name))
}

func (w *watcher) Changes() <-chan struct{} {
	return w.changes
}

func (w *watcher) Run(ctx context.Context) {
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				w.watchIfDir(ev.Name)
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Debug("file changed", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			select {
			case w.changes <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *watcher) watchIfDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() || skipDir(info.Name()) {
		return
	}
	if err := w.addTree(path); err != nil {
		w.logger.Warn("watch new directory", zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Debug("watching new directory", zap.String("path", path))
}

func (w *watcher) Close() error {
	return w.fsw.Close()
}
