package knowledge

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called with the freshly loaded base after a file change.
type ChangeHandler func(*Base)

// Watcher reloads the knowledge base when files in the override directory
// change and fans the new base out to registered handlers.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	handlers []ChangeHandler
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
}

// NewWatcher creates a watcher over dir. The directory must exist before
// Start is called.
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:     dir,
		watcher: fw,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}, nil
}

// OnChange registers a handler. Handlers registered after Start still
// receive subsequent reloads.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start begins watching. Returns without error when already started.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.started = true
	go w.loop()
	w.logger.Info("Knowledge watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil
	}
	close(w.stopCh)
	w.started = false
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isYAML(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.reload(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Knowledge watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(changed string) {
	base, err := Load(w.dir)
	if err != nil {
		w.logger.Warn("Knowledge reload failed, keeping previous lists",
			zap.String("file", filepath.Base(changed)),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	handlers := make([]ChangeHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	for _, h := range handlers {
		h(base)
	}
	w.logger.Info("Knowledge lists reloaded",
		zap.String("file", filepath.Base(changed)),
		zap.Int("handlers", len(handlers)))
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
