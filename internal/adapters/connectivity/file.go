package connectivity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/jbctechsolutions/taxsync/internal/application/ports"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/logging"
)

// FileWatcher derives connectivity from a status file written by the host,
// for example a network manager hook. The host is online while the file
// exists and does not contain "offline".
type FileWatcher struct {
	state
	path    string
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewFileWatcher starts watching path. The parent directory must exist; the
// file itself may not.
func NewFileWatcher(path string, logger *logging.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so creation and atomic renames are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	w := &FileWatcher{
		path:    filepath.Clean(path),
		watcher: watcher,
		logger:  logger,
		done:    make(chan struct{}),
	}
	w.online = readStatus(w.path)

	go w.loop()
	return w, nil
}

func (w *FileWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			online := readStatus(w.path)
			if w.set(online) {
				w.logger.Info("connectivity changed", "source", "file", "online", online)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("status file watch error", "path", w.path, "error", err.Error())
		}
	}
}

// readStatus reports whether the file at path signals online.
func readStatus(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(string(data)), "offline")
}

// Close stops watching.
func (w *FileWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

var _ ports.ConnectivityWatcher = (*FileWatcher)(nil)
