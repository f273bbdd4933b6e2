package adjustable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nasa-jpl/beamline/task"
)

type storedValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// FileStore is an adjustable whose value lives in a JSON file, so that it
// survives restarts.  Edits made to the file by other programs are picked up
// while the store is open
type FileStore struct {
	name   string
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	value float64

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileStore opens the store at path, creating it with def if it does not
// exist.  A nil logger uses slog.Default()
func NewFileStore(name, path string, def float64, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fs := &FileStore{name: name, path: path, logger: logger, value: def, done: make(chan struct{})}
	v, err := fs.read()
	switch {
	case err == nil:
		fs.value = v
	case errors.Is(err, os.ErrNotExist):
		if err = fs.write(def); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// the directory is watched, since writes replace the file by rename
	if err = w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	fs.watcher = w
	go fs.watch()
	return fs, nil
}

func (fs *FileStore) read() (float64, error) {
	b, err := os.ReadFile(fs.path)
	if err != nil {
		return 0, err
	}
	var sv storedValue
	if err = json.Unmarshal(b, &sv); err != nil {
		return 0, fmt.Errorf("%s: decoding %s: %w", fs.name, fs.path, err)
	}
	return sv.Value, nil
}

func (fs *FileStore) write(v float64) error {
	b, err := json.MarshalIndent(storedValue{Name: fs.name, Value: v}, "", "  ")
	if err != nil {
		return err
	}
	tmp := fs.path + ".tmp"
	if err = os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, fs.path)
}

func (fs *FileStore) watch() {
	target := filepath.Clean(fs.path)
	for {
		select {
		case <-fs.done:
			return
		case ev, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			v, err := fs.read()
			if err != nil {
				// partially written files are retried on the next event
				fs.logger.Debug("file store reload failed", "name", fs.name, "err", err)
				continue
			}
			fs.mu.Lock()
			changed := v != fs.value
			fs.value = v
			fs.mu.Unlock()
			if changed {
				fs.logger.Info("file store reloaded", "name", fs.name, "value", v)
			}
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Warn("file store watch error", "name", fs.name, "err", err)
		}
	}
}

// Name returns the name
func (fs *FileStore) Name() string {
	return fs.name
}

// Path returns the path to the backing file
func (fs *FileStore) Path() string {
	return fs.path
}

// Get returns the stored value
func (fs *FileStore) Get(ctx context.Context) (float64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.value, nil
}

// Set writes the value to the file
func (fs *FileStore) Set(ctx context.Context, v float64) *task.Task {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.write(v); err != nil {
		return task.Completed(fmt.Errorf("%s: %w", fs.name, err))
	}
	fs.value = v
	return task.Completed(nil)
}

// Close stops watching the file
func (fs *FileStore) Close() error {
	select {
	case <-fs.done:
		return nil
	default:
	}
	close(fs.done)
	return fs.watcher.Close()
}
