package assets

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/spaghettifunk/lumen/engine/core"
)

// DefaultDebounce coalesces the burst of writes editors produce on save.
const DefaultDebounce = 100 * time.Millisecond

var ErrWatcherClosed = errors.New("shader watcher already closed")

// ShaderWatcher reports changed shader sources under a directory tree.
// onChange runs on the watcher goroutine, once per burst of writes.
type ShaderWatcher struct {
	fsnotify *fsnotify.Watcher
	onChange func(path string)
	debounce time.Duration

	mu       sync.Mutex
	pending  map[string]*time.Timer
	isClosed bool

	done chan struct{}
	wg   sync.WaitGroup
}

func NewShaderWatcher(dir string, debounce time.Duration, onChange func(path string)) (*ShaderWatcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	sw := &ShaderWatcher{
		fsnotify: fsWatch,
		onChange: onChange,
		debounce: debounce,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	if err := sw.watchRecursive(dir); err != nil {
		fsWatch.Close()
		return nil, err
	}
	sw.wg.Add(1)
	go sw.start()
	core.LogInfo("Watching shaders under '%s'.", dir)
	return sw, nil
}

// watchRecursive adds dir and every directory below it.
func (sw *ShaderWatcher) watchRecursive(dir string) error {
	return filepath.Walk(dir, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return sw.fsnotify.Add(walkPath)
		}
		return nil
	})
}

func (sw *ShaderWatcher) start() {
	defer sw.wg.Done()
	for {
		select {
		case e, ok := <-sw.fsnotify.Events:
			if !ok {
				return
			}
			sw.handle(e)

		case err, ok := <-sw.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("shader watcher: %s", err)

		case <-sw.done:
			return
		}
	}
}

func (sw *ShaderWatcher) handle(e fsnotify.Event) {
	if e.Has(fsnotify.Create) {
		if s, err := os.Stat(e.Name); err == nil && s.IsDir() {
			if err := sw.watchRecursive(e.Name); err != nil {
				core.LogWarn("shader watcher: cannot watch %s: %s", e.Name, err)
			}
			return
		}
	}
	if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
		// Not a watched directory most of the time; the error is expected.
		_ = sw.fsnotify.Remove(e.Name)
		return
	}
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	if filepath.Ext(e.Name) != ShaderExtension {
		return
	}
	sw.schedule(e.Name)
}

func (sw *ShaderWatcher) schedule(path string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.isClosed {
		return
	}
	if t, ok := sw.pending[path]; ok {
		t.Reset(sw.debounce)
		return
	}
	sw.pending[path] = time.AfterFunc(sw.debounce, func() {
		sw.mu.Lock()
		delete(sw.pending, path)
		closed := sw.isClosed
		sw.mu.Unlock()
		if closed {
			return
		}
		core.LogDebug("Shader source changed: %s", path)
		sw.onChange(path)
	})
}

// Close stops watching. Pending notifications are dropped.
func (sw *ShaderWatcher) Close() error {
	sw.mu.Lock()
	if sw.isClosed {
		sw.mu.Unlock()
		return ErrWatcherClosed
	}
	sw.isClosed = true
	for path, t := range sw.pending {
		t.Stop()
		delete(sw.pending, path)
	}
	sw.mu.Unlock()

	close(sw.done)
	err := sw.fsnotify.Close()
	sw.wg.Wait()
	return err
}
