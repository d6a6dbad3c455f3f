package sync

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StoreWatcher notices writes to a SQLite store made by other
// processes (a CLI retry, a second client queueing operations)
// and calls onChange once the writes have gone quiet for the
// debounce period. A burst of writes yields one call.
type StoreWatcher struct {
	dir      string
	base     string
	debounce time.Duration
	onChange func()
	fsw      *fsnotify.Watcher

	mu    gosync.Mutex
	timer *time.Timer
	fires int

	stop     chan struct{}
	done     chan struct{}
	stopOnce gosync.Once
}

// NewStoreWatcher watches the directory holding dbPath. Only
// the database file and its -wal and -shm companions count as
// writes.
func NewStoreWatcher(
	dbPath string, debounce time.Duration, onChange func(),
) (*StoreWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("onChange callback is nil: %w", os.ErrInvalid)
	}
	if debounce <= 0 {
		return nil, fmt.Errorf("invalid debounce %s: %w", debounce, os.ErrInvalid)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(dbPath)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	return &StoreWatcher{
		dir:      dir,
		base:     filepath.Base(dbPath),
		debounce: debounce,
		onChange: onChange,
		fsw:      fsw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start processes events on a goroutine until Stop.
func (w *StoreWatcher) Start() {
	go w.loop()
}

// Stop ends watching and waits for the event loop to exit. A
// settle callback already running is not interrupted.
func (w *StoreWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		w.fsw.Close()
	})
}

// Fires reports how many times onChange has been scheduled to
// run.
func (w *StoreWatcher) Fires() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fires
}

func (w *StoreWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.isStoreWrite(ev) {
				w.touch()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("store watcher: %v", err)
		}
	}
}

func (w *StoreWatcher) isStoreWrite(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	name := filepath.Base(ev.Name)
	if name == w.base {
		return true
	}
	suffix, ok := strings.CutPrefix(name, w.base)
	return ok && (suffix == "-wal" || suffix == "-shm")
}

// touch pushes the settle deadline out by one debounce period.
func (w *StoreWatcher) touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = time.AfterFunc(w.debounce, w.settle)
}

func (w *StoreWatcher) settle() {
	select {
	case <-w.stop:
		return
	default:
	}
	w.mu.Lock()
	w.fires++
	w.mu.Unlock()
	w.onChange()
}
