package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"accessguard/internal/logger"
)

const debounceDefault = 200 * time.Millisecond

// Tailer follows the whitelisted logs of a Source and yields every complete
// line appended to them. A file that shrinks is treated as rotated and read
// again from the start.
type Tailer struct {
	src       *Source
	fromStart bool
	debounce  time.Duration

	mu      sync.Mutex
	offsets map[string]int64
	partial map[string][]byte

	lines chan Line
	once  sync.Once
}

// NewTailer creates a tailer. With fromStart false, existing content is
// skipped and only lines appended after Start are read.
func NewTailer(src *Source, fromStart bool) *Tailer {
	return &Tailer{
		src:       src,
		fromStart: fromStart,
		debounce:  debounceDefault,
		offsets:   make(map[string]int64),
		partial:   make(map[string][]byte),
		lines:     make(chan Line, 1024),
	}
}

// Start begins watching the spool directory in the background until ctx is
// cancelled.
func (t *Tailer) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create log watcher: %w", err)
	}
	if err := watcher.Add(t.src.Dir()); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", t.src.Dir(), err)
	}

	if !t.fromStart {
		for name := range t.src.allowed {
			if info, err := os.Stat(filepath.Join(t.src.Dir(), name)); err == nil {
				t.offsets[name] = info.Size()
			}
		}
	}

	go t.run(ctx, watcher)
	return nil
}

func (t *Tailer) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() { _ = watcher.Close() }()
	defer t.once.Do(func() { close(t.lines) })

	if t.fromStart {
		for name := range t.src.allowed {
			t.readNew(ctx, name)
		}
	}

	pending := make(map[string]bool)
	timer := time.NewTimer(t.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			for name := range pending {
				t.readNew(ctx, name)
			}
			pending = make(map[string]bool)
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Base(event.Name)
			if !t.src.Allowed(name) {
				continue
			}
			pending[name] = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("Log watcher error: %v", err)
		}
	}
}

// readNew emits the complete lines appended to name since the last read.
func (t *Tailer) readNew(ctx context.Context, name string) {
	lines, err := t.collect(name)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warnf("Failed to read %s: %v", name, err)
		}
		return
	}
	for _, text := range lines {
		select {
		case t.lines <- Line{Source: name, Text: text}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Tailer) collect(name string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(filepath.Join(t.src.Dir(), name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := t.offsets[name]
	if info.Size() < offset {
		logger.Infof("Log %s was truncated or rotated, reading from start", name)
		offset = 0
		t.partial[name] = nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	t.offsets[name] = offset + int64(len(data))

	buf := append(t.partial[name], data...)
	var out []string
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		out = append(out, string(bytes.TrimRight(buf[:i], "\r")))
		buf = buf[i+1:]
	}
	t.partial[name] = append([]byte(nil), buf...)
	return out, nil
}

// Next returns the next line, blocking until one is available or ctx is
// done. It returns io.EOF once the tailer has stopped.
func (t *Tailer) Next(ctx context.Context) (*Line, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case line, ok := <-t.lines:
		if !ok {
			return nil, io.EOF
		}
		return &line, nil
	}
}

// Close is a no-op; the tailer stops with the context given to Start.
func (t *Tailer) Close() error {
	return nil
}
