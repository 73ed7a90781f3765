package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the provider waits after the last change to the
// watched file before reloading it.
const DefaultDebounce = 100 * time.Millisecond

// Revision is one successfully parsed version of the layout document.
type Revision struct {
	Generation int64
	Document   *Document
}

// FileProviderOptions configures a FileProvider.
type FileProviderOptions struct {
	Logger   *slog.Logger
	Debounce time.Duration
	// Watch enables reloading on file changes.
	Watch bool
}

// FileProvider loads the layout document from a file and, when watching,
// publishes a new Revision each time the file changes and still parses. A
// document that fails to parse is logged and the previous revision stays
// current.
type FileProvider struct {
	path        string
	logger      *slog.Logger
	debounce    time.Duration
	mu          sync.RWMutex
	current     Revision
	subscribers []chan Revision
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewFileProvider loads the document at path. The initial load must succeed.
func NewFileProvider(path string, opts FileProviderOptions) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	p := &FileProvider{
		path:     absPath,
		logger:   opts.Logger,
		debounce: opts.Debounce,
		cancel:   func() {},
		done:     make(chan struct{}),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	if !opts.Watch {
		close(p.done)
		return p, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.watcher = watcher
	p.cancel = cancel
	go p.watchLoop(ctx)
	return p, nil
}

// Path returns the absolute path of the watched file.
func (p *FileProvider) Path() string { return p.path }

// Current returns the latest revision.
func (p *FileProvider) Current() Revision {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel that receives every later revision. The channel
// holds only the newest undelivered revision.
func (p *FileProvider) Subscribe() <-chan Revision {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Revision, 1)
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Reload reads the file now and publishes it when it parses.
func (p *FileProvider) Reload() error {
	doc, err := LoadDocument(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = Revision{Generation: p.current.Generation + 1, Document: doc}
	for _, ch := range p.subscribers {
		publish(ch, p.current)
	}
	return nil
}

func publish(ch chan Revision, rev Revision) {
	for {
		select {
		case ch <- rev:
			return
		default:
		}
		// Replace the stale revision a slow consumer has not read yet.
		select {
		case <-ch:
		default:
		}
	}
}

// Close stops the watcher. Subscriber channels are closed.
func (p *FileProvider) Close() error {
	p.cancel()
	var err error
	if p.watcher != nil {
		err = p.watcher.Close()
	}
	<-p.done
	p.mu.Lock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	p.mu.Unlock()
	return err
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.done)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					if err := p.Reload(); err != nil {
						p.logger.Error("Pipeline reload failed", "path", p.path, "error", err)
						return
					}
					p.logger.Info("Pipeline file reloaded", "path", p.path, "generation", p.Current().Generation)
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("Pipeline watcher error", "path", p.path, "error", err)
		}
	}
}
