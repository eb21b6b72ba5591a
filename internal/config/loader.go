package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
	debounce time.Duration
	done     chan struct{}
}

// NewLoader creates a new configuration loader.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:     path,
		errChan:  make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
		debounce: 100 * time.Millisecond,
	}
}

// Path returns the watched file.
func (l *Loader) Path() string { return l.path }

// Load reads, overrides and validates the configuration file.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read() (*Config, error) {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the configuration file for changes.
// When changes are detected, the configuration is reloaded and
// registered callbacks are invoked.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	defer close(l.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(l.debounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// reload swaps in the file's new contents if they validate. A missing file
// during an atomic replace is ignored.
func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		return
	}

	newCfg, err := l.read()
	if err != nil {
		l.report(fmt.Errorf("reload config: %w", err))
		return
	}

	l.mu.Lock()
	l.config = newCfg
	callbacks := append([]func(*Config){}, l.onChange...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(newCfg.Clone())
	}
}

// OnChange registers a callback to be invoked when the configuration changes.
func (l *Loader) OnChange(cb func(*Config)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, cb)
	l.mu.Unlock()
}

// Errors returns a channel for receiving errors that occur during watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	return err
}

// LoadOrCreate loads the configuration from the specified path,
// creating a default configuration file if it doesn't exist.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}
