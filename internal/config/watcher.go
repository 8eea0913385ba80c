package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	debounceDelay = 100 * time.Millisecond
	pollInterval  = 5 * time.Second
)

// ReloadFunc receives the values that changed in the .env file.
type ReloadFunc func(changes map[string]string)

// Watcher applies runtime-safe settings from the .env file when it changes.
// Only the log level is hot-reloadable; everything else needs a restart.
type Watcher struct {
	envPath     string
	logger      zerolog.Logger
	setLevel    func(string) zerolog.Level
	onReload    ReloadFunc
	mu          sync.Mutex
	logLevel    string
	lastModTime time.Time
}

// NewWatcher creates a watcher for cfg.EnvFile. setLevel applies a new level.
func NewWatcher(cfg *Config, setLevel func(string) zerolog.Level, logger zerolog.Logger) *Watcher {
	w := &Watcher{
		envPath:  cfg.EnvFile,
		logger:   logger,
		setLevel: setLevel,
		logLevel: cfg.LogLevel,
	}
	if stat, err := os.Stat(w.envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w
}

// OnReload registers fn to be told about applied changes.
func (w *Watcher) OnReload(fn ReloadFunc) {
	w.mu.Lock()
	w.onReload = fn
	w.mu.Unlock()
}

// LogLevel returns the level currently in effect.
func (w *Watcher) LogLevel() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logLevel
}

// Run watches until ctx is cancelled. When the directory cannot be watched it
// falls back to polling the file's modification time.
func (w *Watcher) Run(ctx context.Context) error {
	if w.envPath == "" {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to create config watcher, polling instead")
		return w.poll(ctx)
	}
	defer fw.Close()

	dir := filepath.Dir(w.envPath)
	if err := fw.Add(dir); err != nil {
		w.logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, polling instead")
		return w.poll(ctx)
	}
	w.logger.Info().Str("env_path", w.envPath).Msg("Watching config file for changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Let the writer finish.
			select {
			case <-time.After(debounceDelay):
			case <-ctx.Done():
				return nil
			}
			w.logger.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			w.Reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stat, err := os.Stat(w.envPath)
			if err != nil {
				continue
			}
			w.mu.Lock()
			changed := stat.ModTime().After(w.lastModTime)
			if changed {
				w.lastModTime = stat.ModTime()
			}
			w.mu.Unlock()
			if changed {
				w.logger.Info().Msg("Detected .env file change via polling")
				w.Reload()
			}
		}
	}
}

// Reload re-reads the .env file and applies the log level.
func (w *Watcher) Reload() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Error().Err(err).Msg("Failed to read .env file")
			return
		}
		envMap = map[string]string{}
	}

	w.mu.Lock()
	changes := map[string]string{}
	level := strings.ToLower(strings.Trim(strings.TrimSpace(envMap[EnvPrefix+"LOG_LEVEL"]), "'\""))
	if level != "" && level != w.logLevel {
		w.logLevel = level
		changes["log_level"] = level
	}
	callback := w.onReload
	w.mu.Unlock()

	if len(changes) == 0 {
		w.logger.Debug().Msg("No relevant changes detected in .env file")
		return
	}
	if lvl, ok := changes["log_level"]; ok && w.setLevel != nil {
		applied := w.setLevel(lvl)
		w.logger.Info().Str("level", applied.String()).Msg("Log level updated from .env file")
	}
	if callback != nil {
		callback(changes)
	}
}
