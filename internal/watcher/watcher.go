// Package watcher polls the scoring settings file and swaps validated
// settings into the running engine.
//
// A rejected file never reaches traffic: the previous settings stay in
// effect until a valid file appears.
package watcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mbd888/riskengine/internal/config"
	"github.com/mbd888/riskengine/internal/metrics"
)

// Applier receives settings that passed validation.
type Applier interface {
	SetRuntime(rt *config.Runtime)
}

// Checker rejects settings the running process cannot honour.
type Checker func(rt *config.Runtime) error

// Config for the scoring watcher
type Config struct {
	Path         string
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig(path string) Config {
	return Config{Path: path, PollInterval: 10 * time.Second}
}

// Watcher reloads the scoring file when its contents change.
type Watcher struct {
	config  Config
	check   Checker
	applier Applier
	logger  *slog.Logger

	mu      sync.Mutex
	modTime time.Time
	size    int64
	digest  [sha256.Size]byte

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a watcher. check may be nil.
func New(cfg Config, check Checker, applier Applier, logger *slog.Logger) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, errors.New("watcher: scoring file path is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig(cfg.Path).PollInterval
	}
	return &Watcher{
		config:  cfg,
		check:   check,
		applier: applier,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start records the current file as applied and begins polling.
func (w *Watcher) Start(ctx context.Context) error {
	data, info, err := w.read()
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.remember(data, info)
	w.mu.Unlock()

	w.logger.Info("scoring watcher started", "path", w.config.Path, "interval", w.config.PollInterval)
	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.Reload(); err != nil {
				w.logger.Error("scoring reload rejected", "path", w.config.Path, "error", err)
			}
		}
	}
}

// Reload checks the file once and applies it when its content changed.
// It reports whether new settings were applied.
func (w *Watcher) Reload() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.config.Path)
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("rejected").Inc()
		return false, fmt.Errorf("stat scoring file: %w", err)
	}
	if info.ModTime().Equal(w.modTime) && info.Size() == w.size {
		return false, nil
	}

	data, info, err := w.read()
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("rejected").Inc()
		return false, err
	}
	if sum := sha256.Sum256(data); bytes.Equal(sum[:], w.digest[:]) {
		w.remember(data, info)
		metrics.ConfigReloadsTotal.WithLabelValues("unchanged").Inc()
		return false, nil
	}

	scoring, err := config.LoadScoring(w.config.Path)
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("rejected").Inc()
		return false, err
	}
	rt, err := scoring.Compile()
	if err == nil && w.check != nil {
		err = w.check(rt)
	}
	if err != nil {
		// Remember the bad file so it is reported once, not every tick.
		w.remember(data, info)
		metrics.ConfigReloadsTotal.WithLabelValues("rejected").Inc()
		return false, err
	}

	w.applier.SetRuntime(rt)
	w.remember(data, info)
	metrics.ConfigReloadsTotal.WithLabelValues("applied").Inc()
	w.logger.Info("scoring settings reloaded",
		"path", w.config.Path,
		"rules", len(rt.Rules.Definitions()),
		"windows", len(rt.Windows),
	)
	return true, nil
}

func (w *Watcher) read() ([]byte, os.FileInfo, error) {
	data, err := os.ReadFile(w.config.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("read scoring file: %w", err)
	}
	info, err := os.Stat(w.config.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("stat scoring file: %w", err)
	}
	return data, info, nil
}

// remember must be called with w.mu held.
func (w *Watcher) remember(data []byte, info os.FileInfo) {
	w.modTime = info.ModTime()
	w.size = info.Size()
	w.digest = sha256.Sum256(data)
}
