package syncmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/martinshumberto/libraries-watcher/agent/internal/config"
	"github.com/martinshumberto/libraries-watcher/agent/internal/library"
	"github.com/martinshumberto/libraries-watcher/agent/internal/storage"
	"github.com/martinshumberto/libraries-watcher/agent/internal/watcher"
)

// SyncStatus represents the status of the reconciler
type SyncStatus string

const (
	// StatusIdle indicates that the event queue is empty
	StatusIdle SyncStatus = "idle"
	// StatusSyncing indicates that events are being applied
	StatusSyncing SyncStatus = "syncing"
	// StatusError indicates that the last event failed on some destination
	StatusError SyncStatus = "error"
)

// SyncStats tracks reconciliation statistics
type SyncStats struct {
	LastEvent   time.Time        `json:"last_event"`
	Events      int64            `json:"events"`
	ByKind      map[string]int64 `json:"by_kind"`
	Mutations   int64            `json:"mutations"`
	BenignRaces int64            `json:"benign_races"`
	Errors      int64            `json:"errors"`
}

// Options configures a LibrariesWatcher
type Options struct {
	// Verbose reports every discovered path, queued event and applied
	// mutation. Otherwise only warnings and errors are logged.
	Verbose bool

	// InitialSync mirrors the pre-existing content of every library on Watch
	InitialSync bool

	// ImmediateKinds are queued ahead of every other event. Defaults to AddDir.
	ImmediateKinds []watcher.Kind

	PollInterval    time.Duration
	MovePairTimeout time.Duration
	RemoveRetries   int
	IgnorePatterns  []string

	Logger *zerolog.Logger
}

// OptionsFromConfig builds watcher options from the loaded configuration
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	kinds := make([]watcher.Kind, 0, len(cfg.ImmediateEvents))
	for _, name := range cfg.ImmediateEvents {
		kind, err := watcher.ParseKind(name)
		if err != nil {
			return Options{}, fmt.Errorf("invalid immediate_events: %w", err)
		}
		kinds = append(kinds, kind)
	}

	return Options{
		Verbose:         cfg.Verbose,
		InitialSync:     cfg.InitialSync,
		ImmediateKinds:  kinds,
		PollInterval:    cfg.PollInterval,
		MovePairTimeout: cfg.MovePairTimeout,
		RemoveRetries:   cfg.RemoveRetries,
		IgnorePatterns:  cfg.Ignore,
	}, nil
}

// target is a watched library together with its destinations
type target struct {
	library *library.WatchedLibrary
	stores  []storage.Storage
}

// LibrariesWatcher owns every watched library and applies their events to
// the destinations, one event at a time.
type LibrariesWatcher struct {
	opts      Options
	logger    zerolog.Logger
	libraries []*config.Library
	targets   map[string]*target
	immediate map[watcher.Kind]bool
	queue     *eventQueue
	errs      chan error

	status  SyncStatus
	stats   SyncStats
	running bool
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a watcher for the given libraries. Nothing is watched until
// Watch is called.
func New(libraries []config.Library, opts Options) (*LibrariesWatcher, error) {
	if len(libraries) == 0 {
		return nil, errors.New("no libraries configured")
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if !opts.Verbose {
		logger = logger.Level(zerolog.WarnLevel)
	}

	immediate := make(map[watcher.Kind]bool)
	if opts.ImmediateKinds == nil {
		immediate[watcher.AddDir] = true
	}
	for _, kind := range opts.ImmediateKinds {
		immediate[kind] = true
	}

	lw := &LibrariesWatcher{
		opts:      opts,
		logger:    logger,
		targets:   make(map[string]*target),
		immediate: immediate,
		queue:     newEventQueue(),
		errs:      make(chan error, 16),
		status:    StatusIdle,
		stats:     SyncStats{ByKind: make(map[string]int64)},
	}

	for i := range libraries {
		lib := libraries[i]
		if _, ok := lw.targets[lib.Name]; ok {
			return nil, fmt.Errorf("duplicate library name: %s", lib.Name)
		}

		t := &target{}
		for _, dest := range lib.Destinations {
			store, err := storage.NewLocalStorage(&storage.LocalConfig{
				RootDir:       dest,
				RemoveRetries: opts.RemoveRetries,
				Logger:        &lw.logger,
			})
			if err != nil {
				return nil, fmt.Errorf("library %s: %w", lib.Name, err)
			}
			t.stores = append(t.stores, store)
		}
		if len(t.stores) == 0 {
			return nil, fmt.Errorf("library %s has no destinations", lib.Name)
		}

		t.library = library.New(&lib, lw.Callback, library.Options{
			IgnorePatterns:  opts.IgnorePatterns,
			PollInterval:    opts.PollInterval,
			MovePairTimeout: opts.MovePairTimeout,
			Logger:          &lw.logger,
			OnError:         lw.reportError,
		})

		lw.libraries = append(lw.libraries, &lib)
		lw.targets[lib.Name] = t
	}

	return lw, nil
}

// Watch starts every library in order. The first failure aborts and stops
// the libraries already started. It returns once every library is watched;
// the initial sync, if enabled, continues in the background.
func (lw *LibrariesWatcher) Watch(ctx context.Context) error {
	lw.mu.Lock()
	if lw.running {
		lw.mu.Unlock()
		return nil
	}
	lw.ctx, lw.cancel = context.WithCancel(ctx)
	lw.done = make(chan struct{})
	lw.running = true
	lw.mu.Unlock()

	lw.wg.Add(1)
	go lw.consume()

	for i, lib := range lw.libraries {
		if err := lw.targets[lib.Name].library.Watch(); err != nil {
			for _, started := range lw.libraries[:i] {
				lw.targets[started.Name].library.StopWatch()
			}
			lw.shutdown()
			return err
		}
	}

	lw.logger.Info().Int("libraries", len(lw.libraries)).Msg("Watching libraries")

	if lw.opts.InitialSync {
		for _, lib := range lw.libraries {
			info, err := os.Lstat(lib.Source)
			if err != nil {
				lw.logger.Warn().Err(err).Str("library", lib.Name).Msg("Skipping initial sync")
				continue
			}
			lw.Callback(watcher.NewAddDirEvent(lib, "", lib.Source, info))
		}
	}

	return nil
}

// StopWatch stops every library and waits for the event being applied.
// Events still queued are dropped.
func (lw *LibrariesWatcher) StopWatch() error {
	lw.mu.RLock()
	running := lw.running
	lw.mu.RUnlock()
	if !running {
		return nil
	}

	var errs []error
	for _, lib := range lw.libraries {
		if err := lw.targets[lib.Name].library.StopWatch(); err != nil {
			errs = append(errs, err)
		}
	}

	lw.shutdown()

	if dropped := lw.queue.clear(); dropped > 0 {
		lw.logger.Debug().Int("events", dropped).Msg("Dropped pending events")
	}

	return errors.Join(errs...)
}

func (lw *LibrariesWatcher) shutdown() {
	lw.mu.Lock()
	lw.running = false
	close(lw.done)
	lw.mu.Unlock()

	lw.wg.Wait()
	lw.cancel()
}

// Callback is the single ingestion point of canonical events. It never
// blocks and is safe to call from any goroutine.
func (lw *LibrariesWatcher) Callback(ev watcher.Event) {
	immediate := lw.immediate[ev.Kind]
	lw.queue.push(ev, immediate)

	lw.logger.Debug().
		Str("library", libraryName(ev)).
		Str("event", ev.Kind.String()).
		Str("path", ev.LocalPath).
		Bool("immediate", immediate).
		Msg("Queued event")
}

// Errors delivers unexpected errors. Benign races are never reported here.
func (lw *LibrariesWatcher) Errors() <-chan error {
	return lw.errs
}

// Libraries returns the watched libraries
func (lw *LibrariesWatcher) Libraries() []*library.WatchedLibrary {
	out := make([]*library.WatchedLibrary, 0, len(lw.libraries))
	for _, lib := range lw.libraries {
		out = append(out, lw.targets[lib.Name].library)
	}
	return out
}

// GetStatus returns the current status
func (lw *LibrariesWatcher) GetStatus() SyncStatus {
	lw.mu.RLock()
	defer lw.mu.RUnlock()
	return lw.status
}

// Stats returns a snapshot of the statistics
func (lw *LibrariesWatcher) Stats() SyncStats {
	lw.mu.RLock()
	defer lw.mu.RUnlock()

	stats := lw.stats
	stats.ByKind = make(map[string]int64, len(lw.stats.ByKind))
	for k, v := range lw.stats.ByKind {
		stats.ByKind[k] = v
	}
	return stats
}

// Pending returns the number of queued events
func (lw *LibrariesWatcher) Pending() int {
	return lw.queue.len()
}

// consume is the only goroutine mutating destinations
func (lw *LibrariesWatcher) consume() {
	defer lw.wg.Done()

	for {
		select {
		case <-lw.done:
			return
		case <-lw.queue.wake:
		}

		for {
			if lw.stopping() {
				return
			}
			ev, ok := lw.queue.pop()
			if !ok {
				break
			}
			lw.setStatus(StatusSyncing)
			lw.apply(ev)
		}

		lw.mu.Lock()
		if lw.status == StatusSyncing {
			lw.status = StatusIdle
		}
		lw.mu.Unlock()
	}
}

func (lw *LibrariesWatcher) stopping() bool {
	select {
	case <-lw.done:
		return true
	default:
		return false
	}
}

func (lw *LibrariesWatcher) setStatus(status SyncStatus) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.status = status
}

func (lw *LibrariesWatcher) reportError(err error) {
	select {
	case lw.errs <- err:
	default:
		lw.logger.Warn().Err(err).Msg("Error channel full, dropping error")
	}
}

func libraryName(ev watcher.Event) string {
	if ev.Library == nil {
		return ""
	}
	return ev.Library.Name
}
