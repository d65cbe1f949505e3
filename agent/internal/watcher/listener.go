package watcher

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/martinshumberto/libraries-watcher/agent/internal/config"
	"github.com/martinshumberto/libraries-watcher/agent/internal/fsutil"
	"github.com/martinshumberto/libraries-watcher/agent/internal/ignore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrListenerStopped is returned when watching a permanently stopped listener
var ErrListenerStopped = errors.New("listener stopped")

const (
	defaultPollInterval    = 200 * time.Millisecond
	defaultMovePairTimeout = 100 * time.Millisecond
)

// Handle registers native watches. *fsnotify.Watcher satisfies it.
type Handle interface {
	Add(name string) error
	Remove(name string) error
}

// Ignorer is the ignore predicate of a library
type Ignorer interface {
	Ignored(e ignore.Entry) bool
}

// State is the lifecycle state of a DirectoryListener
type State int

const (
	StateStopped State = iota
	StateInitializing
	StateActive
	StateWaiting // watched directory is gone, polling for it
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// ListenerOptions configures a DirectoryListener
type ListenerOptions struct {
	Library    *config.Library
	SourcePath string
	LocalPath  string

	Handle Handle
	Ignore Ignorer

	// Emit receives every canonical event. It is never called with the
	// listener lock held.
	Emit func(Event)

	// KnownDir reports whether a removed child was a directory
	KnownDir func(path string) bool

	// OnError receives errors that cannot be handled locally
	OnError func(error)

	PollInterval    time.Duration
	MovePairTimeout time.Duration

	Logger *zerolog.Logger
}

// pendingMove is the AwaitingMoveTarget state: an entry left the directory
// and the unlink is held back until its target shows up or the timer fires.
type pendingMove struct {
	cookie   uint64
	fromPath string
	event    Event
	timer    *time.Timer
}

// DirectoryListener owns the native watch of exactly one directory
type DirectoryListener struct {
	opts   ListenerOptions
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	permanent  bool
	restarting bool
	done       chan struct{}
	move       *pendingMove
	cookies    uint64
}

// NewDirectoryListener creates a stopped listener
func NewDirectoryListener(opts ListenerOptions) *DirectoryListener {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MovePairTimeout < 0 {
		opts.MovePairTimeout = defaultMovePairTimeout
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	local := opts.LocalPath
	if local == "" {
		local = "."
	}
	ctx := logger.With().Str("path", local)
	if opts.Library != nil {
		ctx = ctx.Str("library", opts.Library.Name)
	}

	return &DirectoryListener{
		opts:   opts,
		logger: ctx.Logger(),
		state:  StateStopped,
		done:   make(chan struct{}),
	}
}

// SourcePath returns the watched directory
func (l *DirectoryListener) SourcePath() string {
	return l.opts.SourcePath
}

// LocalPath returns the watched directory relative to the library root
func (l *DirectoryListener) LocalPath() string {
	return l.opts.LocalPath
}

// State returns the current lifecycle state
func (l *DirectoryListener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Watch registers the native watch. It is a no-op while the listener is
// already active. With processInitialEvents the listener announces itself
// with an AddDir event so that everything now present gets mirrored.
func (l *DirectoryListener) Watch(processInitialEvents bool) error {
	l.mu.Lock()
	if l.permanent {
		l.mu.Unlock()
		return ErrListenerStopped
	}
	if l.state == StateActive || l.state == StateInitializing {
		l.mu.Unlock()
		l.logger.Debug().Msg("Directory already watched")
		return nil
	}
	l.state = StateInitializing
	l.mu.Unlock()

	if err := l.opts.Handle.Add(l.opts.SourcePath); err != nil {
		l.mu.Lock()
		l.state = StateStopped
		l.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", l.opts.SourcePath, err)
	}

	l.mu.Lock()
	if l.permanent {
		// stopped while registering
		l.state = StateStopped
		l.mu.Unlock()
		l.release()
		return ErrListenerStopped
	}
	l.state = StateActive
	l.mu.Unlock()

	l.logger.Debug().Msg("Watching directory")

	if processInitialEvents {
		info, err := os.Lstat(l.opts.SourcePath)
		if err != nil {
			if fsutil.IsNotExist(err) {
				l.logger.Debug().Msg("Directory vanished right after watching it")
				return nil
			}
			return fmt.Errorf("failed to stat %s: %w", l.opts.SourcePath, err)
		}
		l.emit(NewAddDirEvent(l.opts.Library, l.opts.LocalPath, l.opts.SourcePath, info))
	}

	return nil
}

// Stop releases the native watch. Stopping an inactive listener is a no-op.
// A permanent stop also cancels any pending restart.
func (l *DirectoryListener) Stop(permanent bool) error {
	l.mu.Lock()
	if permanent && !l.permanent {
		l.permanent = true
		close(l.done)
	}
	l.cancelMoveLocked()

	if l.state != StateActive && l.state != StateInitializing {
		if permanent {
			l.state = StateStopped
		}
		l.mu.Unlock()
		l.logger.Debug().Msg("Listener already inactive")
		return nil
	}
	l.state = StateStopped
	l.mu.Unlock()

	if err := l.release(); err != nil {
		return err
	}

	l.logger.Debug().Bool("permanent", permanent).Msg("Stopped watching directory")
	return nil
}

// release removes the native watch, tolerating one the backend already
// dropped on its own.
func (l *DirectoryListener) release() error {
	err := l.opts.Handle.Remove(l.opts.SourcePath)
	if err == nil || errors.Is(err, fsnotify.ErrNonExistentWatch) || errors.Is(err, fsnotify.ErrClosed) {
		return nil
	}
	return fmt.Errorf("failed to remove watch on %s: %w", l.opts.SourcePath, err)
}

// Ignored reports whether fullPath is excluded by the library's predicate
func (l *DirectoryListener) Ignored(fullPath string) bool {
	if l.opts.Ignore == nil || l.opts.Library == nil {
		return false
	}
	localPath, err := LocalPath(l.opts.Library.Source, fullPath)
	if err != nil {
		return true
	}
	return l.opts.Ignore.Ignored(ignore.Entry{
		FileName:  filepath.Base(fullPath),
		LocalPath: localPath,
		FullPath:  fullPath,
	})
}

// HandleRaw normalizes one native notification. self is true when the
// notification is about the watched directory itself.
func (l *DirectoryListener) HandleRaw(ev fsnotify.Event, self bool) {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()

	if state != StateActive && state != StateInitializing {
		l.logger.Debug().Str("op", ev.Op.String()).Str("state", state.String()).Msg("Dropping event on inactive listener")
		return
	}

	if !self && l.Ignored(ev.Name) {
		return
	}

	n := Notification{Op: ev.Op, Path: ev.Name, Self: self}
	if !self && l.opts.KnownDir != nil {
		n.KnownDir = l.opts.KnownDir(ev.Name)
	}

	var probe Probe
	if !ev.Op.Has(fsnotify.Remove) {
		probe = ProbePath(ev.Name)
	}

	d := Classify(n, probe)

	localPath := l.opts.LocalPath
	if !self {
		localPath = path.Join(l.opts.LocalPath, filepath.Base(ev.Name))
	}

	switch d.Action {
	case Drop:
		l.flushMove()
		l.logger.Debug().Str("op", ev.Op.String()).Str("entry", ev.Name).Str("reason", d.Reason).Msg("Dropping event")

	case Fail:
		l.flushMove()
		l.reportError(fmt.Errorf("%s %s: %w", d.Reason, ev.Name, d.Err))

	case SelfRemoved:
		l.flushMove()
		l.logger.Info().Str("reason", d.Reason).Msg("Watched directory disappeared")
		l.handleSelfRemoved()

	case MoveFrom:
		l.flushMove()
		l.holdMove(ev.Name, l.build(d, localPath, ev.Name))

	case Emit:
		event := l.build(d, localPath, ev.Name)
		if (d.Kind == Add || d.Kind == AddDir) && (ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename)) {
			if from, ok := l.takeMove(); ok {
				l.logger.Debug().Str("from", from.LocalPath).Str("to", localPath).Msg("Entry moved")
				l.emit(from)
				l.emit(event)
				return
			}
		}
		l.flushMove()
		l.emit(event)
	}
}

// build creates the canonical event for a decision
func (l *DirectoryListener) build(d Decision, localPath, sourcePath string) Event {
	lib := l.opts.Library
	switch d.Kind {
	case Add:
		return NewAddEvent(lib, localPath, sourcePath, d.Stats)
	case AddDir:
		return NewAddDirEvent(lib, localPath, sourcePath, d.Stats)
	case Change:
		return NewChangeEvent(lib, localPath, sourcePath, d.Stats)
	case ChangeDir:
		return NewChangeDirEvent(lib, localPath, sourcePath, d.Stats)
	case UnlinkDir:
		return NewUnlinkDirEvent(lib, localPath, sourcePath)
	default:
		return NewUnlinkEvent(lib, localPath, sourcePath)
	}
}

// holdMove enters AwaitingMoveTarget
func (l *DirectoryListener) holdMove(fromPath string, event Event) {
	if l.opts.MovePairTimeout == 0 {
		l.emit(event)
		return
	}

	l.mu.Lock()
	l.cookies++
	cookie := l.cookies
	l.move = &pendingMove{
		cookie:   cookie,
		fromPath: fromPath,
		event:    event,
		timer:    time.AfterFunc(l.opts.MovePairTimeout, func() { l.expireMove(cookie) }),
	}
	l.mu.Unlock()
}

// takeMove leaves AwaitingMoveTarget and returns the held unlink
func (l *DirectoryListener) takeMove() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.move == nil {
		return Event{}, false
	}
	move := l.move
	l.move = nil
	move.timer.Stop()
	return move.event, true
}

// flushMove emits a held unlink before any unrelated event
func (l *DirectoryListener) flushMove() {
	if event, ok := l.takeMove(); ok {
		l.emit(event)
	}
}

func (l *DirectoryListener) expireMove(cookie uint64) {
	l.mu.Lock()
	if l.move == nil || l.move.cookie != cookie {
		l.mu.Unlock()
		return
	}
	move := l.move
	l.move = nil
	l.mu.Unlock()

	l.logger.Debug().Str("entry", move.fromPath).Msg("Move target never arrived, treating as removal")
	l.emit(move.event)
}

func (l *DirectoryListener) cancelMoveLocked() {
	if l.move != nil {
		l.move.timer.Stop()
		l.move = nil
	}
}

// handleSelfRemoved forwards the removal, releases the watch and polls for
// the directory to come back. Concurrent removal signals collapse into one
// restart cycle.
func (l *DirectoryListener) handleSelfRemoved() {
	l.mu.Lock()
	if l.restarting || l.state == StateWaiting {
		l.mu.Unlock()
		return
	}
	l.restarting = true
	l.state = StateWaiting
	l.cancelMoveLocked()
	l.mu.Unlock()

	l.emit(NewUnlinkDirEvent(l.opts.Library, l.opts.LocalPath, l.opts.SourcePath))

	if err := l.release(); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to release watch of removed directory")
	}

	l.mu.Lock()
	if l.permanent {
		l.restarting = false
		l.state = StateStopped
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	go l.awaitReappearance()
}

func (l *DirectoryListener) awaitReappearance() {
	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	l.logger.Debug().Dur("interval", l.opts.PollInterval).Msg("Waiting for directory to reappear")

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if !fsutil.IsDir(l.opts.SourcePath) {
				continue
			}

			l.mu.Lock()
			if l.permanent {
				l.mu.Unlock()
				return
			}
			l.restarting = false
			l.state = StateStopped
			l.mu.Unlock()

			if err := l.Watch(true); err != nil {
				if errors.Is(err, ErrListenerStopped) {
					return
				}
				if fsutil.IsNotExist(err) {
					// gone again before the watch was registered
					l.mu.Lock()
					l.restarting = true
					l.state = StateWaiting
					l.mu.Unlock()
					continue
				}
				l.reportError(err)
				return
			}

			l.logger.Info().Msg("Watched directory reappeared, resyncing")
			return
		}
	}
}

func (l *DirectoryListener) emit(ev Event) {
	if l.opts.Emit != nil {
		l.opts.Emit(ev)
	}
}

func (l *DirectoryListener) reportError(err error) {
	l.logger.Error().Err(err).Msg("Listener error")
	if l.opts.OnError != nil {
		l.opts.OnError(err)
	}
}
