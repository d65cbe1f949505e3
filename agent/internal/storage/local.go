package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/martinshumberto/libraries-watcher/agent/internal/fsutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// removeAll is replaced in tests to simulate a tree being repopulated
var removeAll = os.RemoveAll

// LocalConfig holds configuration for one destination tree
type LocalConfig struct {
	RootDir       string
	RemoveRetries int
	RetryInterval time.Duration

	// Logger defaults to the global logger
	Logger *zerolog.Logger
}

// LocalStorage implements the Storage interface on the local file system
type LocalStorage struct {
	rootDir string
	config  *LocalConfig
	logger  zerolog.Logger
}

// NewLocalStorage creates a destination. The root is created on demand by
// the first directory event, so it does not have to exist yet.
func NewLocalStorage(cfg *LocalConfig) (*LocalStorage, error) {
	if !filepath.IsAbs(cfg.RootDir) {
		return nil, fmt.Errorf("destination must be an absolute path: %s", cfg.RootDir)
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	if cfg.RemoveRetries < 0 {
		cfg.RemoveRetries = 0
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &LocalStorage{
		rootDir: filepath.Clean(cfg.RootDir),
		config:  cfg,
		logger:  logger,
	}, nil
}

// Root returns the destination root
func (l *LocalStorage) Root() string {
	return l.rootDir
}

// Path maps a local path to the destination
func (l *LocalStorage) Path(localPath string) string {
	localPath = strings.TrimPrefix(localPath, "/")
	if localPath == "" {
		return l.rootDir
	}
	return filepath.Join(l.rootDir, filepath.FromSlash(localPath))
}

// EnsureParent creates the parent directories of localPath
func (l *LocalStorage) EnsureParent(localPath string) error {
	dirPath := filepath.Dir(l.Path(localPath))
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return nil
}

// PutFile copies sourcePath into a temporary file next to the target and
// renames it into place, so readers never observe a partial file.
func (l *LocalStorage) PutFile(ctx context.Context, localPath, sourcePath string) error {
	target := l.Path(localPath)

	if err := l.EnsureParent(localPath); err != nil {
		return err
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("source is not a regular file: %s", sourcePath)
	}

	// A symlink or directory at the target would survive the rename
	if existing, err := os.Lstat(target); err == nil && !existing.Mode().IsRegular() {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to replace existing entry: %w", err)
		}
	}

	tempFile, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	tempPath := tempFile.Name()

	cloned := true
	if err := cloneFile(tempFile, src); err != nil {
		cloned = false
		if _, err := io.Copy(tempFile, src); err != nil {
			tempFile.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write file: %w", err)
		}
	}

	if err := tempFile.Chmod(modeBits(info.Mode())); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to set file mode: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Chtimes(tempPath, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to set file times: %w", err)
	}

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to move file: %w", err)
	}

	l.logger.Debug().
		Str("path", target).
		Int64("size", info.Size()).
		Bool("cloned", cloned).
		Msg("Copied file to destination")

	return nil
}

// PutSymlink reproduces a symlink verbatim. An identical link is left alone,
// anything else at the target is removed first.
func (l *LocalStorage) PutSymlink(localPath, linkTarget string) (bool, error) {
	target := l.Path(localPath)

	if err := l.EnsureParent(localPath); err != nil {
		return false, err
	}

	existing, err := os.Lstat(target)
	switch {
	case err == nil:
		if existing.Mode()&os.ModeSymlink != 0 {
			if current, err := os.Readlink(target); err == nil && current == linkTarget {
				return true, nil
			}
		}
		if err := os.RemoveAll(target); err != nil {
			return false, fmt.Errorf("failed to replace existing entry: %w", err)
		}
	case !fsutil.IsNotExist(err):
		return false, fmt.Errorf("failed to stat destination: %w", err)
	}

	if err := os.Symlink(linkTarget, target); err != nil {
		return false, fmt.Errorf("failed to create symlink: %w", err)
	}

	l.logger.Debug().
		Str("path", target).
		Str("target", linkTarget).
		Msg("Created symlink in destination")

	return false, nil
}

// MakeDir creates the directory with the source mode and owner. The mode is
// applied again after creation since mkdir is subject to the umask.
func (l *LocalStorage) MakeDir(localPath string, info os.FileInfo) (bool, error) {
	target := l.Path(localPath)

	existing, err := os.Lstat(target)
	switch {
	case err == nil:
		if existing.IsDir() {
			return false, nil
		}
		if err := os.Remove(target); err != nil {
			return false, fmt.Errorf("failed to replace existing entry: %w", err)
		}
	case !fsutil.IsNotExist(err):
		return false, fmt.Errorf("failed to stat destination: %w", err)
	}

	if err := l.EnsureParent(localPath); err != nil {
		return false, err
	}

	mode := modeBits(info.Mode())
	if err := os.Mkdir(target, mode); err != nil {
		return false, fmt.Errorf("failed to create directory: %w", err)
	}

	if uid, gid, ok := fsutil.Owner(info); ok {
		if err := os.Lchown(target, uid, gid); err != nil {
			if !errors.Is(err, fs.ErrPermission) {
				return true, fmt.Errorf("failed to change owner: %w", err)
			}
			l.logger.Debug().Err(err).Str("path", target).Msg("Keeping current owner")
		}
	}

	if err := os.Chmod(target, mode); err != nil {
		return true, fmt.Errorf("failed to set directory mode: %w", err)
	}

	l.logger.Debug().
		Str("path", target).
		Str("mode", mode.String()).
		Msg("Created directory in destination")

	return true, nil
}

// Chmod applies the permission bits of mode to the destination entry
func (l *LocalStorage) Chmod(localPath string, mode os.FileMode) error {
	target := l.Path(localPath)
	if err := os.Chmod(target, modeBits(mode)); err != nil {
		return fmt.Errorf("failed to change mode: %w", err)
	}
	return nil
}

// DeleteFile removes a file or symlink. Directories are left alone.
func (l *LocalStorage) DeleteFile(localPath string) (bool, error) {
	target := l.Path(localPath)

	info, err := os.Lstat(target)
	if err != nil {
		if fsutil.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat destination: %w", err)
	}
	if info.IsDir() {
		return false, nil
	}

	if err := os.Remove(target); err != nil {
		if fsutil.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete file: %w", err)
	}

	l.logger.Debug().Str("path", target).Msg("Deleted file from destination")

	return true, nil
}

// DeleteDir removes a directory tree. Recursive removal races with other
// writers under the same tree, so failures are retried with backoff.
func (l *LocalStorage) DeleteDir(ctx context.Context, localPath string) (bool, error) {
	target := l.Path(localPath)

	if _, err := os.Lstat(target); err != nil {
		if fsutil.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat destination: %w", err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = l.config.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(l.config.RemoveRetries)), ctx)

	operation := func() error {
		return removeAll(target)
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warn().
			Err(err).
			Str("path", target).
			Dur("backoff", wait).
			Msg("Retrying directory removal")
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return false, fmt.Errorf("failed to delete directory: %w", err)
	}

	l.logger.Debug().Str("path", target).Msg("Deleted directory from destination")

	return true, nil
}

// modeBits keeps the bits chmod understands
func modeBits(mode os.FileMode) os.FileMode {
	return mode & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
}
