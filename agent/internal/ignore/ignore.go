// Package ignore decides which entries of a library are excluded from
// mirroring.
package ignore

import (
	"path"
	"path/filepath"
	"strings"
)

// Entry describes a path offered to the matcher
type Entry struct {
	FileName  string // base name
	LocalPath string // slash separated, relative to the library root
	FullPath  string // absolute source path
}

// cacheDirs are package/module cache directories never worth mirroring
var cacheDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
}

// journalSuffixes are transient sidecars written by embedded databases
var journalSuffixes = []string{
	".sqlite-journal",
	".sqlite-wal",
	".sqlite-shm",
	".db-journal",
}

// Matcher is the ignore predicate of one library
type Matcher struct {
	patterns []string
	guarded  []string
}

// New creates a matcher for a library. Destinations located inside source
// are recorded once so they are never treated as source content.
func New(source string, destinations []string, patterns []string) *Matcher {
	m := &Matcher{
		patterns: append([]string(nil), patterns...),
	}

	for _, dest := range destinations {
		rel, err := filepath.Rel(source, dest)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		m.guarded = append(m.guarded, filepath.ToSlash(rel))
	}

	return m
}

// GuardedPaths returns the local paths of destinations nested in the source
func (m *Matcher) GuardedPaths() []string {
	return append([]string(nil), m.guarded...)
}

// Ignored reports whether the entry is excluded from mirroring.
// The library root itself is never ignored.
func (m *Matcher) Ignored(e Entry) bool {
	if e.LocalPath == "" {
		return false
	}

	name := e.FileName
	if name == "" {
		name = path.Base(e.LocalPath)
	}

	for _, segment := range strings.Split(e.LocalPath, "/") {
		if strings.HasPrefix(segment, ".") || cacheDirs[segment] {
			return true
		}
	}
	if strings.HasPrefix(name, ".") || cacheDirs[name] {
		return true
	}

	if IsJournalSidecar(name) {
		return true
	}

	for _, guarded := range m.guarded {
		if e.LocalPath == guarded || strings.HasPrefix(e.LocalPath, guarded+"/") {
			return true
		}
	}

	return matchesAny(m.patterns, name, e.LocalPath)
}

// IsJournalSidecar reports whether name is a database journal sidecar
func IsJournalSidecar(name string) bool {
	for _, suffix := range journalSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// matchesAny checks the base name and the local path against the patterns.
// Invalid patterns never match.
func matchesAny(patterns []string, name, localPath string) bool {
	for _, pattern := range patterns {
		if matched, err := path.Match(pattern, name); err == nil && matched {
			return true
		}
		if matched, err := path.Match(pattern, localPath); err == nil && matched {
			return true
		}
	}
	return false
}
