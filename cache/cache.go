// Package cache implements Fusilli's on-disk compile-cache file handling
// (spec.md §4.7), grounded on
// original_source/src/fusilli/support/cache.{h,cc}: a four-file bundle
// (input MLIR, output vmfb, compile command, compiler statistics) stored
// under a sanitized per-graph subdirectory of the cache root.
package cache

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	ferrors "github.com/fusilli-go/fusilli/errors"
)

// RootEnvVar overrides the cache root directory; see Root.
const RootEnvVar = "FUSILLI_CACHE_DIR"

// Root returns the base cache directory: $FUSILLI_CACHE_DIR if set,
// otherwise $HOME/.cache/fusilli on Unix-like platforms or
// %LOCALAPPDATA%\fusilli on Windows (spec.md §4.7 "Cache root").
func Root() string {
	if dir := os.Getenv(RootEnvVar); dir != "" {
		return dir
	}
	if runtime.GOOS == "windows" {
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "fusilli")
		}
		return filepath.Join(os.Getenv("HOME"), "fusilli")
	}
	return filepath.Join(os.Getenv("HOME"), ".cache", "fusilli")
}

// SanitizeGraphName maps spaces to underscores and drops any character
// that is not alphanumeric or underscore, falling back to
// "unnamed_graph" if the result is empty (spec.md §4.7 "Path layout").
func SanitizeGraphName(graphName string) string {
	replaced := strings.ReplaceAll(graphName, " ", "_")
	var b strings.Builder
	for _, r := range replaced {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	sanitized := b.String()
	if sanitized == "" {
		return "unnamed_graph"
	}
	return sanitized
}

// Path returns the on-disk path for fileName within graphName's cache
// subdirectory: <Root()>/<SanitizeGraphName(graphName)>/<fileName>.
func Path(graphName, fileName string) string {
	return filepath.Join(Root(), SanitizeGraphName(graphName), fileName)
}

// File is an RAII-flavored wrapper over a single cache file (spec.md
// §4.7 "CacheFile"). Go has no destructors, so the remove-on-scope-exit
// behavior original_source's ~CacheFile() provides is instead an
// explicit Close call; callers that want the original's RAII-like
// guarantee should `defer f.Close()`.
type File struct {
	Path   string
	remove bool
}

// Create creates (truncating if present) the cache file for
// (graphName, fileName), creating parent directories as needed. remove
// controls whether Close deletes the file (spec.md §4.7 "remove flag").
func Create(graphName, fileName string, remove bool) (*File, error) {
	path := Path(graphName, fileName)
	log.Debug().Str("path", path).Msg("creating cache file")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ferrors.Wrap(ferrors.FileSystemFailure, err, "failed to create cache directory %s", filepath.Dir(path))
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.FileSystemFailure, err, "failed to create cache file %s", path)
	}
	f.Close()

	return &File{Path: path, remove: remove}, nil
}

// Open opens an existing cache file for (graphName, fileName); it never
// removes the file on Close, mirroring original_source's open() factory.
func Open(graphName, fileName string) (*File, error) {
	path := Path(graphName, fileName)
	if _, err := os.Stat(path); err != nil {
		return nil, ferrors.Wrap(ferrors.FileSystemFailure, err, "cache file does not exist: %s", path)
	}
	return &File{Path: path, remove: false}, nil
}

// Write overwrites the cache file's contents.
func (f *File) Write(content string) error {
	if err := os.WriteFile(f.Path, []byte(content), 0o644); err != nil {
		return ferrors.Wrap(ferrors.FileSystemFailure, err, "failed to write cache file %s", f.Path)
	}
	return nil
}

// Read returns the cache file's contents.
func (f *File) Read() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", ferrors.Wrap(ferrors.FileSystemFailure, err, "failed to read cache file %s", f.Path)
	}
	return string(data), nil
}

// Exists reports whether the cache file is present on disk.
func (f *File) Exists() bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

// Close removes the file if it was created with remove=true.
func (f *File) Close() error {
	if !f.remove {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return ferrors.Wrap(ferrors.FileSystemFailure, err, "failed to remove cache file %s", f.Path)
	}
	return nil
}

// Assets holds the four cache files belonging to one compiled graph:
// input MLIR, output vmfb, serialized compile command, and compiler
// statistics JSON (spec.md §4.7 "CachedAssets").
//
// original_source ties sub-directory cleanup to C++ destructor ordering:
// CachedAssets privately inherits from a CleanupCacheDirectory base class
// so the base's destructor -- which removes the per-graph directory if
// it is left empty -- runs only after all four CacheFile members have
// already been destroyed (base classes are destroyed after members).
// Go has neither destructors nor that ordering guarantee, so Assets
// instead removes its files first and the directory last, all inside one
// explicit Close method (DESIGN.md Open Question 1).
type Assets struct {
	Input      *File
	Output     *File
	Command    *File
	Statistics *File

	dir     string
	closeMu sync.Mutex
	closed  bool
}

// NewAssets groups four already-created/opened cache files that must
// share the same parent directory.
func NewAssets(input, output, command, statistics *File) (*Assets, error) {
	dir := filepath.Dir(input.Path)
	for _, f := range []*File{output, command, statistics} {
		if filepath.Dir(f.Path) != dir {
			return nil, ferrors.New(ferrors.InternalError, "cached assets must share one directory, got %s and %s", dir, filepath.Dir(f.Path))
		}
	}
	return &Assets{Input: input, Output: output, Command: command, Statistics: statistics, dir: dir}, nil
}

// Close closes every member file (removing those marked remove=true),
// then removes the shared per-graph directory if and only if it is now
// empty, reproducing original_source's member-before-base destructor
// ordering explicitly.
func (a *Assets) Close() error {
	a.closeMu.Lock()
	defer a.closeMu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var firstErr error
	for _, f := range []*File{a.Input, a.Output, a.Command, a.Statistics} {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	entries, err := os.ReadDir(a.dir)
	if err == nil && len(entries) == 0 {
		if err := os.Remove(a.dir); err != nil && firstErr == nil {
			firstErr = ferrors.Wrap(ferrors.FileSystemFailure, err, "failed to remove empty cache directory %s", a.dir)
		}
	}
	return firstErr
}

// Valid reports whether a prior compilation's cached output and command
// files are present and the command file's contents match wantCommand,
// i.e. whether the cache entry can be reused instead of recompiling
// (spec.md §4.7 "Cache validity algorithm"). Fusilli does not hash graph
// structure; Valid compares the literal serialized compile command, so a
// change to the backend flags or file paths invalidates the entry. It
// does not look at the cached input MLIR: a change of graph shape or
// dtype is caught by Graph.Compile, which compares that file with the
// newly emitted assembly itself.
func Valid(assets *Assets, wantCommand string) bool {
	if !assets.Output.Exists() || !assets.Command.Exists() {
		return false
	}
	got, err := assets.Command.Read()
	if err != nil {
		return false
	}
	return got == wantCommand
}
