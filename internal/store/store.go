// Package store is the on-disk, content-addressed file cache.
//
// Files live at {root}/{hash[0:2]}/{hash} with the hash lower-cased. A file
// only ever appears at that path through a rename from the store's temp
// directory after its digest has been verified, so anything a reader can
// open is complete and verified. Readers take no locks.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/keithlinneman/openbmclapi-cluster/internal/cryptoutil"
	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

const tmpDirName = ".tmp"

var (
	ErrNotFound    = errors.New("store: file not cached")
	ErrInvalidHash = errors.New("store: invalid hash")
)

// HashMismatchError is returned by Put when the temp file does not hash to
// the expected value. The temp file has already been removed.
type HashMismatchError struct {
	Algorithm cryptoutil.Algorithm
	Expected  string
	Actual    string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("store: %s mismatch: expected %s, got %s", e.Algorithm, e.Expected, e.Actual)
}

// CachedFile describes a verified file in the store.
type CachedFile struct {
	Hash       string
	SizeBytes  int64
	VerifiedAt time.Time
	Path       string
}

type Store struct {
	root   string
	tmpDir string
}

// New opens (creating if needed) a store rooted at root. Leftover temp
// files from an earlier process are removed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, xerrors.New("store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrapf(err, "resolve store root %s", root)
	}
	tmp := filepath.Join(abs, tmpDirName)
	if err := os.RemoveAll(tmp); err != nil {
		return nil, xerrors.Wrapf(err, "clear temp dir %s", tmp)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "create store dirs under %s", abs)
	}
	return &Store{root: abs, tmpDir: tmp}, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string { return s.root }

// ValidHash reports whether h can name a stored file: at least two hex
// characters and nothing else, so it is always safe as a path segment.
func ValidHash(h string) bool {
	if len(h) < 2 || len(h) > 128 {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// PathFor returns the slash-separated path of hash relative to the root,
// e.g. "12/1234567890abcdef".
func PathFor(hash string) string {
	h := strings.ToLower(hash)
	if len(h) < 2 {
		return h
	}
	return h[:2] + "/" + h
}

func (s *Store) fullPath(hash string) string {
	return filepath.Join(s.root, filepath.FromSlash(PathFor(hash)))
}

// TempFile creates a file in the store's temp directory. The caller
// writes to it, closes it and hands its name to Put.
func (s *Store) TempFile() (*os.File, error) {
	f, err := os.CreateTemp(s.tmpDir, "fetch-*.tmp")
	if err != nil {
		return nil, xerrors.Wrap(err, "create temp file")
	}
	return f, nil
}

// Put verifies tempPath against expectedHash and moves it into place.
// tempPath is consumed either way: renamed on success, removed on failure.
func (s *Store) Put(tempPath, expectedHash string) (*CachedFile, error) {
	if !ValidHash(expectedHash) {
		os.Remove(tempPath)
		return nil, xerrors.Wrapf(ErrInvalidHash, "put %q", expectedHash)
	}
	hash := strings.ToLower(expectedHash)
	alg := cryptoutil.AlgorithmFor(hash)

	f, err := os.Open(tempPath)
	if err != nil {
		os.Remove(tempPath)
		return nil, xerrors.Wrapf(err, "open temp file %s", tempPath)
	}
	actual, size, err := cryptoutil.HashReader(f, alg)
	f.Close()
	if err != nil {
		os.Remove(tempPath)
		return nil, xerrors.Wrapf(err, "hash temp file %s", tempPath)
	}
	// policy is to always compare hashes with cryptoutil.HashEqual
	if !cryptoutil.HashEqual(actual, hash) {
		os.Remove(tempPath)
		return nil, &HashMismatchError{Algorithm: alg, Expected: hash, Actual: actual}
	}

	dst := s.fullPath(hash)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		os.Remove(tempPath)
		return nil, xerrors.Wrapf(err, "create shard dir for %s", hash)
	}
	if err := os.Rename(tempPath, dst); err != nil {
		os.Remove(tempPath)
		return nil, xerrors.Wrapf(err, "commit %s", hash)
	}
	return &CachedFile{
		Hash:       hash,
		SizeBytes:  size,
		VerifiedAt: time.Now().UTC(),
		Path:       dst,
	}, nil
}

// Get opens the verified file for hash. The caller closes it.
func (s *Store) Get(hash string) (*os.File, *CachedFile, error) {
	if !ValidHash(hash) {
		return nil, nil, ErrNotFound
	}
	f, err := os.Open(s.fullPath(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, xerrors.Wrapf(err, "open %s", hash)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, xerrors.Wrapf(err, "stat %s", hash)
	}
	return f, describe(hash, f.Name(), info), nil
}

// Stat describes the stored file for hash without opening it.
func (s *Store) Stat(hash string) (*CachedFile, error) {
	if !ValidHash(hash) {
		return nil, ErrNotFound
	}
	p := s.fullPath(hash)
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrapf(err, "stat %s", hash)
	}
	return describe(hash, p, info), nil
}

// Exists reports whether a verified file for hash is present.
func (s *Store) Exists(hash string) bool {
	_, err := s.Stat(hash)
	return err == nil
}

// Count walks the store and returns the number of cached files and their
// total size. Temp files are not counted.
func (s *Store) Count() (files int, bytes int64, err error) {
	err = filepath.WalkDir(s.root, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.IsDir() {
			if p == s.tmpDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !ValidHash(d.Name()) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		files++
		bytes += info.Size()
		return nil
	})
	if err != nil {
		return 0, 0, xerrors.Wrapf(err, "walk %s", s.root)
	}
	return files, bytes, nil
}

// verified files are never modified after the rename, so mtime is when
// they were written and verified
func describe(hash, path string, info fs.FileInfo) *CachedFile {
	return &CachedFile{
		Hash:       strings.ToLower(hash),
		SizeBytes:  info.Size(),
		VerifiedAt: info.ModTime().UTC(),
		Path:       path,
	}
}
