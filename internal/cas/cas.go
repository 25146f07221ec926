// Package cas implements the sharded on-disk content-addressable store
// (spec §4.8): objects, manifests, refs and atomic tmp+rename publish.
package cas

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/zipcas/zipcasd/internal/zipcaserr"
)

// Store is a CAS rooted at Root, laid out per spec §4.8:
//
//	objects/<hh>/<rest>   stored object bodies (Brotli)
//	filesets/<hh>/<rest>.json
//	refs/<name>
//	tmp/
type Store struct {
	Root string
}

// Open ensures the store's directory skeleton exists under root.
func Open(root string) (*Store, error) {
	s := &Store{Root: root}
	for _, dir := range []string{"objects", "filesets", "refs", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("cas: creating %s: %w", dir, err)
		}
	}
	return s, nil
}

// TmpPath returns a fresh path under the store's scratch directory.
func (s *Store) TmpPath() string {
	return filepath.Join(s.Root, "tmp", uuid.NewString())
}

func (s *Store) objectPath(sha256hex string) string {
	return filepath.Join(s.Root, "objects", sha256hex[0:2], sha256hex[2:])
}

func (s *Store) filesetPath(id string) string {
	return filepath.Join(s.Root, "filesets", id[0:2], id[2:]+".json")
}

func (s *Store) refPath(name string) string {
	return filepath.Join(s.Root, "refs", name)
}

// CommitObject atomically publishes tmpPath (already written, Brotli-
// compressed bytes of the raw object identified by sha256hex) into the
// objects tree. If the destination already exists, the incoming temp file is
// discarded and the existing object is left untouched (content-addressed
// dedup, spec §3).
func (s *Store) CommitObject(tmpPath, sha256hex string) error {
	dst := s.objectPath(sha256hex)
	return finalize(tmpPath, dst)
}

// ObjectExists reports whether an object for sha256hex is already stored.
func (s *Store) ObjectExists(sha256hex string) bool {
	_, err := os.Stat(s.objectPath(sha256hex))
	return err == nil
}

// OpenObject opens the stored (Brotli-compressed) bytes for sha256hex.
func (s *Store) OpenObject(sha256hex string) (*os.File, error) {
	f, err := os.Open(s.objectPath(sha256hex))
	if errors.Is(err, os.ErrNotExist) {
		return nil, zipcaserr.New(zipcaserr.KindNotFound, "cas.OpenObject", err)
	}
	return f, err
}

// WriteFileset atomically writes manifest JSON bytes for fileset id.
func (s *Store) WriteFileset(id string, data []byte) error {
	dst := s.filesetPath(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("cas: creating fileset shard dir: %w", err)
	}
	tmp := s.TmpPath()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cas: writing fileset tmp: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cas: publishing fileset: %w", err)
	}
	return nil
}

// ReadFileset reads the manifest JSON bytes for fileset id.
func (s *Store) ReadFileset(id string) ([]byte, error) {
	data, err := os.ReadFile(s.filesetPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, zipcaserr.New(zipcaserr.KindNotFound, "cas.ReadFileset", err)
	}
	return data, err
}

// WriteRef atomically writes name's value to point at fileset id.
func (s *Store) WriteRef(name, id string) error {
	dst := s.refPath(name)
	tmp := s.TmpPath()
	if err := os.WriteFile(tmp, []byte(id), 0o644); err != nil {
		return fmt.Errorf("cas: writing ref tmp: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("cas: publishing ref: %w", err)
	}
	return nil
}

// ReadRef reads the trimmed fileset id a ref points at.
func (s *Store) ReadRef(name string) (string, error) {
	data, err := os.ReadFile(s.refPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return "", zipcaserr.New(zipcaserr.KindNotFound, "cas.ReadRef", err)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// finalize atomically promotes oldpath to newpath via mkdir + rename,
// tolerating a pre-existing destination (the dedup/race case: spec §9
// "Dedup race").
func finalize(oldpath, newpath string) error {
	if err := os.MkdirAll(filepath.Dir(newpath), 0o755); err != nil {
		_ = os.Remove(oldpath)
		return fmt.Errorf("cas: creating object shard dir: %w", err)
	}
	if _, err := os.Stat(newpath); err == nil {
		_ = os.Remove(oldpath)
		return nil
	}
	if err := os.Rename(oldpath, newpath); err != nil {
		if errors.Is(err, os.ErrExist) {
			_ = os.Remove(oldpath)
			return nil
		}
		if _, statErr := os.Stat(newpath); statErr == nil {
			_ = os.Remove(oldpath)
			return nil
		}
		_ = os.Remove(oldpath)
		return fmt.Errorf("cas: publishing object: %w", err)
	}
	return nil
}

// EnsureObjectDirExists creates the tmp directory where callers can create
// exclusive-create scratch files before committing. io.Writer callers should
// use os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) on a path
// returned by TmpPath.
func (s *Store) EnsureObjectDirExists() error {
	return os.MkdirAll(filepath.Join(s.Root, "tmp"), 0o755)
}
