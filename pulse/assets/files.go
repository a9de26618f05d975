package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/teranos/automaton/errors"
)

// FileManager provides the filesystem primitives the cache needs.
type FileManager interface {
	// EnsureDirectory creates the cache directory for id and returns its path.
	EnsureDirectory(id string) (string, error)
	Exists(path string) bool
	Move(from, to string) error
	// DeleteRecursive removes id's cache directory. Missing directories are not an error.
	DeleteRecursive(id string) error
}

// DirFileManager keeps one subdirectory per identifier under Root.
type DirFileManager struct {
	Root string
}

// NewDirFileManager creates a file manager rooted at root
func NewDirFileManager(root string) *DirFileManager {
	return &DirFileManager{Root: root}
}

// DirName returns the directory name an identifier is cached under.
// Identifiers never act as paths: ".", ".." and "a/b" all map to plain hex names.
func DirName(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

func (f *DirFileManager) dir(id string) string {
	return filepath.Join(f.Root, DirName(id))
}

// EnsureDirectory creates the identifier's directory
func (f *DirFileManager) EnsureDirectory(id string) (string, error) {
	dir := f.dir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		err = errors.Wrap(err, "failed to create asset directory")
		return "", errors.WithDetail(err, "Path: "+dir)
	}
	return dir, nil
}

// Exists reports whether path exists
func (f *DirFileManager) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Move renames from to to, copying when they live on different filesystems
func (f *DirFileManager) Move(from, to string) error {
	if err := os.Rename(from, to); err == nil {
		return nil
	}

	if err := copyFile(from, to); err != nil {
		return errors.Wrapf(err, "failed to move %s to %s", from, to)
	}
	os.Remove(from)
	return nil
}

// DeleteRecursive removes the identifier's directory and everything in it
func (f *DirFileManager) DeleteRecursive(id string) error {
	if err := os.RemoveAll(f.dir(id)); err != nil {
		return errors.Wrapf(err, "failed to delete asset directory for %s", id)
	}
	return nil
}

func copyFile(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := to + ".partial"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, to)
}
