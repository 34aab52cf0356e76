// Package osbase exposes a host directory as an absfs.FileSystem.
package osbase

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/absfs/absfs"
)

// filer maps absfs paths below root onto the host filesystem.
type filer struct {
	root string
}

// New returns a filesystem rooted at the host directory root, creating it
// if necessary.
func New(root string) (absfs.FileSystem, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return absfs.ExtendFiler(&filer{root: root}), nil
}

func (f *filer) native(name string) string {
	return filepath.Join(f.root, filepath.FromSlash(filepath.Clean("/"+name)))
}

func (f *filer) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	file, err := os.OpenFile(f.native(name), flag, perm)
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (f *filer) Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(f.native(name), perm)
}

func (f *filer) Remove(name string) error {
	return os.Remove(f.native(name))
}

func (f *filer) Rename(oldpath, newpath string) error {
	return os.Rename(f.native(oldpath), f.native(newpath))
}

func (f *filer) Stat(name string) (os.FileInfo, error) {
	return os.Stat(f.native(name))
}

func (f *filer) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(f.native(name), mode)
}

func (f *filer) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return os.Chtimes(f.native(name), atime, mtime)
}

func (f *filer) Chown(name string, uid, gid int) error {
	return os.Chown(f.native(name), uid, gid)
}

func (f *filer) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(f.native(name))
}

func (f *filer) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(f.native(name))
}

func (f *filer) Sub(dir string) (fs.FS, error) {
	return absfs.FilerToFS(f, dir)
}

func (f *filer) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(f.native(name), perm)
}

func (f *filer) RemoveAll(name string) error {
	return os.RemoveAll(f.native(name))
}

func (f *filer) Truncate(name string, size int64) error {
	return os.Truncate(f.native(name), size)
}

func (f *filer) TempDir() string {
	return os.TempDir()
}
