// Package fs abstracts the filesystem operations the file-backed storage
// backend needs, so its atomic-write and layout logic can be tested without
// touching a real disk. Adapted from the teacher's internal/interfaces
// FileSystem abstraction, extended with Rename for the temp-then-rename
// write path.
package fs

import "os"

// FileSystem is everything storage/file needs from an os-like layer.
type FileSystem interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	ReadDir(dirname string) ([]os.DirEntry, error)
	Remove(name string) error
	RemoveAll(path string) error
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
	IsNotExist(err error) bool
}

// OS implements FileSystem against the real filesystem.
type OS struct{}

func NewOS() *OS { return &OS{} }

func (OS) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }

func (OS) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (OS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (OS) ReadDir(dirname string) ([]os.DirEntry, error) { return os.ReadDir(dirname) }

func (OS) Remove(name string) error { return os.Remove(name) }

func (OS) RemoveAll(path string) error { return os.RemoveAll(path) }

func (OS) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

func (OS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }

func (OS) IsNotExist(err error) bool { return os.IsNotExist(err) }
