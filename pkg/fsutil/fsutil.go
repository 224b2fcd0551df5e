package fsutil

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WriteFileAtomic writes file by creating a scratch file in the same directory, syncing it and renaming it
// to the final name. Readers never observe partially written content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (retErr error) {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if retErr != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return errors.WithStack(err)
	}
	if err := f.Chmod(perm); err != nil {
		return errors.WithStack(err)
	}
	if err := f.Sync(); err != nil {
		return errors.WithStack(err)
	}
	if err := f.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmpPath, path))
}

// CopyDir copies content of src directory into dst, preserving modes of files and directories.
func CopyDir(src, dst string) error {
	return errors.WithStack(filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.WithStack(err)
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return errors.WithStack(err)
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return errors.WithStack(err)
		}

		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.WithStack(err)
			}
			return errors.WithStack(os.Chmod(target, info.Mode().Perm()))
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return errors.WithStack(err)
			}
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return errors.WithStack(err)
			}
			return errors.WithStack(os.Symlink(link, target))
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return errors.Errorf("unsupported file type of %s", path)
		}
	}))
}

func copyFile(src, dst string, perm os.FileMode) error {
	srcF, err := os.Open(src)
	if err != nil {
		return errors.WithStack(err)
	}
	defer srcF.Close()

	dstF, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return errors.WithStack(err)
	}
	defer dstF.Close()

	if _, err := io.Copy(dstF, srcF); err != nil {
		return errors.WithStack(err)
	}
	if err := dstF.Chmod(perm); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(dstF.Close())
}
