package rootfs

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/outofforest/bootdisk/pkg/fault"
	"github.com/outofforest/bootdisk/pkg/tool"
)

// Extractor unpacks rootfs archive into the directory.
type Extractor interface {
	Extract(ctx context.Context, archivePath, dir string) error
	Tools() []string
}

// NewTarExtractor returns extractor using tar tool.
func NewTarExtractor(runner tool.Runner) TarExtractor {
	return TarExtractor{runner: runner}
}

// TarExtractor extracts archives using tar tool.
type TarExtractor struct {
	runner tool.Runner
}

// Tools returns the external tools used by the extractor.
func (e TarExtractor) Tools() []string {
	return []string{"tar"}
}

// Extract extracts the archive preserving permissions and numeric ownership.
func (e TarExtractor) Extract(ctx context.Context, archivePath, dir string) error {
	cmd, err := tool.New("tar").
		Flag("--extract").
		PathEq("--file", archivePath).
		Flag("--preserve-permissions").
		Flag("--numeric-owner").
		PathEq("--directory", dir).
		Build()
	if err != nil {
		return err
	}
	_, err = e.runner.Run(ctx, cmd)
	return err
}

// NewNativeExtractor returns extractor unpacking archives without external tools.
func NewNativeExtractor() NativeExtractor {
	return NativeExtractor{}
}

// NativeExtractor unpacks gzip, bzip2, xz, zstd compressed and plain tar archives.
// Entries leading outside the target directory are rejected.
type NativeExtractor struct{}

// Tools returns the external tools used by the extractor.
func (e NativeExtractor) Tools() []string {
	return nil
}

// Extract extracts the archive preserving permissions and numeric ownership.
func (e NativeExtractor) Extract(ctx context.Context, archivePath, dir string) error {
	r, _, err := openArchive(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	dir, err = filepath.Abs(dir)
	if err != nil {
		return errors.WithStack(err)
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}

		hdr, err := tr.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		default:
			return errors.Wrapf(err, "reading archive %s failed", archivePath)
		}

		if err := extractEntry(dir, hdr, tr); err != nil {
			return err
		}
	}
}

func extractEntry(dir string, hdr *tar.Header, r io.Reader) error {
	if hdr.Typeflag == tar.TypeXGlobalHeader {
		return nil
	}

	target, err := securePath(dir, hdr.Name)
	if err != nil {
		return err
	}
	if target == dir {
		if hdr.Typeflag != tar.TypeDir {
			return fault.Newf(fault.ErrConfiguration, "archive entry %q replaces root directory", hdr.Name)
		}
		return applyMetadata(target, hdr)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.WithStack(err)
	}
	if hdr.Typeflag != tar.TypeDir {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return errors.WithStack(err)
		}
	}

	mode := uint32(hdr.Mode & 0o7777)
	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := mkdir(target); err != nil {
			return err
		}
	case tar.TypeReg, tar.TypeRegA: //nolint:staticcheck
		if err := writeFile(target, r); err != nil {
			return err
		}
	case tar.TypeSymlink:
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return errors.WithStack(err)
		}
		return errors.Wrapf(unix.Lchown(target, hdr.Uid, hdr.Gid), "setting owner of %s failed", target)
	case tar.TypeLink:
		source, err := securePath(dir, hdr.Linkname)
		if err != nil {
			return err
		}
		return errors.WithStack(os.Link(source, target))
	case tar.TypeChar:
		if err := unix.Mknod(target, unix.S_IFCHR|mode, device(hdr)); err != nil {
			return errors.WithStack(err)
		}
	case tar.TypeBlock:
		if err := unix.Mknod(target, unix.S_IFBLK|mode, device(hdr)); err != nil {
			return errors.WithStack(err)
		}
	case tar.TypeFifo:
		if err := unix.Mkfifo(target, mode); err != nil {
			return errors.WithStack(err)
		}
	default:
		return fault.Newf(fault.ErrConfiguration, "archive entry %q has unsupported type %q", hdr.Name, hdr.Typeflag)
	}

	return applyMetadata(target, hdr)
}

// securePath returns the path of the entry inside dir. It fails if the path leaves dir or traverses
// a symbolic link, which could point anywhere on the host.
func securePath(dir, name string) (string, error) {
	target := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fault.Newf(fault.ErrConfiguration, "archive entry %q points outside target directory", name)
	}
	if rel == "." {
		return dir, nil
	}

	parent := dir
	parts := strings.Split(filepath.Dir(rel), string(filepath.Separator))
	for _, p := range parts {
		if p == "." {
			break
		}
		parent = filepath.Join(parent, p)
		info, err := os.Lstat(parent)
		switch {
		case os.IsNotExist(err):
			return target, nil
		case err != nil:
			return "", errors.WithStack(err)
		case info.Mode()&os.ModeSymlink != 0:
			return "", fault.Newf(fault.ErrConfiguration, "archive entry %q traverses symbolic link %q", name, p)
		}
	}
	return target, nil
}

// mkdir creates the directory. Anything else existing at the path, symbolic link included, is replaced.
func mkdir(path string) error {
	info, err := os.Lstat(path)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		if err := os.Remove(path); err != nil {
			return errors.WithStack(err)
		}
	case !os.IsNotExist(err):
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Mkdir(path, 0o700))
}

func writeFile(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Close())
}

// applyMetadata sets ownership first, because chown clears setuid and setgid bits.
// Path is never a symbolic link here, so chmod does not leave the target directory.
func applyMetadata(path string, hdr *tar.Header) error {
	if err := unix.Lchown(path, hdr.Uid, hdr.Gid); err != nil {
		return errors.Wrapf(err, "setting owner of %s failed", path)
	}
	if err := os.Chmod(path, hdr.FileInfo().Mode()&(os.ModePerm|os.ModeSetuid|os.ModeSetgid|os.ModeSticky)); err != nil {
		return errors.WithStack(err)
	}
	if hdr.Typeflag == tar.TypeReg || hdr.Typeflag == tar.TypeRegA { //nolint:staticcheck
		return errors.WithStack(os.Chtimes(path, hdr.ModTime, hdr.ModTime))
	}
	return nil
}

func device(hdr *tar.Header) int {
	return int(unix.Mkdev(uint32(hdr.Devmajor), uint32(hdr.Devminor)))
}
