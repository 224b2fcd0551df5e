package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ridge/must"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/bootdisk/pkg/fsutil"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grub.cfg")

	require.NoError(t, fsutil.WriteFileAtomic(path, []byte("set default=0\n"), 0o644))
	require.NoError(t, fsutil.WriteFileAtomic(path, []byte("set default=1\n"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "set default=1\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "fstab")
	require.Error(t, fsutil.WriteFileAtomic(path, []byte("x"), 0o644))
}

func TestCopyDir(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	must.OK(os.MkdirAll(filepath.Join(src, "fonts"), 0o750))
	must.OK(os.WriteFile(filepath.Join(src, "boot.img"), []byte("boot"), 0o644))
	must.OK(os.WriteFile(filepath.Join(src, "fonts", "unicode.pf2"), []byte("font"), 0o600))
	must.OK(os.Symlink("boot.img", filepath.Join(src, "link.img")))

	require.NoError(t, fsutil.CopyDir(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "boot.img"))
	require.NoError(t, err)
	require.Equal(t, "boot", string(data))

	info, err := os.Stat(filepath.Join(dst, "fonts", "unicode.pf2"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dst, "fonts"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	link, err := os.Readlink(filepath.Join(dst, "link.img"))
	require.NoError(t, err)
	require.Equal(t, "boot.img", link)
}
