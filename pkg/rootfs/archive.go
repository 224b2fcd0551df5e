package rootfs

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"github.com/outofforest/archive"
	"github.com/outofforest/bootdisk/pkg/fault"
)

// Compression is the compression of rootfs archive.
type Compression string

// Supported compressions.
const (
	CompressionNone  Compression = "none"
	CompressionGzip  Compression = "gzip"
	CompressionBzip2 Compression = "bzip2"
	CompressionXz    Compression = "xz"
	CompressionZstd  Compression = "zstd"
)

var magics = []struct {
	compression Compression
	magic       []byte
}{
	{compression: CompressionGzip, magic: []byte{0x1f, 0x8b}},
	{compression: CompressionBzip2, magic: []byte("BZh")},
	{compression: CompressionXz, magic: []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{compression: CompressionZstd, magic: []byte{0x28, 0xb5, 0x2f, 0xfd}},
}

// Archive describes inspected rootfs archive.
type Archive struct {
	Path        string
	Size        int64
	Compression Compression
}

// Inspect checks that the file is a readable, optionally compressed, tar archive. If checksum is not empty,
// the content of the file is verified against it. Checksum has form of "sha256:<hex>".
func Inspect(path, checksum string) (Archive, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Archive{}, fault.Wrapf(fault.ErrConfiguration, err, "rootfs archive %s is not accessible", path)
	}
	if !info.Mode().IsRegular() {
		return Archive{}, fault.Newf(fault.ErrConfiguration, "rootfs archive %s is not a regular file", path)
	}

	r, compression, err := openArchive(path)
	if err != nil {
		return Archive{}, err
	}
	defer r.Close()

	if _, err := tar.NewReader(r).Next(); err != nil {
		return Archive{}, fault.Wrapf(fault.ErrConfiguration, err, "rootfs archive %s is not a valid tar archive", path)
	}

	if checksum != "" {
		if err := verifyChecksum(path, checksum); err != nil {
			return Archive{}, err
		}
	}

	return Archive{
		Path:        path,
		Size:        info.Size(),
		Compression: compression,
	}, nil
}

func verifyChecksum(path, checksum string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	hr, err := archive.NewHashingReader(f, checksum)
	if err != nil {
		return fault.Wrapf(fault.ErrConfiguration, err, "invalid checksum %q", checksum)
	}
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return errors.WithStack(err)
	}
	if err := hr.ValidateChecksum(); err != nil {
		return fault.Wrapf(fault.ErrConfiguration, err, "checksum of rootfs archive %s does not match", path)
	}
	return nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (rc readCloser) Close() error {
	return rc.close()
}

// openArchive returns reader of the decompressed tar stream.
func openArchive(path string) (retReader io.ReadCloser, retCompression Compression, retErr error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", errors.WithStack(err)
	}
	defer func() {
		if retErr != nil {
			_ = f.Close()
		}
	}()

	br := bufio.NewReader(f)
	header, err := br.Peek(6)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, "", errors.WithStack(err)
	}

	compression := CompressionNone
	for _, m := range magics {
		if bytes.HasPrefix(header, m.magic) {
			compression = m.compression
			break
		}
	}

	var r io.Reader
	closeFn := f.Close
	switch compression {
	case CompressionGzip:
		gr, err := gzip.NewReader(br)
		if err != nil {
			return nil, "", fault.Wrapf(fault.ErrConfiguration, err, "invalid gzip stream in %s", path)
		}
		r = gr
		closeFn = func() error {
			_ = gr.Close()
			return errors.WithStack(f.Close())
		}
	case CompressionBzip2:
		r = bzip2.NewReader(br)
	case CompressionXz:
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, "", fault.Wrapf(fault.ErrConfiguration, err, "invalid xz stream in %s", path)
		}
		r = xr
	case CompressionZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, "", fault.Wrapf(fault.ErrConfiguration, err, "invalid zstd stream in %s", path)
		}
		r = zr
		closeFn = func() error {
			zr.Close()
			return errors.WithStack(f.Close())
		}
	default:
		r = br
	}

	return readCloser{Reader: r, close: closeFn}, compression, nil
}
