package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/bootdisk"
	"github.com/outofforest/build/v2/pkg/types"
	"github.com/outofforest/logger"
)

// https://github.com/fedora-cloud/docker-brew-fedora
const (
	//nolint:lll
	fedoraURL    = "https://github.com/fedora-cloud/docker-brew-fedora/raw/54e85723288471bb9dc81bc5cfed807635f93818/x86_64/fedora-20250119.tar"
	fedoraSHA256 = "3b8a25c27f4773557aee851f75beba17d910c968671c2771a105ce7c7a40e3ec"

	rootfsPath = "bin/rootfs/fedora.tar.gz"
	diskPath   = "bin/disk.qcow2"
)

func downloadRootfs(ctx context.Context, _ types.DepsFunc) error {
	return download(ctx, fedoraURL, fedoraSHA256, rootfsPath)
}

func download(ctx context.Context, url, expectedSHA256, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.WithStack(err)
	}

	logger.Get(ctx).Info("Downloading rootfs", zap.String("url", url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status code %d, url: %q", resp.StatusCode, url)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_TRUNC|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	// Fedora .tar files are .tar.gz in reality, bootdisk detects that.
	hasher := sha256.New()
	if _, err := io.Copy(f, io.TeeReader(resp.Body, hasher)); err != nil {
		return errors.WithStack(err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	if checksum != expectedSHA256 {
		return errors.Errorf("rootfs checksum mismatch, expected: %q, got: %q", expectedSHA256, checksum)
	}
	if err := f.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmpPath, path))
}

func buildDisk(ctx context.Context) error {
	config := bootdisk.DefaultConfig()
	config.Output.Path = diskPath
	config.Replicas = 2
	config.ArchiveChecksum = "sha256:" + fedoraSHA256
	config.Grub.DistributionName = "Fedora"

	return bootdisk.Run(ctx, config, rootfsPath)
}
