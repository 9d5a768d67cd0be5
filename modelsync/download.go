package modelsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// maxArtifactSize caps downloads so a misbehaving remote cannot fill the disk.
const maxArtifactSize = int64(4) << 30

type downloader struct {
	client  http.Client
	timeout time.Duration
}

func newDownloader(timeout time.Duration) *downloader {
	return &downloader{
		client:  http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// fetch streams the manifest's artifact to dstPath, hashing as it writes.
// The file is removed on any failure so a partial download is never left
// behind for Commit to pick up.
func (d *downloader) fetch(ctx context.Context, manifest *Manifest, dstPath string) error {
	dlCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, manifest.ArtifactURL, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "artifact download failed")
	}
	defer goutils.UncheckedErrorFunc(resp.Body.Close)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("artifact download: status %d", resp.StatusCode)
	}

	//nolint:gosec // dstPath is store-controlled, not remote input
	out, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer goutils.UncheckedErrorFunc(out.Close)

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(out, hasher), io.LimitReader(resp.Body, maxArtifactSize))
	if err != nil {
		goutils.UncheckedError(os.Remove(dstPath))
		return errors.Wrap(err, "artifact download interrupted")
	}

	if manifest.SizeBytes > 0 && written != manifest.SizeBytes {
		goutils.UncheckedError(os.Remove(dstPath))
		return errors.Errorf("artifact size mismatch: got %d bytes, manifest says %d", written, manifest.SizeBytes)
	}
	if manifest.SHA256 != "" {
		sum := hex.EncodeToString(hasher.Sum(nil))
		if sum != manifest.SHA256 {
			goutils.UncheckedError(os.Remove(dstPath))
			return errors.Errorf("artifact checksum mismatch: got %s, manifest says %s", sum, manifest.SHA256)
		}
	}
	if err := out.Sync(); err != nil {
		goutils.UncheckedError(os.Remove(dstPath))
		return errors.Wrap(err, "failed to sync artifact to disk")
	}
	return nil
}

// writePipelineConfig stages a config-only artifact. The blob is stored
// verbatim so the next manifest comparison sees exactly what was published.
func writePipelineConfig(dstPath string, cfg json.RawMessage) error {
	if !json.Valid(cfg) {
		return errors.New("pipeline config is not valid JSON")
	}
	return errors.Wrap(os.WriteFile(dstPath, cfg, 0o600), "failed to write pipeline config")
}
