// Package fetch resolves job sources (local paths or http/https URLs) into
// local files the pipeline can probe.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"callscribe/pkg/logger"
)

// DownloadError wraps a failure to materialize a remote source.
type DownloadError struct {
	Source string
	Err    error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.Source, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Downloader resolves a job source into a local file path. The second return
// reports whether the file is a temporary copy the caller owns and should
// delete.
type Downloader interface {
	Fetch(ctx context.Context, source, destDir string) (path string, temporary bool, err error)
}

// HTTPDownloader handles http(s) URLs and passes local paths through
// untouched.
type HTTPDownloader struct {
	client *http.Client
	logger *logger.Logger
}

// NewHTTPDownloader creates a downloader with the given per-request timeout.
func NewHTTPDownloader(timeout time.Duration, log *logger.Logger) *HTTPDownloader {
	return &HTTPDownloader{
		client: &http.Client{Timeout: timeout},
		logger: log.Named("fetch"),
	}
}

// Fetch downloads an http(s) source into destDir, or verifies a local path
// exists and returns it as-is.
func (d *HTTPDownloader) Fetch(ctx context.Context, source, destDir string) (string, bool, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		if _, err := os.Stat(source); err != nil {
			return "", false, &DownloadError{Source: source, Err: err}
		}
		return source, false, nil
	}

	d.logger.Info("Downloading source",
		logger.String("url", source))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", false, &DownloadError{Source: source, Err: err}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", false, &DownloadError{Source: source, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false, &DownloadError{Source: source, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	out, err := os.CreateTemp(destDir, "source-*"+remoteExt(source))
	if err != nil {
		return "", false, &DownloadError{Source: source, Err: err}
	}

	written, err := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(out.Name())
		return "", false, &DownloadError{Source: source, Err: err}
	}

	d.logger.Info("Downloaded source",
		logger.String("path", out.Name()),
		logger.Int64("bytes", written))

	return out.Name(), true, nil
}

// remoteExt keeps the URL path's extension so ffprobe can use it as a
// container hint.
func remoteExt(source string) string {
	u, err := url.Parse(source)
	if err != nil {
		return ""
	}
	return filepath.Ext(u.Path)
}
