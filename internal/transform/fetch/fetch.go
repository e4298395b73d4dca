// Package fetch downloads remote job inputs into a local workspace
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/google/uuid"
)

// DefaultMaxBytes bounds a single download
const DefaultMaxBytes = 100 << 20

// ErrTooLarge is returned when a download exceeds the size limit
var ErrTooLarge = errors.New("remote file exceeds size limit")

// Config configures a Fetcher
type Config struct {
	Timeout  time.Duration
	MaxBytes int64
}

// Fetcher downloads http(s) URLs to local files
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewFetcher(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		client:   &http.Client{Timeout: cfg.Timeout},
		maxBytes: cfg.MaxBytes,
	}
}

// Fetch downloads rawURL into dir and returns the local path. Client errors
// (4xx other than 408 and 429) are permanent; network errors and 5xx are
// transient.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", job.Validationf("invalid URL %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", job.Validation(fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", job.Transient(fmt.Errorf("failed to fetch %s: %w", u.Redacted(), err))
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, u); err != nil {
		return "", err
	}

	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		name = "download"
	}
	dst := filepath.Join(dir, uuid.NewString()+"-"+filepath.Base(name))

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dst, err)
	}

	n, err := io.Copy(out, io.LimitReader(resp.Body, f.maxBytes+1))
	closeErr := out.Close()
	if err != nil {
		return "", job.Transient(fmt.Errorf("failed to download %s: %w", u.Redacted(), err))
	}
	if closeErr != nil {
		return "", fmt.Errorf("failed to write %s: %w", dst, closeErr)
	}
	if n > f.maxBytes {
		return "", job.Permanent(fmt.Errorf("%w: %s is larger than %d bytes", ErrTooLarge, u.Redacted(), f.maxBytes))
	}
	return dst, nil
}

func classifyStatus(code int, u *url.URL) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return job.Transientf("failed to fetch %s: status %d", u.Redacted(), code)
	default:
		return job.Permanentf("failed to fetch %s: status %d", u.Redacted(), code)
	}
}
