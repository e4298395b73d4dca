package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/google/uuid"
)

// LocalConfig configures filesystem storage. BaseURL is where Root is
// served from.
type LocalConfig struct {
	Root    string
	BaseURL string
}

// Local stores objects under a directory served over HTTP
type Local struct {
	root    string
	baseURL string
}

func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("local storage root is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid local storage base url %q", cfg.BaseURL)
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: cfg.Root, baseURL: cfg.BaseURL}, nil
}

func (l *Local) Store(ctx context.Context, up Upload) (string, error) {
	if err := up.validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Join(l.root, filepath.FromSlash(up.Folder))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	name := uuid.NewString() + "-" + up.name()
	dst := filepath.Join(dir, name)

	if up.Data != nil {
		if err := os.WriteFile(dst, up.Data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write object: %w", err)
		}
	} else if err := copyFile(up.Path, dst); err != nil {
		return "", err
	}

	return url.JoinPath(l.baseURL, up.Folder, name)
}

// Delete removes an object previously returned by Store
func (l *Local) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := strings.TrimSuffix(l.baseURL, "/") + "/"
	if !strings.HasPrefix(ref, prefix) {
		return fmt.Errorf("object %s is not served from %s", ref, l.baseURL)
	}
	rel, err := url.PathUnescape(strings.TrimPrefix(ref, prefix))
	if err != nil {
		return fmt.Errorf("invalid object url %q: %w", ref, err)
	}

	path := filepath.Join(l.root, filepath.FromSlash(rel))
	if !job.WithinDir(l.root, path) {
		return fmt.Errorf("object %s escapes the storage root", ref)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy object: %w", err)
	}
	return out.Close()
}
