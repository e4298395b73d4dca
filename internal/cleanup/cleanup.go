package cleanup

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/pixelhive/internal/job"
)

// Cleaner deletes transient local inputs once a job is terminal.
// Deletion is best effort: failures are logged and never returned.
type Cleaner struct {
	logger *slog.Logger
	// roots restricts deletion to these directories when non-empty
	roots []string
}

// NewCleaner creates a Cleaner. When roots are given, paths outside them
// are refused.
func NewCleaner(logger *slog.Logger, roots ...string) *Cleaner {
	clean := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" {
			continue
		}
		if abs, err := filepath.Abs(r); err == nil {
			clean = append(clean, abs)
		}
	}
	return &Cleaner{logger: logger, roots: clean}
}

// DeleteLocalPaths removes every path. Missing paths are a no-op, so
// calling it twice with the same paths is safe.
func (c *Cleaner) DeleteLocalPaths(ctx context.Context, paths ...string) {
	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}
		c.delete(path)
	}
}

func (c *Cleaner) delete(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		c.logger.Warn("Skipping cleanup of unresolvable path",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	if !c.allowed(abs) {
		c.logger.Warn("Refusing to delete path outside the upload directories", slog.String("path", abs))
		return
	}

	err = os.RemoveAll(abs)
	switch {
	case err == nil:
		c.logger.Debug("Deleted local input", slog.String("path", abs))
	case errors.Is(err, fs.ErrNotExist):
		c.logger.Debug("Local input already gone", slog.String("path", abs))
	default:
		c.logger.Warn("Failed to delete local input",
			slog.String("path", abs),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Cleaner) allowed(abs string) bool {
	if len(c.roots) == 0 {
		return true
	}
	for _, root := range c.roots {
		if job.WithinDir(root, abs) {
			return true
		}
	}
	return false
}
