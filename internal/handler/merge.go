package handler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/objectstore"
	"github.com/gabriel-vasile/mimetype"
)

// Merge combines images into a single PDF, one page per image
type Merge struct {
	deps Deps
}

func NewMerge(deps Deps) *Merge {
	return &Merge{deps: deps}
}

func (h *Merge) Handle(ctx context.Context, req Request) (*job.Result, error) {
	in, err := input[job.MergeInput](req)
	if err != nil {
		return nil, err
	}

	ws, err := newWorkspace(h.deps.WorkDir, req.JobID)
	if err != nil {
		return nil, err
	}
	defer ws.remove(h.deps.Logger)

	paths := make([]string, 0, len(in.Images))
	for i, ref := range in.Images {
		path, err := h.deps.localize(ctx, ws, ref)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i+1, err)
		}
		if err := requireImage(path); err != nil {
			return nil, fmt.Errorf("image %d: %w", i+1, err)
		}
		paths = append(paths, path)
	}

	out := filepath.Join(ws.dir, fmt.Sprintf("merged-%s.pdf", req.JobID))
	if err := h.deps.Merger.MergeImages(ctx, paths, out); err != nil {
		return nil, err
	}

	url, err := h.deps.Storage.Store(ctx, objectstore.Upload{
		Path:   out,
		Folder: objectstore.FolderDocuments,
		Kind:   objectstore.KindRaw,
	})
	if err != nil {
		return nil, err
	}
	return &job.Result{URL: url}, nil
}

func requireImage(path string) error {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("failed to detect file type: %w", err)
	}
	if !strings.HasPrefix(mt.String(), "image/") {
		return job.Permanentf("unsupported file type %s, expected an image", mt.String())
	}
	return nil
}
