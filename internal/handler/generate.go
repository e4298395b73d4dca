package handler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/objectstore"
)

// Generate renders text or HTML into a PDF document
type Generate struct {
	deps Deps
}

func NewGenerate(deps Deps) *Generate {
	return &Generate{deps: deps}
}

func (h *Generate) Handle(ctx context.Context, req Request) (*job.Result, error) {
	in, err := input[job.GenerateInput](req)
	if err != nil {
		return nil, err
	}

	ws, err := newWorkspace(h.deps.WorkDir, req.JobID)
	if err != nil {
		return nil, err
	}
	defer ws.remove(h.deps.Logger)

	out := filepath.Join(ws.dir, fmt.Sprintf("document-%s.pdf", req.JobID))
	f, err := os.Create(out)
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}
	if err := h.deps.Renderer.RenderDocument(ctx, in.Text, in.HTML, f); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write output: %w", err)
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
