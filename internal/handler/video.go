package handler

import (
	"context"

	"github.com/cuongbtq/pixelhive/internal/job"
)

// VideoThumbnails derives still-frame URLs from an uploaded video
type VideoThumbnails struct {
	deps Deps
}

func NewVideoThumbnails(deps Deps) *VideoThumbnails {
	return &VideoThumbnails{deps: deps}
}

func (h *VideoThumbnails) Handle(ctx context.Context, req Request) (*job.Result, error) {
	in, err := input[job.VideoThumbnailsInput](req)
	if err != nil {
		return nil, err
	}

	urls, err := h.deps.Thumbnails.Thumbnails(ctx, in.VideoURL, in.Times())
	if err != nil {
		return nil, err
	}
	return &job.Result{URLs: urls}, nil
}
