package handler

import "github.com/cuongbtq/pixelhive/internal/job"

// NewDefaultRegistry binds every category to its handler
func NewDefaultRegistry(deps Deps) *Registry {
	r := NewRegistry()
	r.Register(job.CategoryGenerate, NewGenerate(deps))
	r.Register(job.CategoryMerge, NewMerge(deps))
	r.Register(job.CategoryQRGenerate, NewQRGenerate(deps))
	r.Register(job.CategoryQRDecode, NewQRDecode(deps))
	r.Register(job.CategoryVideoThumbnails, NewVideoThumbnails(deps))
	r.Register(job.CategoryWatermark, NewWatermark(deps))
	return r
}
