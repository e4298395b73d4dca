package handler

import (
	"context"
	"fmt"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/objectstore"
)

// QRGenerate encodes data into a QR code image
type QRGenerate struct {
	deps Deps
}

func NewQRGenerate(deps Deps) *QRGenerate {
	return &QRGenerate{deps: deps}
}

func (h *QRGenerate) Handle(ctx context.Context, req Request) (*job.Result, error) {
	in, err := input[job.QRGenerateInput](req)
	if err != nil {
		return nil, err
	}

	png, err := h.deps.QREncoder.EncodeQR(in.Data)
	if err != nil {
		return nil, err
	}

	url, err := h.deps.Storage.Store(ctx, objectstore.Upload{
		Data:     png,
		Folder:   objectstore.FolderQRCodes,
		Filename: fmt.Sprintf("qr-%s.png", req.JobID),
		Kind:     objectstore.KindImage,
	})
	if err != nil {
		return nil, err
	}
	return &job.Result{URL: url}, nil
}

// QRDecode reads the QR code in a staged upload. The upload is removed by
// the pool once the job is terminal.
type QRDecode struct {
	deps Deps
}

func NewQRDecode(deps Deps) *QRDecode {
	return &QRDecode{deps: deps}
}

func (h *QRDecode) Handle(ctx context.Context, req Request) (*job.Result, error) {
	in, err := input[job.QRDecodeInput](req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := h.deps.requireStaged(in.FilePath); err != nil {
		return nil, err
	}
	decoded, err := h.deps.QRDecoder.DecodeQR(in.FilePath)
	if err != nil {
		return nil, err
	}
	return &job.Result{Decoded: decoded}, nil
}
