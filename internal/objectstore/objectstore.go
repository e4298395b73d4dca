// Package objectstore publishes job artifacts and returns their public URLs
package objectstore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// Kind is the resource type of an uploaded object
type Kind string

const (
	KindImage Kind = "image"
	KindRaw   Kind = "raw"
	KindVideo Kind = "video"
)

// Folders used by the job handlers
const (
	FolderDocuments       = "documents"
	FolderQRCodes         = "qrcodes"
	FolderWatermarkOutput = "watermark-output"
	FolderVideos          = "videos"
)

// Upload describes one object to store. Exactly one of Path and Data is set.
type Upload struct {
	Path     string
	Data     []byte
	Folder   string
	Filename string
	Kind     Kind
}

// Storage stores objects and returns their public URL. Delete takes a URL
// returned by Store; deleting an object that is already gone succeeds.
type Storage interface {
	Store(ctx context.Context, up Upload) (string, error)
	Delete(ctx context.Context, ref string) error
}

func (u Upload) validate() error {
	if (u.Path == "") == (u.Data == nil) {
		return errors.New("upload needs exactly one of path or data")
	}
	if strings.Contains(u.Folder, "..") {
		return errors.New("upload folder cannot contain '..'")
	}
	return nil
}

// name returns the object file name without any directory part
func (u Upload) name() string {
	if u.Filename != "" {
		return filepath.Base(u.Filename)
	}
	if u.Path != "" {
		return filepath.Base(u.Path)
	}
	return "object"
}
