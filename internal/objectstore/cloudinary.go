package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/cuongbtq/pixelhive/internal/job"
)

// CloudinaryConfig holds Cloudinary credentials. URL takes precedence
// over the individual fields.
type CloudinaryConfig struct {
	URL       string
	CloudName string
	APIKey    string
	APISecret string
	// UploadPrefix overrides the API endpoint
	UploadPrefix string
}

// Cloudinary stores objects as public Cloudinary assets
type Cloudinary struct {
	cld    *cloudinary.Cloudinary
	logger *slog.Logger
}

// NewCloudinary creates a Cloudinary backed Storage
func NewCloudinary(cfg CloudinaryConfig, logger *slog.Logger) (*Cloudinary, error) {
	var (
		cld *cloudinary.Cloudinary
		err error
	)
	if cfg.URL != "" {
		cld, err = cloudinary.NewFromURL(cfg.URL)
	} else {
		cld, err = cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudinary client: %w", err)
	}
	if cfg.UploadPrefix != "" {
		cld.Config.API.UploadPrefix = cfg.UploadPrefix
	}

	logger.Info("Cloudinary storage configured", slog.String("cloud_name", cld.Config.Cloud.CloudName))
	return &Cloudinary{cld: cld, logger: logger}, nil
}

func (c *Cloudinary) Store(ctx context.Context, up Upload) (string, error) {
	if err := up.validate(); err != nil {
		return "", err
	}
	kind := up.Kind
	if kind == "" {
		kind = KindRaw
	}

	var file interface{} = up.Path
	if up.Data != nil {
		file = bytes.NewReader(up.Data)
	}

	name := up.name()
	// raw assets keep their extension in the public id
	publicID := name
	if kind != KindRaw {
		publicID = strings.TrimSuffix(name, filepath.Ext(name))
	}

	resp, err := c.cld.Upload.Upload(ctx, file, uploader.UploadParams{
		Folder:         up.Folder,
		PublicID:       publicID,
		ResourceType:   string(kind),
		UniqueFilename: api.Bool(true),
	})
	if err != nil {
		return "", job.Transient(fmt.Errorf("cloudinary upload failed: %w", err))
	}
	if resp.Error.Message != "" {
		return "", job.Transient(fmt.Errorf("cloudinary upload failed: %s", resp.Error.Message))
	}
	if resp.SecureURL == "" {
		return "", job.Transientf("cloudinary upload returned no url")
	}

	c.logger.Debug("Uploaded object",
		slog.String("folder", up.Folder),
		slog.String("public_id", resp.PublicID),
	)
	return resp.SecureURL, nil
}

var versionSegment = regexp.MustCompile(`^v[0-9]+$`)

// assetFromURL splits a delivery URL of the form
// /<cloud>/<resource_type>/upload/[v<version>/]<public_id> into its
// resource type and public id
func assetFromURL(ref string) (Kind, string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", fmt.Errorf("invalid asset url %q: %w", ref, err)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 1; i < len(segs)-1; i++ {
		if segs[i+1] != "upload" {
			continue
		}
		rest := segs[i+2:]
		if len(rest) > 1 && versionSegment.MatchString(rest[0]) {
			rest = rest[1:]
		}
		if len(rest) == 0 || rest[0] == "" {
			break
		}
		kind := Kind(segs[i])
		publicID := strings.Join(rest, "/")
		if kind != KindRaw {
			publicID = strings.TrimSuffix(publicID, filepath.Ext(publicID))
		}
		return kind, publicID, nil
	}
	return "", "", fmt.Errorf("not a cloudinary asset url: %s", ref)
}

func (c *Cloudinary) Delete(ctx context.Context, ref string) error {
	kind, publicID, err := assetFromURL(ref)
	if err != nil {
		return err
	}

	resp, err := c.cld.Upload.Destroy(ctx, uploader.DestroyParams{
		PublicID:     publicID,
		ResourceType: string(kind),
	})
	if err != nil {
		return job.Transient(fmt.Errorf("cloudinary destroy failed: %w", err))
	}
	if resp.Error.Message != "" {
		return job.Transient(fmt.Errorf("cloudinary destroy failed: %s", resp.Error.Message))
	}
	// "not found" means someone got there first
	if resp.Result != "ok" && resp.Result != "not found" {
		return fmt.Errorf("cloudinary destroy returned %q", resp.Result)
	}

	c.logger.Debug("Deleted object",
		slog.String("resource_type", string(kind)),
		slog.String("public_id", publicID),
	)
	return nil
}
