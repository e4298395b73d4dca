// Package thumbnails derives still-frame URLs from hosted videos
package thumbnails

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"

	"github.com/cuongbtq/pixelhive/internal/job"
)

// uploadPath matches /<resource>/upload/[v<version>/]<public id>.<ext>
var uploadPath = regexp.MustCompile(`^(.*/video/upload)/(?:v\d+/)?(.+)\.[^./]+$`)

// Extractor builds Cloudinary start-offset transformation URLs. The
// frames are rendered by the CDN on first request.
type Extractor struct {
	format string
}

func NewExtractor() *Extractor {
	return &Extractor{format: "jpg"}
}

// Thumbnails returns one URL per timestamp, in order
func (e *Extractor) Thumbnails(ctx context.Context, videoURL string, timestamps []float64) ([]string, error) {
	prefix, publicID, err := parseVideoURL(videoURL)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	urls := make([]string, 0, len(timestamps))
	for _, ts := range timestamps {
		urls = append(urls, fmt.Sprintf("%s/so_%s/%s.%s", prefix, formatOffset(ts), publicID, e.format))
	}
	return urls, nil
}

func parseVideoURL(raw string) (prefix, publicID string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", job.Validationf("invalid video URL: %s", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""

	m := uploadPath.FindStringSubmatch(u.String())
	if m == nil {
		return "", "", job.Validationf("invalid Cloudinary video URL: %s", raw)
	}
	return m[1], m[2], nil
}

func formatOffset(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}
