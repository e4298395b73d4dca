package job

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Payload is the category-specific input of a job
type Payload interface {
	// Category returns the category this payload belongs to
	Category() Category
	// Validate checks required fields and value ranges
	Validate() error
	// LocalPaths lists every staged local file the payload references.
	// The job owns them and they are deleted once it is terminal.
	LocalPaths() []string
}

// Limits taken from the QR specification (byte mode, level L) and
// the watermark defaults of the processing backend.
const (
	MaxQRDataBytes           = 2953
	DefaultWatermarkOpacity  = 0.7
	DefaultWatermarkFontSize = 24
	DefaultWatermarkPosition = PositionBottomRight
)

// DefaultThumbnailTimestamps are used when a video job names none
var DefaultThumbnailTimestamps = []float64{1, 3, 5, 10}

// GenerateInput renders text or markup into a document
type GenerateInput struct {
	Text string `json:"text,omitempty"`
	HTML string `json:"html,omitempty"`
}

func (GenerateInput) Category() Category { return CategoryGenerate }

func (in GenerateInput) Validate() error {
	if strings.TrimSpace(in.Text) == "" && strings.TrimSpace(in.HTML) == "" {
		return Validationf("text or html is required")
	}
	return nil
}

func (GenerateInput) LocalPaths() []string { return nil }

// MergeInput combines images into one document
type MergeInput struct {
	Images []string `json:"images"`
}

func (MergeInput) Category() Category { return CategoryMerge }

func (in MergeInput) Validate() error {
	if len(in.Images) == 0 {
		return Validationf("no images provided for merge")
	}
	for i, ref := range in.Images {
		if strings.TrimSpace(ref) == "" {
			return Validationf("image %d has an empty reference", i)
		}
	}
	return nil
}

// LocalPaths returns the image references that are not remote URLs
func (in MergeInput) LocalPaths() []string {
	var paths []string
	for _, ref := range in.Images {
		if !IsRemoteURL(ref) {
			paths = append(paths, ref)
		}
	}
	return paths
}

// QRGenerateInput encodes Data into a QR code image
type QRGenerateInput struct {
	Data string `json:"data"`
}

func (QRGenerateInput) Category() Category { return CategoryQRGenerate }

func (in QRGenerateInput) Validate() error {
	if strings.TrimSpace(in.Data) == "" {
		return Validationf("missing data for QR generation")
	}
	if len(in.Data) > MaxQRDataBytes {
		return Validationf("QR data is %d bytes, limit is %d", len(in.Data), MaxQRDataBytes)
	}
	return nil
}

func (QRGenerateInput) LocalPaths() []string { return nil }

// QRDecodeInput reads the QR code contained in a staged image
type QRDecodeInput struct {
	FilePath string `json:"file_path"`
}

func (QRDecodeInput) Category() Category { return CategoryQRDecode }

func (in QRDecodeInput) Validate() error {
	if strings.TrimSpace(in.FilePath) == "" {
		return Validationf("missing file_path for QR decoding")
	}
	return nil
}

func (in QRDecodeInput) LocalPaths() []string { return []string{in.FilePath} }

// VideoThumbnailsInput extracts still frames from an uploaded video
type VideoThumbnailsInput struct {
	VideoURL   string    `json:"video_url"`
	Timestamps []float64 `json:"timestamps,omitempty"`
}

func (VideoThumbnailsInput) Category() Category { return CategoryVideoThumbnails }

func (in VideoThumbnailsInput) Validate() error {
	if strings.TrimSpace(in.VideoURL) == "" {
		return Validationf("missing video_url")
	}
	if !IsRemoteURL(in.VideoURL) {
		return Validationf("video_url must be an http(s) URL")
	}
	for _, ts := range in.Timestamps {
		if ts < 0 {
			return Validationf("timestamp %v is negative", ts)
		}
	}
	return nil
}

func (VideoThumbnailsInput) LocalPaths() []string { return nil }

// Times returns the requested timestamps or the defaults
func (in VideoThumbnailsInput) Times() []float64 {
	if len(in.Timestamps) > 0 {
		return in.Timestamps
	}
	return DefaultThumbnailTimestamps
}

// FileType is the kind of document a watermark is applied to
type FileType string

const (
	FileTypeImage FileType = "image"
	FileTypePDF   FileType = "pdf"
)

// WatermarkType selects text or image overlays
type WatermarkType string

const (
	WatermarkText  WatermarkType = "text"
	WatermarkImage WatermarkType = "image"
)

// Position is where the watermark is anchored on the page
type Position string

const (
	PositionTopLeft     Position = "top-left"
	PositionTopRight    Position = "top-right"
	PositionCenter      Position = "center"
	PositionBottomLeft  Position = "bottom-left"
	PositionBottomRight Position = "bottom-right"
)

// Valid reports whether p is a known anchor
func (p Position) Valid() bool {
	switch p {
	case PositionTopLeft, PositionTopRight, PositionCenter, PositionBottomLeft, PositionBottomRight:
		return true
	}
	return false
}

// WatermarkInput overlays text or a logo on an image or PDF
type WatermarkInput struct {
	FileURL        string        `json:"file_url,omitempty"`
	InputLocalPath string        `json:"input_local_path,omitempty"`
	FileType       FileType      `json:"file_type"`
	WatermarkType  WatermarkType `json:"watermark_type"`
	Text           string        `json:"text,omitempty"`
	ImageURL       string        `json:"image_url,omitempty"`
	Position       Position      `json:"position,omitempty"`
	Opacity        *float64      `json:"opacity,omitempty"`
	FontSize       int           `json:"font_size,omitempty"`
}

func (WatermarkInput) Category() Category { return CategoryWatermark }

func (in WatermarkInput) Validate() error {
	if in.FileURL == "" && in.InputLocalPath == "" {
		return Validationf("file_url or input_local_path is required")
	}
	switch strings.ToLower(string(in.FileType)) {
	case string(FileTypeImage), string(FileTypePDF):
	default:
		return Validationf("unsupported file type %q, only image and pdf are supported", in.FileType)
	}
	switch strings.ToLower(string(in.WatermarkType)) {
	case string(WatermarkText):
		if strings.TrimSpace(in.Text) == "" {
			return Validationf("text content is required for a text watermark")
		}
	case string(WatermarkImage):
		if in.ImageURL == "" {
			return Validationf("image_url is required for an image watermark")
		}
	default:
		return Validationf("unsupported watermark type %q", in.WatermarkType)
	}
	if in.Position != "" && !in.Position.Valid() {
		return Validationf("unsupported position %q", in.Position)
	}
	if in.Opacity != nil && (*in.Opacity < 0 || *in.Opacity > 1) {
		return Validationf("opacity must be between 0 and 1")
	}
	if in.FontSize < 0 {
		return Validationf("font_size must be positive")
	}
	return nil
}

func (in WatermarkInput) LocalPaths() []string {
	var paths []string
	if in.InputLocalPath != "" {
		paths = append(paths, in.InputLocalPath)
	}
	for _, ref := range []string{in.FileURL, in.ImageURL} {
		if ref != "" && !IsRemoteURL(ref) {
			paths = append(paths, ref)
		}
	}
	return paths
}

// WithDefaults fills optional fields and normalizes enum casing
func (in WatermarkInput) WithDefaults() WatermarkInput {
	in.FileType = FileType(strings.ToLower(string(in.FileType)))
	in.WatermarkType = WatermarkType(strings.ToLower(string(in.WatermarkType)))
	if in.Position == "" {
		in.Position = DefaultWatermarkPosition
	}
	if in.Opacity == nil {
		opacity := DefaultWatermarkOpacity
		in.Opacity = &opacity
	}
	if in.FontSize == 0 {
		in.FontSize = DefaultWatermarkFontSize
	}
	return in
}

// DecodePayload parses raw JSON into the payload type for category
func DecodePayload(category Category, raw []byte) (Payload, error) {
	var (
		payload Payload
		err     error
	)
	switch category {
	case CategoryGenerate:
		payload, err = decodeInto[GenerateInput](raw)
	case CategoryMerge:
		payload, err = decodeInto[MergeInput](raw)
	case CategoryQRGenerate:
		payload, err = decodeInto[QRGenerateInput](raw)
	case CategoryQRDecode:
		payload, err = decodeInto[QRDecodeInput](raw)
	case CategoryVideoThumbnails:
		payload, err = decodeInto[VideoThumbnailsInput](raw)
	case CategoryWatermark:
		payload, err = decodeInto[WatermarkInput](raw)
	default:
		return nil, Validationf("unknown job category %q", category)
	}
	if err != nil {
		return nil, Validation(fmt.Errorf("invalid %s input: %w", category, err))
	}
	return payload, nil
}

func decodeInto[T Payload](raw []byte) (Payload, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodePayload renders p as JSON for persistence
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s input: %w", p.Category(), err)
	}
	return data, nil
}

// WithinDir reports whether path resolves to a location strictly inside dir
func WithinDir(dir, path string) bool {
	if dir == "" || strings.TrimSpace(path) == "" {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ConfineLocalPaths fails with a ValidationFailure when p references a
// local file outside dir. An empty dir accepts no local files at all.
func ConfineLocalPaths(p Payload, dir string) error {
	if p == nil {
		return nil
	}
	for _, path := range p.LocalPaths() {
		if !WithinDir(dir, path) {
			return Validationf("local file %s is not a staged upload", filepath.Base(path))
		}
	}
	return nil
}

// IsRemoteURL reports whether ref is an absolute http(s) URL
func IsRemoteURL(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
