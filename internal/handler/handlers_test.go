package handler

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/objectstore"
	"github.com/cuongbtq/pixelhive/internal/transform/fetch"
	"github.com/cuongbtq/pixelhive/internal/transform/imaging"
	"github.com/cuongbtq/pixelhive/internal/transform/pdfdoc"
	"github.com/cuongbtq/pixelhive/internal/transform/qr"
	"github.com/cuongbtq/pixelhive/internal/transform/thumbnails"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storedObject struct {
	folder string
	kind   objectstore.Kind
	data   []byte
}

type memoryStorage struct {
	mu      sync.Mutex
	objects []storedObject
}

func (s *memoryStorage) Store(_ context.Context, up objectstore.Upload) (string, error) {
	data := up.Data
	if up.Path != "" {
		var err error
		if data, err = os.ReadFile(up.Path); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = append(s.objects, storedObject{folder: up.Folder, kind: up.Kind, data: data})
	return fmt.Sprintf("https://cdn.example.com/%s/%d", up.Folder, len(s.objects)), nil
}

func (s *memoryStorage) last(t *testing.T) storedObject {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.objects)
	return s.objects[len(s.objects)-1]
}

func testDeps(t *testing.T) (Deps, *memoryStorage) {
	t.Helper()
	storage := &memoryStorage{}
	codec := qr.NewCodec()
	imgMark, err := imaging.NewWatermarker()
	require.NoError(t, err)

	return Deps{
		Storage:          storage,
		Renderer:         pdfdoc.NewRenderer(),
		Merger:           imaging.NewMerger(pdfdoc.NewPageWriter()),
		QREncoder:        codec,
		QRDecoder:        codec,
		Thumbnails:       thumbnails.NewExtractor(),
		ImageWatermarker: imgMark,
		PDFWatermarker:   pdfdoc.NewWatermarker(),
		Fetcher:          fetch.NewFetcher(fetch.Config{}),
		UploadDir:        t.TempDir(),
		WorkDir:          t.TempDir(),
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, storage
}

func request(in job.Payload) Request {
	return Request{JobID: "3f2b8c1a", Category: in.Category(), Input: in, Attempt: 1}
}

func writeImage(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	require.NoError(t, imaging.WritePNG(path, img))
}

func assertWorkDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace must be removed")
}

func TestGenerate_Hello(t *testing.T) {
	deps, storage := testDeps(t)

	res, err := NewGenerate(deps).Handle(context.Background(), request(job.GenerateInput{Text: "hello"}))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/documents/1", res.URL)
	assert.Empty(t, res.URLs)

	obj := storage.last(t)
	assert.Equal(t, objectstore.FolderDocuments, obj.folder)
	assert.Equal(t, objectstore.KindRaw, obj.kind)
	assert.True(t, bytes.HasPrefix(obj.data, []byte("%PDF-")))
	assertWorkDirEmpty(t, deps.WorkDir)
}

func TestQR_RoundTrip(t *testing.T) {
	deps, storage := testDeps(t)

	res, err := NewQRGenerate(deps).Handle(context.Background(), request(job.QRGenerateInput{Data: "https://example.com"}))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/qrcodes/1", res.URL)

	obj := storage.last(t)
	assert.Equal(t, objectstore.KindImage, obj.kind)

	staged := filepath.Join(deps.UploadDir, "upload.png")
	require.NoError(t, os.WriteFile(staged, obj.data, 0o644))

	res, err = NewQRDecode(deps).Handle(context.Background(), request(job.QRDecodeInput{FilePath: staged}))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", res.Decoded)
}

func TestQRDecode_MissingFileIsPermanent(t *testing.T) {
	deps, _ := testDeps(t)
	_, err := NewQRDecode(deps).Handle(context.Background(), request(job.QRDecodeInput{FilePath: filepath.Join(deps.UploadDir, "gone.png")}))
	require.Error(t, err)
	assert.Equal(t, job.KindPermanent, job.KindOf(err))
}

func TestMerge(t *testing.T) {
	remote := filepath.Join(t.TempDir(), "remote.png")
	writeImage(t, remote, 80, 40, color.NRGBA{G: 200, A: 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, remote)
	}))
	defer srv.Close()

	deps, storage := testDeps(t)
	a := filepath.Join(deps.UploadDir, "a.png")
	b := filepath.Join(deps.UploadDir, "b.png")
	writeImage(t, a, 1200, 800, color.White)
	writeImage(t, b, 300, 900, color.Black)

	res, err := NewMerge(deps).Handle(context.Background(), request(job.MergeInput{
		Images: []string{a, srv.URL + "/remote.png", b},
	}))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/documents/1", res.URL)

	merged := filepath.Join(t.TempDir(), "merged.pdf")
	require.NoError(t, os.WriteFile(merged, storage.last(t).data, 0o644))
	n, err := api.PageCountFile(merged)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// staged inputs are left for the pool's cleanup
	assert.FileExists(t, a)
	assertWorkDirEmpty(t, deps.WorkDir)
}

func TestMerge_Failures(t *testing.T) {
	deps, storage := testDeps(t)
	notImage := filepath.Join(deps.UploadDir, "notes.txt")
	require.NoError(t, os.WriteFile(notImage, []byte("just some text"), 0o644))
	outside := filepath.Join(t.TempDir(), "outside.png")
	writeImage(t, outside, 10, 10, color.White)

	tests := []struct {
		name      string
		images    []string
		wantKind  job.Kind
		errString string
	}{
		{name: "no images", images: nil, wantKind: job.KindValidation},
		{name: "not an image", images: []string{notImage}, wantKind: job.KindPermanent},
		{name: "missing file", images: []string{filepath.Join(deps.UploadDir, "gone.png")}, wantKind: job.KindPermanent},
		{name: "outside the upload dir", images: []string{outside}, wantKind: job.KindPermanent, errString: "not a staged upload"},
		{name: "upload dir itself", images: []string{deps.UploadDir}, wantKind: job.KindPermanent, errString: "not a staged upload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMerge(deps).Handle(context.Background(), request(job.MergeInput{Images: tt.images}))
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, job.KindOf(err))
			if tt.errString != "" {
				assert.Contains(t, err.Error(), tt.errString)
			}
		})
	}
	assert.Empty(t, storage.objects)
	assert.FileExists(t, outside)
}

func TestWatermark_LocalReferencesOutsideUploadsArePermanent(t *testing.T) {
	deps, storage := testDeps(t)
	staged := filepath.Join(deps.UploadDir, "photo.png")
	writeImage(t, staged, 40, 40, color.White)
	outside := filepath.Join(t.TempDir(), "photo.png")
	writeImage(t, outside, 40, 40, color.White)

	tests := []struct {
		name string
		in   job.WatermarkInput
	}{
		{name: "input_local_path", in: job.WatermarkInput{InputLocalPath: outside, FileType: job.FileTypeImage, WatermarkType: job.WatermarkText, Text: "x"}},
		{name: "file_url", in: job.WatermarkInput{FileURL: outside, FileType: job.FileTypeImage, WatermarkType: job.WatermarkText, Text: "x"}},
		{name: "image_url", in: job.WatermarkInput{InputLocalPath: staged, FileType: job.FileTypeImage, WatermarkType: job.WatermarkImage, ImageURL: outside}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWatermark(deps).Handle(context.Background(), request(tt.in))
			require.Error(t, err)
			assert.Equal(t, job.KindPermanent, job.KindOf(err))
			assert.Contains(t, err.Error(), "not a staged upload")
		})
	}
	assert.Empty(t, storage.objects)
}

func TestWatermark_ImageText(t *testing.T) {
	deps, storage := testDeps(t)
	src := filepath.Join(deps.UploadDir, "photo.png")
	writeImage(t, src, 400, 300, color.NRGBA{B: 255, A: 255})

	res, err := NewWatermark(deps).Handle(context.Background(), request(job.WatermarkInput{
		InputLocalPath: src,
		FileType:       "IMAGE",
		WatermarkType:  "Text",
		Text:           "sample",
	}))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/watermark-output/1", res.URL)

	obj := storage.last(t)
	assert.Equal(t, objectstore.KindImage, obj.kind)
	out := filepath.Join(t.TempDir(), "out.png")
	require.NoError(t, os.WriteFile(out, obj.data, 0o644))
	img, err := imaging.Load(out)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 400, 300), img.Bounds())
	assertWorkDirEmpty(t, deps.WorkDir)
}

func TestWatermark_PDFWithRemoteLogo(t *testing.T) {
	logo := filepath.Join(t.TempDir(), "logo.png")
	writeImage(t, logo, 60, 60, color.NRGBA{R: 255, A: 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, logo)
	}))
	defer srv.Close()

	deps, storage := testDeps(t)
	src := filepath.Join(deps.UploadDir, "doc.pdf")
	f, err := os.Create(src)
	require.NoError(t, err)
	require.NoError(t, pdfdoc.NewRenderer().RenderDocument(context.Background(), "contract", "", f))
	require.NoError(t, f.Close())

	res, err := NewWatermark(deps).Handle(context.Background(), request(job.WatermarkInput{
		InputLocalPath: src,
		FileType:       job.FileTypePDF,
		WatermarkType:  job.WatermarkImage,
		ImageURL:       srv.URL + "/logo.png",
		Position:       job.PositionCenter,
	}))
	require.NoError(t, err)
	assert.NotEmpty(t, res.URL)
	assert.Equal(t, objectstore.KindRaw, storage.last(t).kind)
}

func TestWatermark_TypeMismatchIsPermanent(t *testing.T) {
	deps, storage := testDeps(t)
	src := filepath.Join(deps.UploadDir, "photo.png")
	writeImage(t, src, 10, 10, color.White)

	_, err := NewWatermark(deps).Handle(context.Background(), request(job.WatermarkInput{
		InputLocalPath: src,
		FileType:       job.FileTypePDF,
		WatermarkType:  job.WatermarkText,
		Text:           "x",
	}))
	require.Error(t, err)
	assert.Equal(t, job.KindPermanent, job.KindOf(err))
	assert.Contains(t, err.Error(), "file type mismatch")
	assert.Empty(t, storage.objects)
}

func TestVideoThumbnails_DefaultTimestamps(t *testing.T) {
	deps, _ := testDeps(t)
	res, err := NewVideoThumbnails(deps).Handle(context.Background(), request(job.VideoThumbnailsInput{
		VideoURL: "https://res.cloudinary.com/demo/video/upload/v1/clip.mp4",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://res.cloudinary.com/demo/video/upload/so_1/clip.jpg",
		"https://res.cloudinary.com/demo/video/upload/so_3/clip.jpg",
		"https://res.cloudinary.com/demo/video/upload/so_5/clip.jpg",
		"https://res.cloudinary.com/demo/video/upload/so_10/clip.jpg",
	}, res.URLs)
}

func TestHandler_WrongPayloadIsValidation(t *testing.T) {
	deps, _ := testDeps(t)
	_, err := NewGenerate(deps).Handle(context.Background(), Request{
		JobID:    "x",
		Category: job.CategoryGenerate,
		Input:    job.QRGenerateInput{Data: "x"},
	})
	require.Error(t, err)
	assert.True(t, job.IsValidation(err))
}

func TestDefaultRegistry(t *testing.T) {
	deps, _ := testDeps(t)
	r := NewDefaultRegistry(deps)
	for _, c := range job.Categories() {
		h, err := r.Get(c)
		require.NoError(t, err, c)
		assert.NotNil(t, h)
	}
	_, err := r.Get("resize")
	assert.Error(t, err)
}
