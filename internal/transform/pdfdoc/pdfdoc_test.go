package pdfdoc

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/cuongbtq/pixelhive/internal/transform"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name   string
		markup string
		want   string
	}{
		{name: "paragraphs", markup: "<p>Hello</p><p>World</p>", want: "Hello\nWorld"},
		{name: "inline markup", markup: "<p>Hello <b>bold</b> <i>world</i></p>", want: "Hello bold world"},
		{name: "script dropped", markup: "<div>a<script>alert(1)</script></div><style>p{}</style>", want: "a"},
		{name: "entities decoded", markup: "<span>Fish &amp; chips</span>", want: "Fish & chips"},
		{name: "whitespace collapsed", markup: "<p>  lots   of\n\n space </p>", want: "lots of space"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HTMLToText(tt.markup)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderer_RenderDocument(t *testing.T) {
	var buf bytes.Buffer
	err := NewRenderer().RenderDocument(context.Background(), "hello", "<h1>Title</h1>", &buf)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))

	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	n, err := api.PageCountFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func TestPageWriter_OnePagePerImage(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.png")
	b := filepath.Join(dir, "b.png")
	writePNG(t, a, 60, 40)
	writePNG(t, b, 60, 90)

	out := filepath.Join(dir, "merged.pdf")
	require.NoError(t, NewPageWriter().ImagesToPDF(context.Background(), []string{a, b}, out))

	n, err := api.PageCountFile(out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestWatermarker_WatermarkPDF(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.pdf")
	f, err := os.Create(src)
	require.NoError(t, err)
	require.NoError(t, NewRenderer().RenderDocument(context.Background(), "page body", "", f))
	require.NoError(t, f.Close())

	logo := filepath.Join(dir, "logo.png")
	writePNG(t, logo, 40, 40)

	tests := []struct {
		name string
		mark transform.Mark
	}{
		{name: "text", mark: transform.Mark{Text: "DRAFT", Position: job.PositionBottomRight, Opacity: 0.7, FontSize: 24}},
		{name: "logo", mark: transform.Mark{LogoPath: logo, Position: job.PositionCenter, Opacity: 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := filepath.Join(dir, tt.name+".pdf")
			require.NoError(t, NewWatermarker().WatermarkPDF(context.Background(), src, dst, tt.mark))
			require.NoError(t, api.ValidateFile(dst, nil))
		})
	}
}

func TestWatermarker_RejectsCorruptPDF(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.7 truncated"), 0o644))

	err := NewWatermarker().WatermarkPDF(context.Background(), src, filepath.Join(dir, "out.pdf"), transform.Mark{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, job.KindPermanent, job.KindOf(err))
}

func TestDescription(t *testing.T) {
	got := textDescription(transform.Mark{Text: "x", Position: job.PositionTopLeft, Opacity: 0.7})
	assert.Equal(t, "pos:tl, off:50 -50, rot:0, op:0.70, sc:1 abs, points:24, fillc:#000000", got)

	got = logoDescription(transform.Mark{LogoPath: "l.png", Opacity: 1})
	assert.Equal(t, "pos:br, off:-50 50, rot:0, op:1.00, sc:0.20 abs", got)
}
