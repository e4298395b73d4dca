package objectstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cuongbtq/pixelhive/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocal_Store(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(LocalConfig{Root: root, BaseURL: "http://localhost:8080/objects"})
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "merged.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF-1.7"), 0o644))

	tests := []struct {
		name   string
		upload Upload
		want   string
	}{
		{name: "from path", upload: Upload{Path: src, Folder: FolderDocuments, Kind: KindRaw}, want: "%PDF-1.7"},
		{name: "from bytes", upload: Upload{Data: []byte("png"), Folder: FolderQRCodes, Filename: "qr.png", Kind: KindImage}, want: "png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := store.Store(context.Background(), tt.upload)
			require.NoError(t, err)
			prefix := "http://localhost:8080/objects/" + tt.upload.Folder + "/"
			require.True(t, strings.HasPrefix(u, prefix), u)

			data, err := os.ReadFile(filepath.Join(root, tt.upload.Folder, strings.TrimPrefix(u, prefix)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestUpload_Validate(t *testing.T) {
	assert.Error(t, Upload{}.validate())
	assert.Error(t, Upload{Path: "a", Data: []byte("b")}.validate())
	assert.Error(t, Upload{Path: "a", Folder: "../etc"}.validate())
	assert.NoError(t, Upload{Data: []byte{}, Folder: FolderDocuments}.validate())
}

func TestCloudinary_Store(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		forms []map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		form := map[string]string{}
		for k, v := range r.MultipartForm.Value {
			form[k] = v[0]
		}
		mu.Lock()
		paths = append(paths, r.URL.Path)
		forms = append(forms, form)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"public_id":  form["folder"] + "/" + form["public_id"],
			"secure_url": "https://res.cloudinary.com/demo/raw/upload/v1/" + form["folder"] + "/" + form["public_id"],
		})
	}))
	defer srv.Close()

	store, err := NewCloudinary(CloudinaryConfig{
		CloudName:    "demo",
		APIKey:       "key",
		APISecret:    "secret",
		UploadPrefix: srv.URL,
	}, testLogger())
	require.NoError(t, err)

	u, err := store.Store(context.Background(), Upload{
		Data:     []byte("%PDF-1.7"),
		Folder:   FolderDocuments,
		Filename: "report.pdf",
		Kind:     KindRaw,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://res.cloudinary.com/demo/raw/upload/v1/documents/report.pdf", u)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.True(t, strings.HasSuffix(paths[0], "/demo/raw/upload"), paths[0])
	assert.Equal(t, "documents", forms[0]["folder"])
	assert.Equal(t, "report.pdf", forms[0]["public_id"])
	assert.NotContains(t, forms[0], "access_mode")
}

func TestCloudinary_StoreErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid image file"}}`))
	}))
	defer srv.Close()

	store, err := NewCloudinary(CloudinaryConfig{CloudName: "demo", APIKey: "k", APISecret: "s", UploadPrefix: srv.URL}, testLogger())
	require.NoError(t, err)

	_, err = store.Store(context.Background(), Upload{Data: []byte("x"), Folder: FolderQRCodes, Filename: "qr.png", Kind: KindImage})
	require.Error(t, err)
	assert.Equal(t, job.KindTransient, job.KindOf(err))
}

func TestLocal_Delete(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(LocalConfig{Root: root, BaseURL: "http://localhost:8080/objects/"})
	require.NoError(t, err)

	u, err := store.Store(context.Background(), Upload{Data: []byte("png"), Folder: FolderQRCodes, Filename: "qr.png", Kind: KindImage})
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), u))
	entries, err := os.ReadDir(filepath.Join(root, FolderQRCodes))
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.NoError(t, store.Delete(context.Background(), u), "already gone")

	outside := filepath.Join(filepath.Dir(root), "keep.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))
	t.Cleanup(func() { os.Remove(outside) })

	assert.Error(t, store.Delete(context.Background(), "http://localhost:8080/objects/../keep.txt"))
	assert.Error(t, store.Delete(context.Background(), "https://cdn.example.com/qrcodes/qr.png"))
	assert.FileExists(t, outside)
}

func TestAssetFromURL(t *testing.T) {
	tests := []struct {
		name     string
		ref      string
		kind     Kind
		publicID string
		wantErr  bool
	}{
		{name: "raw keeps extension", ref: "https://res.cloudinary.com/demo/raw/upload/v1700000000/documents/report_x1.pdf", kind: KindRaw, publicID: "documents/report_x1.pdf"},
		{name: "image drops extension", ref: "https://res.cloudinary.com/demo/image/upload/v12/qrcodes/qr_ab.png", kind: KindImage, publicID: "qrcodes/qr_ab"},
		{name: "no version", ref: "https://res.cloudinary.com/demo/video/upload/videos/clip.mp4", kind: KindVideo, publicID: "videos/clip"},
		{name: "not an asset", ref: "https://cdn.example.com/qrcodes/qr.png", wantErr: true},
		{name: "missing public id", ref: "https://res.cloudinary.com/demo/image/upload/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, publicID, err := assetFromURL(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.publicID, publicID)
		})
	}
}

func TestCloudinary_Delete(t *testing.T) {
	var (
		mu     sync.Mutex
		path   string
		params url.Values
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		values, err := url.ParseQuery(string(body))
		require.NoError(t, err)
		mu.Lock()
		path, params = r.URL.Path, values
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()

	store, err := NewCloudinary(CloudinaryConfig{CloudName: "demo", APIKey: "k", APISecret: "s", UploadPrefix: srv.URL}, testLogger())
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), "https://res.cloudinary.com/demo/image/upload/v3/watermark-output/out.png"))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasSuffix(path, "/demo/image/destroy"), path)
	assert.Equal(t, "watermark-output/out", params.Get("public_id"))
}
