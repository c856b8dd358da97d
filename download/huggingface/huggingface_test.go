package huggingface

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestURL(t *testing.T) {
	url, err := URL("https://hub.example.com", "shonenkov/rudalle-Malevich", "pytorch_model.bin", "")
	require.NoError(t, err)
	require.Equal(t, "https://hub.example.com/shonenkov/rudalle-Malevich/resolve/main/pytorch_model.bin", url)

	url, err = URL("http://127.0.0.1:8080/mirror/", "org/repo", "weights/model.bin", "v1.0")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:8080/mirror/org/repo/resolve/v1.0/weights/model.bin", url)

	t.Setenv(EndpointEnv, "http://localhost:9999")
	url, err = URL("", "org/repo", "model.bin", "main")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:9999/org/repo/resolve/main/model.bin", url)

	_, err = URL("", "", "model.bin", "")
	require.Error(t, err)
	_, err = URL("", "org/repo", "", "")
	require.Error(t, err)
}

func newHub(t *testing.T, contents string, requests *atomic.Int32, authorization *atomic.Value) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if authorization != nil {
			authorization.Store(r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/org/repo/resolve/main/model.bin" {
			http.Error(w, "Entry not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(contents))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestCachedDownload(t *testing.T) {
	var requests atomic.Int32
	var authorization atomic.Value
	server := newHub(t, "checkpoint contents", &requests, &authorization)
	url, err := URL(server.URL, "org/repo", "model.bin", "")
	require.NoError(t, err)

	cacheDir := filepath.Join(t.TempDir(), "Malevich")
	ctx := context.Background()
	filePath, err := CachedDownload(ctx, url, cacheDir, "model.bin", Options{Token: "secret", ShowProgress: true})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cacheDir, "model.bin"), filePath)
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	require.Equal(t, "checkpoint contents", string(contents))
	require.Equal(t, int32(1), requests.Load())
	require.Equal(t, "Bearer secret", authorization.Load())

	// Cached: no new request.
	filePath2, err := CachedDownload(ctx, url, cacheDir, "model.bin", Options{})
	require.NoError(t, err)
	require.Equal(t, filePath, filePath2)
	require.Equal(t, int32(1), requests.Load())

	// No partial files left behind.
	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCachedDownloadTokenFromEnv(t *testing.T) {
	var requests atomic.Int32
	var authorization atomic.Value
	server := newHub(t, "x", &requests, &authorization)
	t.Setenv(TokenEnv, "from-env")
	url, err := URL(server.URL, "org/repo", "model.bin", "")
	require.NoError(t, err)
	_, err = CachedDownload(context.Background(), url, t.TempDir(), "model.bin", Options{})
	require.NoError(t, err)
	require.Equal(t, "Bearer from-env", authorization.Load())
}

func TestCachedDownloadNotFound(t *testing.T) {
	var requests atomic.Int32
	server := newHub(t, "x", &requests, nil)
	url, err := URL(server.URL, "org/repo", "missing.bin", "")
	require.NoError(t, err)

	cacheDir := t.TempDir()
	_, err = CachedDownload(context.Background(), url, cacheDir, "missing.bin", Options{})
	require.Error(t, err)
	require.ErrorIs(t, errors.Cause(err), ErrStatus)
	require.ErrorContains(t, err, "404")

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	require.Empty(t, entries, "failed downloads leave no file behind")
}

func TestCachedDownloadCancelled(t *testing.T) {
	var requests atomic.Int32
	server := newHub(t, "x", &requests, nil)
	url, err := URL(server.URL, "org/repo", "model.bin", "")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cacheDir := t.TempDir()
	_, err = CachedDownload(ctx, url, cacheDir, "model.bin", Options{})
	require.Error(t, err)
	require.NoFileExists(t, filepath.Join(cacheDir, "model.bin"))
}

func TestDownloadRepoErrors(t *testing.T) {
	ctx := context.Background()
	_, err := DownloadRepo(ctx, "", "", "", t.TempDir())
	require.Error(t, err)

	// Nothing is downloaded for endpoints other than the default one.
	cacheDir := t.TempDir()
	_, err = DownloadRepo(ctx, "http://localhost:1", "org/tiny", "", cacheDir)
	require.ErrorContains(t, err, "only be downloaded from")
	t.Setenv(EndpointEnv, "http://mirror.example")
	_, err = DownloadRepo(ctx, "", "org/tiny", "", cacheDir)
	require.ErrorContains(t, err, "http://mirror.example")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = DownloadRepo(cancelled, DefaultEndpoint+"/", "org/tiny", "", cacheDir)
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}
