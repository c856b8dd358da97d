// Package huggingface downloads model checkpoints from the HuggingFace hub (or a mirror of it).
//
// Files are cached locally: a file is fetched at most once per cache directory.
//
// Example:
//
//	url, _ := huggingface.URL("", "shonenkov/rudalle-Malevich", "pytorch_model.bin", "")
//	checkpointPath, err := huggingface.CachedDownload(ctx, url, "~/.cache/rudalle/Malevich", "pytorch_model.bin",
//		huggingface.Options{ShowProgress: true})
package huggingface

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const (
	// DefaultEndpoint of the hub, used if HF_ENDPOINT is not set.
	DefaultEndpoint = "https://huggingface.co"

	// DefaultRevision of repositories.
	DefaultRevision = "main"

	// EndpointEnv and TokenEnv are the environment variables that configure the hub endpoint and the access token.
	EndpointEnv = "HF_ENDPOINT"
	TokenEnv    = "HF_TOKEN"
)

// ErrStatus is the cause of errors returned for non-200 responses.
var ErrStatus = errors.New("unexpected HTTP status")

// Endpoint returns the hub endpoint: HF_ENDPOINT if set, DefaultEndpoint otherwise.
func Endpoint() string {
	if endpoint := os.Getenv(EndpointEnv); endpoint != "" {
		return endpoint
	}
	return DefaultEndpoint
}

// URL of a file in a hub repository: "<endpoint>/<repoID>/resolve/<revision>/<filename>".
// An empty endpoint defaults to Endpoint(), and an empty revision to DefaultRevision.
func URL(endpoint, repoID, filename, revision string) (string, error) {
	if repoID == "" {
		return "", errors.New("empty repository id")
	}
	if filename == "" {
		return "", errors.Errorf("empty file name for repository %q", repoID)
	}
	if endpoint == "" {
		endpoint = Endpoint()
	}
	if revision == "" {
		revision = DefaultRevision
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrapf(err, "invalid hub endpoint %q", endpoint)
	}
	base.Path = path.Join("/", base.Path, repoID, "resolve", revision, filename)
	return base.String(), nil
}

// Options for CachedDownload. The zero value is valid.
type Options struct {
	// Token for private or gated repositories. If empty, HF_TOKEN is used.
	Token string

	// ShowProgress displays a progress bar on the terminal while downloading.
	ShowProgress bool

	// Client used for the request. Defaults to http.DefaultClient.
	Client *http.Client
}

// CachedDownload returns the path of cacheDir/filename, downloading it from fileURL first if it doesn't exist yet.
//
// The contents are written into a uniquely named partial file that is only renamed to its final name after
// the download completes, so an interrupted download is never mistaken for a cached file.
func CachedDownload(ctx context.Context, fileURL, cacheDir, filename string, options Options) (string, error) {
	cacheDir = data.ReplaceTildeInDir(cacheDir)
	filePath := filepath.Join(cacheDir, filename)
	if info, err := os.Stat(filePath); err == nil {
		klog.V(1).Infof("using cached %q (%s)", filePath, humanize.Bytes(uint64(info.Size())))
		return filePath, nil
	} else if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "failed to check cached file %q", filePath)
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create cache directory %q", cacheDir)
	}

	partPath := fmt.Sprintf("%s.%s.part", filePath, uuid.NewString())
	if err := download(ctx, fileURL, partPath, filename, options); err != nil {
		_ = os.Remove(partPath)
		return "", err
	}
	if err := os.Rename(partPath, filePath); err != nil {
		_ = os.Remove(partPath)
		return "", errors.Wrapf(err, "failed to move downloaded file to %q", filePath)
	}
	return filePath, nil
}

func download(ctx context.Context, fileURL, partPath, filename string, options Options) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create request for %q", fileURL)
	}
	token := options.Token
	if token == "" {
		token = os.Getenv(TokenEnv)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := options.Client
	if client == nil {
		client = http.DefaultClient
	}

	klog.V(1).Infof("downloading %q", fileURL)
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to download %q", fileURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Wrapf(ErrStatus, "downloading %q: %s: %s", fileURL, resp.Status, strings.TrimSpace(string(body)))
	}

	f, err := os.Create(partPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", partPath)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "failed to close %q", partPath)
		}
	}()

	var writer io.Writer = f
	if options.ShowProgress {
		bar := progressbar.DefaultBytes(resp.ContentLength, "downloading "+filename)
		defer func() { _ = bar.Close() }()
		writer = io.MultiWriter(f, bar)
	}
	n, err := io.Copy(writer, resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed while downloading %q", fileURL)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return errors.Errorf("downloading %q: got %d bytes, expected %d", fileURL, n, resp.ContentLength)
	}
	klog.V(1).Infof("downloaded %s from %q", humanize.Bytes(uint64(n)), fileURL)
	return nil
}
