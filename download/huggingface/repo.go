package huggingface

import (
	"context"
	"os"
	"strings"

	"github.com/gomlx/gomlx/ml/data"
	gomlxhf "github.com/gomlx/gomlx/ml/data/huggingface"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/shonenkov/ru-dalle/trees"
	"k8s.io/klog/v2"
)

// DownloadRepo downloads (if needed) the ".safetensors" files of the hub repository repoID into cacheDir,
// and reads all of its tensors into a tree with one leaf per parameter name.
// Tensors keep the dtype they were saved with.
//
// Repositories are only downloaded from DefaultEndpoint: any other endpoint (given or from HF_ENDPOINT)
// is an error. An empty endpoint defaults to Endpoint().
// The token is used for private or gated repositories. If empty, HF_TOKEN is used.
func DownloadRepo(ctx context.Context, endpoint, repoID, token, cacheDir string) (*trees.Tree[*tensors.Tensor], error) {
	if repoID == "" {
		return nil, errors.New("empty repository id")
	}
	if endpoint == "" {
		endpoint = Endpoint()
	}
	if strings.TrimSuffix(endpoint, "/") != DefaultEndpoint {
		return nil, errors.Errorf("repository %q: safetensors repositories can only be downloaded from %s, not %s",
			repoID, DefaultEndpoint, endpoint)
	}
	if token == "" {
		token = os.Getenv(TokenEnv)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrapf(err, "download of repository %q", repoID)
	}
	cacheDir = data.ReplaceTildeInDir(cacheDir)
	hfm, err := gomlxhf.New(repoID, token, cacheDir)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to open repository %q", repoID)
	}
	if err = hfm.Download(); err != nil {
		return nil, errors.WithMessagef(err, "failed to download repository %q", repoID)
	}
	klog.V(1).Infof("repository %q cached in %q", repoID, hfm.BaseDir)

	tree := trees.New[*tensors.Tensor]()
	for entry, err := range hfm.EnumerateTensors() {
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read tensors of repository %q", repoID)
		}
		if err = ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "reading of repository %q", repoID)
		}
		if err = tree.Set(trees.Path{entry.Name}, entry.Tensor); err != nil {
			return nil, errors.WithMessagef(err, "repository %q", repoID)
		}
	}
	return tree, nil
}
