// Package models holds the registry of ruDALL-E models and the factory that builds them, optionally
// with their pretrained weights downloaded from the HuggingFace hub.
//
// Example:
//
//	model, err := models.New(models.Malevich).FP16(true).Device("cuda").Done()
//
// Or with all the options at once:
//
//	model, err := models.Get(models.Malevich, true, false, "cpu", "/tmp/rudalle")
package models

import (
	"context"
	"path/filepath"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/shonenkov/ru-dalle/download/huggingface"
	"github.com/shonenkov/ru-dalle/transformers"
	"github.com/shonenkov/ru-dalle/trees"
	"github.com/shonenkov/ru-dalle/weights"
	"k8s.io/klog/v2"
)

const (
	// DefaultCacheDir where checkpoints are downloaded, under a sub-directory per model name.
	DefaultCacheDir = "/tmp/rudalle"

	// DefaultDevice models are placed on.
	DefaultDevice = "cpu"
)

// ErrUnknownModel is the cause of the error returned when building a model whose name is not registered.
var ErrUnknownModel = errors.New("unknown model")

// CheckpointLoader reads a downloaded checkpoint file into a tree of tensors.
type CheckpointLoader func(checkpointPath string) (*trees.Tree[*tensors.Tensor], error)

// Factory builds a registered model. Create it with New, configure it with its methods, and call Done.
type Factory struct {
	name       string
	pretrained bool
	fp16       bool
	device     string
	cacheDir   string

	ctx          context.Context
	endpoint     string
	token        string
	showProgress bool
	loader       CheckpointLoader
}

// New returns a factory for the model registered under name, with the default options:
// pretrained, float32, on CPU, and with checkpoints cached in DefaultCacheDir.
func New(name string) *Factory {
	return &Factory{
		name:       name,
		pretrained: true,
		device:     DefaultDevice,
		cacheDir:   DefaultCacheDir,
		ctx:        context.Background(),
		loader:     weights.Load,
	}
}

// Get builds the model registered under name. Empty device or cacheDir take the defaults. See New.
func Get(name string, pretrained, fp16 bool, device, cacheDir string) (transformers.Module, error) {
	f := New(name).Pretrained(pretrained).FP16(fp16)
	if device != "" {
		f.Device(device)
	}
	if cacheDir != "" {
		f.CacheDir(cacheDir)
	}
	return f.Done()
}

// Pretrained sets whether to download and load the model's checkpoint. Default is true.
func (f *Factory) Pretrained(pretrained bool) *Factory {
	f.pretrained = pretrained
	return f
}

// FP16 sets whether to wrap the model in a transformers.HalfModel. Default is false.
func (f *Factory) FP16(fp16 bool) *Factory {
	f.fp16 = fp16
	return f
}

// Device sets the device to place the model on: "cpu", "cuda", "cuda:<n>". Default is "cpu".
func (f *Factory) Device(device string) *Factory {
	f.device = device
	return f
}

// CacheDir sets the directory where checkpoints are cached, under a sub-directory per model name.
// It may start with "~". Default is DefaultCacheDir.
func (f *Factory) CacheDir(cacheDir string) *Factory {
	f.cacheDir = cacheDir
	return f
}

// WithContext sets the context used by the download. It can be used to cancel it.
func (f *Factory) WithContext(ctx context.Context) *Factory {
	f.ctx = ctx
	return f
}

// Endpoint sets the hub endpoint. Defaults to HF_ENDPOINT or huggingface.DefaultEndpoint.
func (f *Factory) Endpoint(endpoint string) *Factory {
	f.endpoint = endpoint
	return f
}

// Token sets the hub access token. Defaults to HF_TOKEN.
func (f *Factory) Token(token string) *Factory {
	f.token = token
	return f
}

// ShowProgress displays a progress bar while downloading the checkpoint.
func (f *Factory) ShowProgress(showProgress bool) *Factory {
	f.showProgress = showProgress
	return f
}

// Loader sets the function used to read downloaded PyTorch checkpoints. Default is weights.Load.
func (f *Factory) Loader(loader CheckpointLoader) *Factory {
	f.loader = loader
	return f
}

// Done builds the model: it is returned in evaluation mode, bound to the configured device.
// If FP16 was set it is a *transformers.HalfModel, otherwise a *transformers.Model.
func (f *Factory) Done() (transformers.Module, error) {
	entry, found := Lookup(f.name)
	if !found {
		return nil, errors.Wrapf(ErrUnknownModel, "model %q (registered models: %v)", f.name, Names())
	}

	config := entry.Params
	config.FP16 = f.fp16
	model, err := transformers.New(config)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build model %q", f.name)
	}

	if f.pretrained {
		checkpoint, err := f.fetchCheckpoint(&entry)
		if err != nil {
			return nil, err
		}
		if unwrapped, ok := weights.Unwrap(checkpoint, weights.WrapperKey); ok {
			klog.V(1).Infof("checkpoint of %q wrapped under %q: unwrapped", f.name, weights.WrapperKey)
			checkpoint = unwrapped
		}
		report := weights.Apply(model.Context(), checkpoint)
		klog.V(1).Infof("checkpoint of %q: %s", f.name, report)
	}

	var module transformers.Module = model
	if f.fp16 {
		module = transformers.NewHalfModel(model)
	}
	module.Eval()
	if err = module.To(f.device); err != nil {
		return nil, errors.WithMessagef(err, "failed to place model %q", f.name)
	}
	if f.pretrained && entry.Description != "" {
		klog.Info(entry.Description)
	}
	return module, nil
}

// fetchCheckpoint downloads (if not cached yet) and reads the checkpoint of the entry.
func (f *Factory) fetchCheckpoint(entry *Entry) (*trees.Tree[*tensors.Tensor], error) {
	cacheDir := filepath.Join(f.cacheDir, entry.Name)
	if entry.CheckpointFormat() == weights.FormatSafetensors {
		checkpoint, err := huggingface.DownloadRepo(f.ctx, f.endpoint, entry.RepoID, f.token, cacheDir)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to fetch checkpoint of model %q", entry.Name)
		}
		return checkpoint, nil
	}

	checkpointPath, err := f.download(entry)
	if err != nil {
		return nil, err
	}
	checkpoint, err := f.loader(checkpointPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint of model %q", entry.Name)
	}
	if _, err := weights.LoadMetadata(checkpointPath); err != nil {
		if err := weights.SaveMetadata(checkpointPath, weights.MetadataOf(entry.Filename, checkpoint)); err != nil {
			klog.Warningf("failed to save checkpoint metadata: %+v", err)
		}
	}
	return checkpoint, nil
}

// Fetch downloads the checkpoint of the model, if not cached yet, and returns its local path.
// The model is not built. Only single file checkpoints can be fetched this way.
func (f *Factory) Fetch() (string, error) {
	entry, found := Lookup(f.name)
	if !found {
		return "", errors.Wrapf(ErrUnknownModel, "model %q (registered models: %v)", f.name, Names())
	}
	if entry.CheckpointFormat() == weights.FormatSafetensors {
		return "", errors.Errorf("model %q checkpoint is a safetensors repository, it can only be fetched by loading it", f.name)
	}
	return f.download(&entry)
}

func (f *Factory) download(entry *Entry) (string, error) {
	url, err := huggingface.URL(f.endpoint, entry.RepoID, entry.Filename, entry.Revision)
	if err != nil {
		return "", errors.WithMessagef(err, "model %q has no downloadable checkpoint", entry.Name)
	}
	checkpointPath, err := huggingface.CachedDownload(f.ctx, url, filepath.Join(f.cacheDir, entry.Name),
		entry.Filename, huggingface.Options{
			Token:        f.token,
			ShowProgress: f.showProgress,
		})
	if err != nil {
		return "", errors.WithMessagef(err, "failed to fetch checkpoint of model %q", entry.Name)
	}
	return checkpointPath, nil
}
