package models

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/shonenkov/ru-dalle/download/huggingface"
	"github.com/shonenkov/ru-dalle/transformers"
	"github.com/shonenkov/ru-dalle/trees"
	"github.com/shonenkov/ru-dalle/weights"
	"github.com/stretchr/testify/require"
)

const tinyName = "tiny-test"

func tinyParams() transformers.Config {
	return transformers.Config{
		NumLayers:            2,
		HiddenSize:           8,
		NumAttentionHeads:    2,
		EmbeddingDropoutProb: 0.1,
		OutputDropoutProb:    0.1,
		AttentionDropoutProb: 0.1,
		ImageTokensPerDim:    3,
		TextSeqLength:        4,
		UseMasks:             true,
		SandwichLayerNorm:    true,
		PBRelax:              true,
		VocabSize:            10,
		ImageVocabSize:       6,
	}
}

func init() {
	MustRegister(Entry{
		Name:        tinyName,
		Description: "tiny model for tests",
		Params:      tinyParams(),
		RepoID:      "org/tiny",
		Filename:    "pytorch_model.bin",
	})
	MustRegister(Entry{
		Name:     "tiny-safetensors",
		Params:   tinyParams(),
		RepoID:   "org/tiny",
		Filename: "model.safetensors",
	})
	MustRegister(Entry{
		Name:     "tiny-missing",
		Params:   tinyParams(),
		RepoID:   "org/missing",
		Filename: "pytorch_model.bin",
	})
}

// fakeHub serves the checkpoint of the tiny model, and counts the requests.
func fakeHub(t *testing.T) (*httptest.Server, *atomic.Int32) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/org/tiny/resolve/main/pytorch_model.bin" {
			http.Error(w, "Entry not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("fake checkpoint"))
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

// tinyLoader returns a loader that creates a checkpoint with the bias of the logits layer,
// optionally wrapped under wrapperKey.
func tinyLoader(t *testing.T, wrapperKey string, calls *int) CheckpointLoader {
	return func(checkpointPath string) (*trees.Tree[*tensors.Tensor], error) {
		*calls++
		contents, err := os.ReadFile(checkpointPath)
		require.NoError(t, err)
		require.Equal(t, "fake checkpoint", string(contents))

		bias := make([]float32, 16)
		for ii := range bias {
			bias[ii] = float32(ii)
		}
		p := trees.Path{"to_logits.1.bias"}
		if wrapperKey != "" {
			p = append(trees.Path{wrapperKey}, p...)
		}
		checkpoint := trees.New[*tensors.Tensor]()
		require.NoError(t, checkpoint.Set(p, tensors.FromFlatDataAndDimensions(bias, 16)))
		require.NoError(t, checkpoint.Set(trees.Path{"optimizer_step"}, tensors.FromValue(int64(1))))
		return checkpoint, nil
	}
}

func logitsBias(t *testing.T, module transformers.Module) *tensors.Tensor {
	v := module.Context().InspectVariable("/to_logits/1", "bias")
	require.NotNil(t, v)
	return v.Value()
}

func TestRegistry(t *testing.T) {
	names := Names()
	require.True(t, slices.IsSorted(names))
	require.Contains(t, names, Malevich)
	require.Contains(t, names, Small)

	entry, found := Lookup(Malevich)
	require.True(t, found)
	require.Equal(t, 24, entry.Params.NumLayers)
	require.Equal(t, 2048, entry.Params.HiddenSize)
	require.Equal(t, 16, entry.Params.NumAttentionHeads)
	require.Equal(t, 16512, entry.Params.VocabSize)
	require.Equal(t, 16384, entry.Params.ImageVocabSize)
	require.Equal(t, "shonenkov/rudalle-Malevich", entry.RepoID)
	require.Equal(t, weights.FormatPyTorch, entry.CheckpointFormat())
	require.NotEmpty(t, entry.Description)

	entry, found = Lookup(Small)
	require.True(t, found)
	require.Equal(t, 12, entry.Params.NumLayers)
	require.Equal(t, 8192, entry.Params.ImageVocabSize)
	require.Empty(t, entry.RepoID)

	_, found = Lookup("Kandinsky")
	require.False(t, found)

	require.Error(t, Register(Entry{Name: Malevich, Params: tinyParams()}), "duplicate name")
	require.Error(t, Register(Entry{Params: tinyParams()}), "empty name")
	require.Error(t, Register(Entry{Name: "no-params"}), "invalid params")
	require.Error(t, Register(Entry{Name: "bad-format", Params: tinyParams(), Format: "onnx"}))
}

func TestNotPretrained(t *testing.T) {
	for _, name := range []string{Malevich, Small, tinyName} {
		module, err := Get(name, false, false, "", t.TempDir())
		require.NoError(t, err, name)
		require.IsType(t, &transformers.Model{}, module, name)
		require.False(t, module.IsTraining(), name)
		require.Equal(t, transformers.CPU, module.Device(), name)
		require.Nil(t, logitsBias(t, module), "%s: no weights loaded", name)
	}
	module, err := Get(Malevich, false, false, "", "")
	require.NoError(t, err)
	require.Greater(t, module.NumParameters(), 1_200_000_000)
	require.Less(t, module.NumParameters(), 1_500_000_000)
}

func TestUnknownModel(t *testing.T) {
	server, requests := fakeHub(t)
	_, err := New("Kandinsky").Endpoint(server.URL).CacheDir(t.TempDir()).Done()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUnknownModel)
	require.Equal(t, ErrUnknownModel, errors.Cause(err))
	require.Equal(t, int32(0), requests.Load(), "no network access for unknown models")
}

func TestPretrained(t *testing.T) {
	server, requests := fakeHub(t)
	cacheDir := t.TempDir()
	var calls int
	build := func() transformers.Module {
		module, err := New(tinyName).
			Endpoint(server.URL).
			CacheDir(cacheDir).
			Device("cuda:1").
			Loader(tinyLoader(t, "", &calls)).
			Done()
		require.NoError(t, err)
		return module
	}

	module := build()
	require.Equal(t, int32(1), requests.Load())
	require.FileExists(t, filepath.Join(cacheDir, tinyName, "pytorch_model.bin"))
	require.False(t, module.IsTraining())
	require.Equal(t, transformers.Device{Kind: "cuda", Index: 1}, module.Device())
	bias := logitsBias(t, module)
	require.NotNil(t, bias)
	require.Equal(t, dtypes.Float32, bias.DType())
	require.Equal(t, []int{16}, bias.Shape().Dimensions)

	metadata, err := weights.LoadMetadata(filepath.Join(cacheDir, tinyName, "pytorch_model.bin"))
	require.NoError(t, err)
	require.Len(t, metadata.Entries, 2)

	// Second build is a cache hit.
	_ = build()
	require.Equal(t, int32(1), requests.Load())
	require.Equal(t, 2, calls)
}

func TestPretrainedWrapped(t *testing.T) {
	server, _ := fakeHub(t)
	var calls int
	module, err := New(tinyName).
		Endpoint(server.URL).
		CacheDir(t.TempDir()).
		Loader(tinyLoader(t, weights.WrapperKey, &calls)).
		Done()
	require.NoError(t, err)
	require.NotNil(t, logitsBias(t, module), "weights under %q are unwrapped", weights.WrapperKey)
}

func TestPretrainedFP16(t *testing.T) {
	server, _ := fakeHub(t)
	var calls int
	module, err := New(tinyName).
		Endpoint(server.URL).
		CacheDir(t.TempDir()).
		FP16(true).
		Loader(tinyLoader(t, "", &calls)).
		Done()
	require.NoError(t, err)
	half, ok := module.(*transformers.HalfModel)
	require.True(t, ok)
	require.True(t, half.Unwrap().Config().FP16)
	require.False(t, module.IsTraining())
	require.Equal(t, dtypes.Float16, logitsBias(t, module).DType(), "weights are loaded before converting")
}

func TestPretrainedFailures(t *testing.T) {
	server, requests := fakeHub(t)

	// No published checkpoint.
	_, err := New(Small).Endpoint(server.URL).CacheDir(t.TempDir()).Done()
	require.Error(t, err)

	cacheDir := t.TempDir()
	_, err = New("tiny-missing").Endpoint(server.URL).CacheDir(cacheDir).Done()
	require.Error(t, err)
	require.ErrorIs(t, err, huggingface.ErrStatus)
	require.NoFileExists(t, filepath.Join(cacheDir, "tiny-missing", "pytorch_model.bin"))

	// Safetensors repositories are not fetched from other endpoints.
	requestsBefore := requests.Load()
	_, err = New("tiny-safetensors").Endpoint(server.URL).CacheDir(t.TempDir()).Done()
	require.ErrorContains(t, err, "only be downloaded from")
	require.Equal(t, requestsBefore, requests.Load())

	loadErr := errors.New("corrupted checkpoint")
	_, err = New(tinyName).Endpoint(server.URL).CacheDir(t.TempDir()).
		Loader(func(string) (*trees.Tree[*tensors.Tensor], error) { return nil, loadErr }).
		Done()
	require.ErrorIs(t, err, loadErr)
}

func TestLoadRegistryFile(t *testing.T) {
	registryPath := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(registryPath, []byte(`
models:
  - name: yaml-tiny
    description: tiny model from YAML
    repo_id: org/yaml-tiny
    filename: model.safetensors
    model_params:
      num_layers: 1
      hidden_size: 8
      num_attention_heads: 2
      image_tokens_per_dim: 2
      text_seq_length: 3
      use_masks: true
      cogview_sandwich_layernorm: true
      cogview_pb_relax: false
      vocab_size: 7
      image_vocab_size: 5
`), 0644))
	names, err := LoadRegistryFile(registryPath)
	require.NoError(t, err)
	require.Equal(t, []string{"yaml-tiny"}, names)

	entry, found := Lookup("yaml-tiny")
	require.True(t, found)
	require.Equal(t, weights.FormatSafetensors, entry.CheckpointFormat())
	require.True(t, entry.Params.SandwichLayerNorm)
	require.False(t, entry.Params.PBRelax)
	require.Equal(t, 4, entry.Params.ImageSeqLength())

	module, err := New("yaml-tiny").Pretrained(false).Done()
	require.NoError(t, err)
	require.Equal(t, 1, module.Config().NumLayers)

	_, err = LoadRegistryFile(registryPath)
	require.Error(t, err, "already registered")

	_, err = ParseRegistry([]byte("models: [oops"))
	require.Error(t, err)
}

func TestFetch(t *testing.T) {
	server, requests := fakeHub(t)
	cacheDir := t.TempDir()
	checkpointPath, err := New(tinyName).Endpoint(server.URL).CacheDir(cacheDir).Fetch()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cacheDir, tinyName, "pytorch_model.bin"), checkpointPath)
	require.Equal(t, int32(1), requests.Load())

	_, err = New(tinyName).Endpoint(server.URL).CacheDir(cacheDir).Fetch()
	require.NoError(t, err)
	require.Equal(t, int32(1), requests.Load())

	_, err = New("Kandinsky").Fetch()
	require.ErrorIs(t, err, ErrUnknownModel)
}
