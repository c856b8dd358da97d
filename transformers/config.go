package transformers

import (
	"github.com/pkg/errors"
)

// Config of a ruDALL-E transformer. Field names follow the hyperparameters of the released checkpoints.
type Config struct {
	NumLayers         int `yaml:"num_layers"`
	HiddenSize        int `yaml:"hidden_size"`
	NumAttentionHeads int `yaml:"num_attention_heads"`

	EmbeddingDropoutProb float64 `yaml:"embedding_dropout_prob"`
	OutputDropoutProb    float64 `yaml:"output_dropout_prob"`
	AttentionDropoutProb float64 `yaml:"attention_dropout_prob"`

	// ImageTokensPerDim is the side of the grid of image tokens: an image is ImageTokensPerDim^2 tokens.
	ImageTokensPerDim int `yaml:"image_tokens_per_dim"`
	TextSeqLength     int `yaml:"text_seq_length"`

	// UseMasks enables the row/column/convolution sparse attention masks over image tokens.
	UseMasks bool `yaml:"use_masks"`

	// SandwichLayerNorm adds a layer norm to the output of attention and MLP before each residual addition
	// (CogView's sandwich layer norm).
	SandwichLayerNorm bool `yaml:"cogview_sandwich_layernorm"`

	// PBRelax enables CogView's precision-bottleneck relaxation of the attention scores, needed for float16.
	PBRelax bool `yaml:"cogview_pb_relax"`

	VocabSize      int `yaml:"vocab_size"`
	ImageVocabSize int `yaml:"image_vocab_size"`

	// FP16 tells the model it will be wrapped in a HalfModel. It is set by the factory, not by the registry.
	FP16 bool `yaml:"-"`
}

const (
	// PBRelaxAlpha scales down the attention scores before the softmax when Config.PBRelax is set.
	PBRelaxAlpha = 32.0

	// ConvKernelSize is the neighbourhood (in image tokens) visible to the convolution-like attention mask.
	ConvKernelSize = 11

	// LayerNormEpsilon used by all layer norms.
	LayerNormEpsilon = 1e-5
)

// Validate checks that the config describes a buildable model.
func (c *Config) Validate() error {
	switch {
	case c.NumLayers <= 0:
		return errors.Errorf("invalid transformer config: num_layers=%d must be > 0", c.NumLayers)
	case c.HiddenSize <= 0:
		return errors.Errorf("invalid transformer config: hidden_size=%d must be > 0", c.HiddenSize)
	case c.NumAttentionHeads <= 0 || c.HiddenSize%c.NumAttentionHeads != 0:
		return errors.Errorf("invalid transformer config: hidden_size=%d must be divisible by num_attention_heads=%d",
			c.HiddenSize, c.NumAttentionHeads)
	case c.ImageTokensPerDim <= 0 || c.TextSeqLength <= 0:
		return errors.Errorf("invalid transformer config: image_tokens_per_dim=%d and text_seq_length=%d must be > 0",
			c.ImageTokensPerDim, c.TextSeqLength)
	case c.VocabSize <= 0 || c.ImageVocabSize <= 0:
		return errors.Errorf("invalid transformer config: vocab_size=%d and image_vocab_size=%d must be > 0",
			c.VocabSize, c.ImageVocabSize)
	}
	for _, p := range []float64{c.EmbeddingDropoutProb, c.OutputDropoutProb, c.AttentionDropoutProb} {
		if p < 0 || p >= 1 {
			return errors.Errorf("invalid transformer config: dropout probability %g must be in [0, 1)", p)
		}
	}
	return nil
}

// HeadDim is the dimension of each attention head.
func (c *Config) HeadDim() int { return c.HiddenSize / c.NumAttentionHeads }

// ImageSeqLength is the number of image tokens.
func (c *Config) ImageSeqLength() int { return c.ImageTokensPerDim * c.ImageTokensPerDim }

// TotalSeqLength is the length of a full text+image sequence.
func (c *Config) TotalSeqLength() int { return c.TextSeqLength + c.ImageSeqLength() }

// TotalVocabSize is the size of the output logits: text vocabulary followed by the image vocabulary.
func (c *Config) TotalVocabSize() int { return c.VocabSize + c.ImageVocabSize }
