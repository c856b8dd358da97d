package models

import "github.com/shonenkov/ru-dalle/transformers"

// Small is the name of the small configuration. It has no published checkpoint, so it is only
// usable with pretrained disabled (or after registering a checkpoint for it).
const Small = "small"

func init() {
	MustRegister(Entry{
		Name: Small,
		Params: transformers.Config{
			NumLayers:            12,
			HiddenSize:           768,
			NumAttentionHeads:    12,
			EmbeddingDropoutProb: 0.1,
			OutputDropoutProb:    0.1,
			AttentionDropoutProb: 0.1,
			ImageTokensPerDim:    32,
			TextSeqLength:        128,
			UseMasks:             true,
			SandwichLayerNorm:    true,
			PBRelax:              true,
			VocabSize:            16384 + 128,
			ImageVocabSize:       8192,
		},
	})
}
