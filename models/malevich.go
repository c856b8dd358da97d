package models

import "github.com/shonenkov/ru-dalle/transformers"

// Malevich is the name of the 1.3B parameters ruDALL-E model.
const Malevich = "Malevich"

func init() {
	MustRegister(Entry{
		Name:        Malevich,
		Description: "◼️ Malevich is 1.3 billion params model from the family GPT3-like, that uses Russian language and text+image multi-modality.",
		Params: transformers.Config{
			NumLayers:            24,
			HiddenSize:           2048,
			NumAttentionHeads:    16,
			EmbeddingDropoutProb: 0.1,
			OutputDropoutProb:    0.1,
			AttentionDropoutProb: 0.1,
			ImageTokensPerDim:    32,
			TextSeqLength:        128,
			UseMasks:             true,
			SandwichLayerNorm:    true,
			PBRelax:              true,
			VocabSize:            16384 + 128,
			ImageVocabSize:       8192 * 2,
		},
		RepoID:   "shonenkov/rudalle-Malevich",
		Filename: "pytorch_model.bin",
	})
}
