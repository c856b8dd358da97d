package transformers

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// maskedValue is subtracted from the scores of masked positions. It fits in float16.
const maskedValue = 10000.0

// selfAttention over x shaped [batchSize, seqLen, hiddenSize].
//
// mask is shaped [seqLen, seqLen] or [batchSize, seqLen, seqLen], with 1 where a query (row) attends a key (column)
// and 0 elsewhere.
func selfAttention(ctx *context.Context, config *Config, x, mask *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]
	numHeads, headDim := config.NumAttentionHeads, config.HeadDim()

	// B = batchSize
	// T, S = sequence length (query and key)
	// N = config.NumAttentionHeads
	// H = config.HeadDim()
	// query_key_value packs [q|k|v] on its output axis, each of size hiddenSize.
	qkv := Reshape(linear(ctx.In("query_key_value"), x), batchSize, seqLen, 3, numHeads, headDim)
	query := Squeeze(Slice(qkv, AxisRange(), AxisRange(), AxisElem(0)), 2)
	key := Squeeze(Slice(qkv, AxisRange(), AxisRange(), AxisElem(1)), 2)
	value := Squeeze(Slice(qkv, AxisRange(), AxisRange(), AxisElem(2)), 2)

	normalization := math.Sqrt(float64(headDim))
	if config.PBRelax {
		normalization *= PBRelaxAlpha
	}
	query = DivScalar(query, normalization)
	scores := Einsum("BTNH,BSNH->BNTS", query, key)

	mask = ConvertDType(mask, scores.DType())
	if mask.Rank() == 3 {
		// Per-example mask: broadcast over heads.
		mask = Reshape(mask, batchSize, 1, seqLen, seqLen)
	}
	mask = ExpandLeftToRank(mask, scores.Rank())
	scores = Sub(Mul(scores, mask), MulScalar(OneMinus(mask), maskedValue))
	if config.PBRelax {
		maxScores := StopGradient(ReduceAndKeep(scores, ReduceMax, -1))
		scores = MulScalar(Sub(scores, maxScores), PBRelaxAlpha)
	}
	probs := Softmax(scores, -1)
	probs = dropout(ctx, probs, config.AttentionDropoutProb)

	output := Einsum("BNTS,BSNH->BTNH", probs, value)
	output = Reshape(output, batchSize, seqLen, numHeads*headDim)
	output = linear(ctx.In("dense"), output)
	return dropout(ctx, output, config.OutputDropoutProb)
}

// transformerLayer is a pre-layernorm transformer block, with optional sandwich layer norms applied to the
// attention and MLP outputs before their residual additions.
func transformerLayer(ctx *context.Context, config *Config, x, mask *Node) *Node {
	attention := selfAttention(ctx.In("attention"), config, layerNorm(ctx.In("input_layernorm"), x), mask)
	if config.SandwichLayerNorm {
		attention = layerNorm(ctx.In("before_first_addition_layernorm"), attention)
	}
	x = Add(x, attention)

	mlpOutput := mlp(ctx.In("mlp"), config, layerNorm(ctx.In("post_attention_layernorm"), x))
	if config.SandwichLayerNorm {
		mlpOutput = layerNorm(ctx.In("before_second_addition_layernorm"), mlpOutput)
	}
	return Add(x, mlpOutput)
}

func declareTransformerLayer(ctx *context.Context, config *Config) {
	hidden := config.HiddenSize
	declareLayerNorm(ctx.In("input_layernorm"), hidden)
	declareLinear(ctx.In("attention").In("query_key_value"), hidden, 3*hidden)
	declareLinear(ctx.In("attention").In("dense"), hidden, hidden)
	declareLayerNorm(ctx.In("post_attention_layernorm"), hidden)
	declareLinear(ctx.In("mlp").In("dense_h_to_4h"), hidden, 4*hidden)
	declareLinear(ctx.In("mlp").In("dense_4h_to_h"), 4*hidden, hidden)
	if config.SandwichLayerNorm {
		declareLayerNorm(ctx.In("before_first_addition_layernorm"), hidden)
		declareLayerNorm(ctx.In("before_second_addition_layernorm"), hidden)
	}
}
