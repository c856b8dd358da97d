package transformers

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Variables are declared once, when the model is created, with the same names and shapes (PyTorch's
// [out, in] for linear weights) as the released checkpoints. Graph building only reads them back with
// weight(), so that their values can later change dtype (see HalfModel).

func declareLinear(ctx *context.Context, inputDim, outputDim int) {
	ctx.VariableWithShape("weight", shapes.Make(dtypes.Float32, outputDim, inputDim))
	ctx.WithInitializer(initializers.Zero).VariableWithShape("bias", shapes.Make(dtypes.Float32, outputDim))
}

func declareLayerNorm(ctx *context.Context, dim int) {
	ctx.WithInitializer(initializers.One).VariableWithShape("weight", shapes.Make(dtypes.Float32, dim))
	ctx.WithInitializer(initializers.Zero).VariableWithShape("bias", shapes.Make(dtypes.Float32, dim))
}

func declareEmbedding(ctx *context.Context, numEmbeddings, dim int) {
	ctx.VariableWithShape("weight", shapes.Make(dtypes.Float32, numEmbeddings, dim))
}

// weight returns the variable name of the current scope of ctx, converted to dtype.
func weight(ctx *context.Context, g *Graph, name string, dtype dtypes.DType) *Node {
	v := ctx.InspectVariable(ctx.Scope(), name)
	if v == nil {
		exceptions.Panicf("variable %q not declared in scope %q", name, ctx.Scope())
	}
	value := v.ValueGraph(g)
	if value.DType() != dtype {
		value = ConvertDType(value, dtype)
	}
	return value
}

// linear computes x*W^T+b over the last axis of x.
func linear(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	w := weight(ctx, g, "weight", x.DType())
	outputDim, inputDim := w.Shape().Dimensions[0], w.Shape().Dimensions[1]
	dims := slices.Clone(x.Shape().Dimensions)
	if dims[len(dims)-1] != inputDim {
		exceptions.Panicf("linear layer in scope %q expects input dimension %d, got shape %s",
			ctx.Scope(), inputDim, x.Shape())
	}
	flat := Reshape(x, x.Shape().Size()/inputDim, inputDim)
	y := Einsum("ni,oi->no", flat, w)
	dims[len(dims)-1] = outputDim
	y = Reshape(y, dims...)
	b := weight(ctx, g, "bias", x.DType())
	return Add(y, ExpandLeftToRank(b, y.Rank()))
}

// layerNorm normalizes the last axis to zero mean and unit variance, and applies a learned scale and offset.
// Statistics are always computed in float32, even if x is float16.
func layerNorm(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	if dtype != dtypes.Float32 {
		x = ConvertDType(x, dtypes.Float32)
	}
	mean := ReduceAndKeep(x, ReduceMean, -1)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, -1)
	normalized := Mul(centered, Rsqrt(AddScalar(variance, LayerNormEpsilon)))

	scale := ExpandLeftToRank(weight(ctx, g, "weight", dtypes.Float32), normalized.Rank())
	offset := ExpandLeftToRank(weight(ctx, g, "bias", dtypes.Float32), normalized.Rank())
	normalized = Add(Mul(normalized, scale), offset)
	if dtype != dtypes.Float32 {
		normalized = ConvertDType(normalized, dtype)
	}
	return normalized
}

// embed looks up ids (any shape, integer) in the embedding table of the scope, returning ids.shape + [dim].
func embed(ctx *context.Context, ids *Node, dtype dtypes.DType) *Node {
	table := weight(ctx, ids.Graph(), "weight", dtype)
	indices := Reshape(ids, append(slices.Clone(ids.Shape().Dimensions), 1)...)
	return Gather(table, indices)
}

// gelu uses the tanh approximation, as Megatron-style models are trained with.
func gelu(x *Node) *Node {
	inner := MulScalar(Mul(x, AddScalar(MulScalar(Square(x), 0.044715), 1.0)), math.Sqrt(2.0/math.Pi))
	return MulScalar(Mul(x, OnePlus(Tanh(inner))), 0.5)
}

// mlp is the transformer feed-forward block: hidden -> 4*hidden -> hidden.
func mlp(ctx *context.Context, config *Config, x *Node) *Node {
	h := gelu(linear(ctx.In("dense_h_to_4h"), x))
	h = linear(ctx.In("dense_4h_to_h"), h)
	return dropout(ctx, h, config.OutputDropoutProb)
}

// dropout is only applied while training.
func dropout(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 || !ctx.IsTraining(x.Graph()) {
		return x
	}
	return layers.DropoutStatic(ctx, x, rate)
}
