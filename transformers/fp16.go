package transformers

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// HalfModel wraps a Model to run in float16.
//
// Weights already loaded are converted to float16 (halving their memory), the activations are computed
// in float16 (except layer norm statistics), and logits are returned in float32.
type HalfModel struct {
	*Model
}

var _ Module = (*HalfModel)(nil)

// NewHalfModel wraps model. The model should not be used directly afterward.
func NewHalfModel(model *Model) *HalfModel {
	h := &HalfModel{Model: model}
	model.mu.Lock()
	defer model.mu.Unlock()
	model.computeDType = dtypes.Float16
	model.forwardFn = h.ForwardGraph
	model.exec = nil
	var converted int
	model.ctx.EnumerateVariables(func(v *context.Variable) {
		value := v.Value()
		if value == nil || value.DType() != dtypes.Float32 {
			// Not materialized yet: converted on the fly in the graph.
			return
		}
		v.SetValue(toFloat16(value))
		converted++
	})
	klog.V(1).Infof("converted %d variables to float16", converted)
	return h
}

// toFloat16 converts a float32 tensor to float16 on the host.
func toFloat16(t *tensors.Tensor) *tensors.Tensor {
	half := tensors.FromShape(shapes.Make(dtypes.Float16, t.Shape().Dimensions...))
	tensors.ConstFlatData(t, func(src []float32) {
		tensors.MutableFlatData(half, func(dst []float16.Float16) {
			for ii, v := range src {
				dst[ii] = float16.Fromfloat32(v)
			}
		})
	})
	return half
}

// Unwrap returns the wrapped model.
func (h *HalfModel) Unwrap() *Model { return h.Model }

// ForwardGraph implements Module: it returns float32 logits.
func (h *HalfModel) ForwardGraph(ctx *context.Context, inputIDs *Node) *Node {
	return ConvertDType(h.Model.ForwardGraph(ctx, inputIDs), dtypes.Float32)
}
