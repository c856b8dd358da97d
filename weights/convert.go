package weights

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// convertFloat converts a floating point tensor saved with another precision to float32, the dtype
// of the model variables. It returns false if the conversion is not supported.
func convertFloat(t *tensors.Tensor, to dtypes.DType) (*tensors.Tensor, bool) {
	if to != dtypes.Float32 {
		return nil, false
	}
	var converted []float32
	switch t.DType() {
	case dtypes.Float16:
		tensors.ConstFlatData(t, func(flat []float16.Float16) {
			converted = make([]float32, len(flat))
			for ii, v := range flat {
				converted[ii] = v.Float32()
			}
		})
	case dtypes.BFloat16:
		tensors.ConstFlatData(t, func(flat []bfloat16.BFloat16) {
			converted = make([]float32, len(flat))
			for ii, v := range flat {
				converted[ii] = v.Float32()
			}
		})
	case dtypes.Float64:
		tensors.ConstFlatData(t, func(flat []float64) {
			converted = convertSlice[float64, float32](flat)
		})
	default:
		return nil, false
	}
	return tensors.FromFlatDataAndDimensions(converted, t.Shape().Dimensions...), true
}
