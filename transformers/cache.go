package transformers

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/shonenkov/ru-dalle/trees"
)

// Names of the attention masks in MaskCache.Data, under "masks".
const (
	MaskCausal = "causal"
	MaskRow    = "row"
	MaskColumn = "col"
	MaskConv   = "conv"
)

// MaskCache holds the constant tensors shared by every forward pass of a model: attention masks and
// position indices. They only depend on the Config, so they are built once per model.
//
// Data is organized as:
//
//	masks/{causal,row,col,conv}: float32[TotalSeqLength, TotalSeqLength], 1 where query (row) can attend key (column).
//	positions/text: int32[TextSeqLength]
//	positions/image_row, positions/image_col: int32[ImageSeqLength]
type MaskCache struct {
	// Config of the model.
	Config *Config

	// Data holds the cached tensors.
	Data *trees.Tree[*tensors.Tensor]
}

// NewMaskCache builds all masks and positions for config.
func NewMaskCache(config *Config) (*MaskCache, error) {
	c := &MaskCache{
		Config: config,
		Data:   trees.New[*tensors.Tensor](),
	}
	textLen, perDim := config.TextSeqLength, config.ImageTokensPerDim
	shift := ConvKernelSize / 2
	wrapped := func(diff int) bool {
		diff = ((diff % perDim) + perDim) % perDim
		return diff <= shift || diff >= perDim-shift
	}
	allowed := map[string]func(query, key int) bool{
		MaskCausal: func(_, _ int) bool { return true },
		// Image keys are visible to the following ImageTokensPerDim tokens.
		MaskRow: func(query, key int) bool { return query-key <= perDim },
		// Image keys are visible to tokens in the same column.
		MaskColumn: func(query, key int) bool { return (query-key)%perDim == 0 },
		// Image keys are visible to image tokens within a ConvKernelSize window (wrapping around the edges).
		MaskConv: func(query, key int) bool {
			if query == key {
				return true
			}
			if query < textLen {
				return false
			}
			q, k := query-textLen, key-textLen
			return wrapped(q/perDim-k/perDim) && wrapped(q%perDim-k%perDim)
		},
	}
	for name, fn := range allowed {
		if err := c.Data.Set(trees.Path{"masks", name}, buildMask(config, fn)); err != nil {
			return nil, errors.WithMessage(err, "in NewMaskCache()")
		}
	}

	positions := map[string]func(int) int32{
		"image_row": func(ii int) int32 { return int32(ii / perDim) },
		"image_col": func(ii int) int32 { return int32(ii % perDim) },
	}
	for name, fn := range positions {
		if err := c.Data.Set(trees.Path{"positions", name}, buildPositions(config.ImageSeqLength(), fn)); err != nil {
			return nil, errors.WithMessage(err, "in NewMaskCache()")
		}
	}
	err := c.Data.Set(trees.Path{"positions", "text"},
		buildPositions(textLen, func(ii int) int32 { return int32(ii) }))
	if err != nil {
		return nil, errors.WithMessage(err, "in NewMaskCache()")
	}
	return c, nil
}

// buildMask returns the causal mask further restricted by imageFn on pairs of image (query, key) tokens.
func buildMask(config *Config, imageFn func(query, key int) bool) *tensors.Tensor {
	size := config.TotalSeqLength()
	textLen := config.TextSeqLength
	mask := tensors.FromShape(shapes.Make(dtypes.Float32, size, size))
	tensors.MutableFlatData(mask, func(flat []float32) {
		for query := range size {
			row := flat[query*size : (query+1)*size]
			for key := 0; key <= query; key++ {
				if key < textLen || imageFn(query, key) {
					row[key] = 1
				}
			}
		}
	})
	return mask
}

func buildPositions(length int, fn func(int) int32) *tensors.Tensor {
	positions := tensors.FromShape(shapes.Make(dtypes.Int32, length))
	tensors.MutableFlatData(positions, func(flat []int32) {
		for ii := range flat {
			flat[ii] = fn(ii)
		}
	})
	return positions
}

// LayerMaskName returns which mask is used by the transformer layer layerIdx.
// Without Config.UseMasks all layers are simply causal.
func (c *MaskCache) LayerMaskName(layerIdx int) string {
	switch {
	case !c.Config.UseMasks:
		return MaskCausal
	case (layerIdx-1)%4 == 0:
		return MaskColumn
	case layerIdx != c.Config.NumLayers-1:
		return MaskRow
	default:
		return MaskConv
	}
}

// Mask returns the named attention mask.
func (c *MaskCache) Mask(name string) *tensors.Tensor {
	t, _ := c.Data.Get(trees.Path{"masks", name})
	return t
}

// Positions returns the named positions tensor ("text", "image_row" or "image_col").
func (c *MaskCache) Positions(name string) *tensors.Tensor {
	t, _ := c.Data.Get(trees.Path{"positions", name})
	return t
}
