package weights

import (
	"fmt"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
	"github.com/shonenkov/ru-dalle/trees"
	"k8s.io/klog/v2"
)

// ReadPyTorch reads a checkpoint saved with torch.save (zip or legacy tar formats).
func ReadPyTorch(checkpointPath string) (*trees.Tree[*tensors.Tensor], error) {
	obj, err := pytorch.Load(checkpointPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read PyTorch checkpoint %q", checkpointPath)
	}
	tree, err := FromPickle(obj)
	if err != nil {
		return nil, errors.WithMessagef(err, "while converting PyTorch checkpoint %q", checkpointPath)
	}
	return tree, nil
}

// FromPickle converts an unpickled state dict -- possibly nested in other dicts -- into a tree of tensors.
// Nested dicts become sub-trees, and parameter names are kept whole: {"module": {"a.b": t}} is stored
// under the path {"module", "a.b"}, while a flat {"module.a.b": t} stays a single leaf.
// Non-tensor values (e.g. an "epoch" counter) are ignored.
func FromPickle(obj any) (*trees.Tree[*tensors.Tensor], error) {
	tree := trees.New[*tensors.Tensor]()
	if err := convertPickled(tree, nil, obj); err != nil {
		return nil, err
	}
	return tree, nil
}

func convertPickled(tree *trees.Tree[*tensors.Tensor], prefix trees.Path, obj any) error {
	switch value := obj.(type) {
	case *types.OrderedDict:
		for element := value.List.Front(); element != nil; element = element.Next() {
			entry := element.Value.(*types.OrderedDictEntry)
			if err := convertEntry(tree, prefix, entry.Key, entry.Value); err != nil {
				return err
			}
		}
	case *types.Dict:
		for _, key := range value.Keys() {
			entryValue, _ := value.Get(key)
			if err := convertEntry(tree, prefix, key, entryValue); err != nil {
				return err
			}
		}
	case *pytorch.Tensor:
		if len(prefix) == 0 {
			return errors.New("checkpoint holds a single tensor, not a state dict")
		}
		t, err := convertTensor(value)
		if err != nil {
			return errors.WithMessagef(err, "parameter %q", prefix)
		}
		if err := tree.Set(prefix, t); err != nil {
			return err
		}
	default:
		if len(prefix) == 0 {
			return errors.Errorf("checkpoint holds a %T, not a state dict", obj)
		}
		klog.V(2).Infof("checkpoint entry %q holds a %T, ignored", prefix, obj)
	}
	return nil
}

func convertEntry(tree *trees.Tree[*tensors.Tensor], prefix trees.Path, key, value any) error {
	keyStr, ok := key.(string)
	if !ok {
		keyStr = fmt.Sprint(key)
	}
	p := append(append(trees.Path{}, prefix...), keyStr)
	return convertPickled(tree, p, value)
}

// convertTensor copies the (possibly strided) view of a storage into a contiguous tensor.
// Floating point storages are converted to float32, the dtype of all model variables.
func convertTensor(t *pytorch.Tensor) (*tensors.Tensor, error) {
	switch storage := t.Source.(type) {
	case *pytorch.FloatStorage:
		return fromStorage(storage.Data, t)
	case *pytorch.HalfStorage:
		return fromStorage(storage.Data, t)
	case *pytorch.DoubleStorage:
		return fromStorage(convertSlice[float64, float32](storage.Data), t)
	case *pytorch.LongStorage:
		return fromStorage(storage.Data, t)
	case *pytorch.IntStorage:
		return fromStorage(storage.Data, t)
	case *pytorch.BoolStorage:
		return fromStorage(storage.Data, t)
	case *pytorch.ByteStorage:
		return fromStorage(storage.Data, t)
	default:
		return nil, errors.Errorf("unsupported PyTorch storage type %T", t.Source)
	}
}

func convertSlice[From, To float32 | float64](data []From) []To {
	converted := make([]To, len(data))
	for ii, v := range data {
		converted[ii] = To(v)
	}
	return converted
}

// tensorsDType lists the Go types accepted by tensors.FromFlatDataAndDimensions used here.
type tensorsDType interface {
	float32 | int64 | int32 | bool | uint8
}

func fromStorage[T tensorsDType](data []T, t *pytorch.Tensor) (*tensors.Tensor, error) {
	flat, err := contiguous(data, t.StorageOffset, t.Size, t.Stride)
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatDataAndDimensions(flat, t.Size...), nil
}

// contiguous gathers the elements of a strided view of data, in row-major order.
func contiguous[T any](data []T, offset int, dims, strides []int) ([]T, error) {
	if len(dims) != len(strides) {
		return nil, errors.Errorf("tensor with %d dimensions but %d strides", len(dims), len(strides))
	}
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	if size == 0 {
		return []T{}, nil
	}
	// Check the furthest element is within the storage.
	last := offset
	for axis, dim := range dims {
		last += (dim - 1) * strides[axis]
	}
	if offset < 0 || last >= len(data) {
		return nil, errors.Errorf("tensor view (offset=%d, size=%v, stride=%v) out of storage bounds (%d elements)",
			offset, dims, strides, len(data))
	}

	isContiguous := true
	expected := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		if dims[axis] != 1 && strides[axis] != expected {
			isContiguous = false
			break
		}
		expected *= dims[axis]
	}
	if isContiguous {
		return data[offset : offset+size], nil
	}

	flat := make([]T, 0, size)
	index := make([]int, len(dims))
	for range size {
		pos := offset
		for axis, i := range index {
			pos += i * strides[axis]
		}
		flat = append(flat, data[pos])
		// Increment the multi-dimensional index, last axis first.
		for axis := len(index) - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < dims[axis] {
				break
			}
			index[axis] = 0
		}
	}
	return flat, nil
}
