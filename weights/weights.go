// Package weights reads ruDALL-E checkpoints into trees of tensors, and merges them into a model's variables.
package weights

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"github.com/shonenkov/ru-dalle/trees"
	"k8s.io/klog/v2"
)

// Format of a checkpoint.
type Format string

const (
	FormatUnknown     Format = ""
	FormatPyTorch     Format = "pytorch"
	FormatSafetensors Format = "safetensors"
)

// WrapperKey is the top-level key under which some training frameworks (e.g. DeepSpeed) save the model state dict.
const WrapperKey = "module"

// FormatFromFilename guesses the checkpoint format from its extension.
func FormatFromFilename(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".bin", ".pt", ".pth", ".ckpt":
		return FormatPyTorch
	case ".safetensors":
		return FormatSafetensors
	}
	return FormatUnknown
}

// Load reads the checkpoint file into a tree of tensors, see FromPickle for its structure.
// Tensors are always loaded to host memory, regardless of the device they were saved from.
func Load(checkpointPath string) (*trees.Tree[*tensors.Tensor], error) {
	checkpointPath = data.ReplaceTildeInDir(checkpointPath)
	switch format := FormatFromFilename(checkpointPath); format {
	case FormatPyTorch:
		return ReadPyTorch(checkpointPath)
	default:
		return nil, errors.Errorf("can't load checkpoint %q: unsupported format %q (by extension)", checkpointPath, format)
	}
}

// Unwrap returns the sub-tree under key if the root of tree holds one, and whether it was unwrapped.
// Otherwise it returns tree itself. Only nested state dicts are unwrapped: flat parameter names that
// merely start with key + "." are leaves of the root, not a sub-tree.
func Unwrap[T any](tree *trees.Tree[T], key string) (*trees.Tree[T], bool) {
	if sub := tree.SubTree(key); sub != nil {
		return sub, true
	}
	return tree, false
}

// LoadReport tells how the checkpoint parameters matched the model variables.
// All names use the PyTorch dotted convention.
type LoadReport struct {
	// Loaded parameters.
	Loaded []string

	// Missing are model variables not present in the checkpoint: they keep their initialization.
	Missing []string

	// Unexpected are checkpoint parameters that don't match any model variable.
	Unexpected []string

	// Mismatched are parameters present in both, but with different shapes. They are not loaded.
	Mismatched []string
}

// String implements fmt.Stringer.
func (r *LoadReport) String() string {
	return fmt.Sprintf("%d loaded, %d missing, %d unexpected, %d mismatched",
		len(r.Loaded), len(r.Missing), len(r.Unexpected), len(r.Mismatched))
}

// VariableName converts a variable's scope and name to the PyTorch dotted convention:
// scope "/transformer/layers/0/attention/dense", name "weight" becomes "transformer.layers.0.attention.dense.weight".
func VariableName(v *context.Variable) string {
	scope := strings.Trim(v.Scope(), context.ScopeSeparator)
	if scope == "" {
		return v.Name()
	}
	return strings.ReplaceAll(scope, context.ScopeSeparator, ".") + "." + v.Name()
}

// Apply merges the checkpoint into the variables of ctx, non-strictly: names found on only one side
// and shape mismatches are skipped and listed in the report, not treated as errors.
// Floating point parameters saved with another precision (e.g. float16) are converted to the
// dtype of the variable, if their dimensions match.
//
// The tensors of the checkpoint are handed over to the variables: they shouldn't be used afterward.
func Apply(ctx *context.Context, checkpoint *trees.Tree[*tensors.Tensor]) *LoadReport {
	report := &LoadReport{}
	variables := make(map[string]*context.Variable)
	ctx.EnumerateVariables(func(v *context.Variable) {
		variables[VariableName(v)] = v
	})
	loaded := make(map[string]bool)
	parameters := checkpoint.Flatten(".")
	for _, name := range xslices.SortedKeys(parameters) {
		tensor := parameters[name]
		v, found := variables[name]
		if !found {
			report.Unexpected = append(report.Unexpected, name)
			continue
		}
		if !v.Shape().Equal(tensor.Shape()) && v.Shape().EqualDimensions(tensor.Shape()) {
			if converted, ok := convertFloat(tensor, v.Shape().DType); ok {
				klog.V(2).Infof("checkpoint parameter %q converted from %s to %s", name, tensor.DType(), v.Shape().DType)
				tensor = converted
			}
		}
		if !v.Shape().Equal(tensor.Shape()) {
			klog.V(1).Infof("checkpoint parameter %q shaped %s, model variable shaped %s: skipped",
				name, tensor.Shape(), v.Shape())
			report.Mismatched = append(report.Mismatched, name)
			continue
		}
		v.SetValue(tensor)
		loaded[name] = true
		report.Loaded = append(report.Loaded, name)
	}
	for name := range variables {
		if !loaded[name] && !slices.Contains(report.Mismatched, name) {
			report.Missing = append(report.Missing, name)
		}
	}
	slices.Sort(report.Missing)
	return report
}
