package weights

import (
	"os"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/shonenkov/ru-dalle/trees"
	"github.com/vmihailenco/msgpack"
)

// MetadataSuffix is appended to a checkpoint file name to get the name of its metadata sidecar.
const MetadataSuffix = ".metadata"

// MetadataEntry holds information about one tensor.
type MetadataEntry struct {
	Name       string `msgpack:"name"`
	DType      string `msgpack:"dtype"`
	Dimensions []int  `msgpack:"dims"`
}

// Shape of the tensor described by the entry.
func (e MetadataEntry) Shape() (shapes.Shape, error) {
	dtype, err := dtypes.DTypeString(e.DType)
	if err != nil {
		return shapes.Shape{}, errors.Wrapf(err, "tensor %q has invalid dtype %q", e.Name, e.DType)
	}
	return shapes.Make(dtype, e.Dimensions...), nil
}

// Metadata describes the tensors of a checkpoint, without their contents.
type Metadata struct {
	// Checkpoint file name (base name) the metadata was generated from.
	Checkpoint string `msgpack:"checkpoint"`

	// Entries in the order of the checkpoint parameter names.
	Entries []MetadataEntry `msgpack:"entries"`
}

// NumParameters is the total number of scalars described.
func (m *Metadata) NumParameters() int {
	var total int
	for _, e := range m.Entries {
		size := 1
		for _, dim := range e.Dimensions {
			size *= dim
		}
		total += size
	}
	return total
}

// MetadataOf the tensors in tree.
func MetadataOf(checkpoint string, tree *trees.Tree[*tensors.Tensor]) *Metadata {
	m := &Metadata{Checkpoint: checkpoint}
	for p, t := range tree.OrderedLeaves() {
		m.Entries = append(m.Entries, MetadataEntry{
			Name:       p.String(),
			DType:      t.DType().String(),
			Dimensions: t.Shape().Dimensions,
		})
	}
	return m
}

// MetadataPath returns the path of the sidecar metadata file for the checkpoint.
func MetadataPath(checkpointPath string) string {
	return data.ReplaceTildeInDir(checkpointPath) + MetadataSuffix
}

// SaveMetadata writes the metadata sidecar of the checkpoint at checkpointPath.
func SaveMetadata(checkpointPath string, metadata *Metadata) (err error) {
	metadataPath := MetadataPath(checkpointPath)
	f, err := os.Create(metadataPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create metadata file %q", metadataPath)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "failed to close metadata file %q", metadataPath)
		}
	}()
	if err = msgpack.NewEncoder(f).Encode(metadata); err != nil {
		return errors.Wrapf(err, "failed to encode metadata into %q", metadataPath)
	}
	return nil
}

// LoadMetadata reads the metadata sidecar of the checkpoint at checkpointPath.
// It returns an error satisfying os.IsNotExist(errors.Cause(err)) if there is no sidecar.
func LoadMetadata(checkpointPath string) (*Metadata, error) {
	metadataPath := MetadataPath(checkpointPath)
	f, err := os.Open(metadataPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metadata file %q", metadataPath)
	}
	defer func() { _ = f.Close() }()
	metadata := &Metadata{}
	if err = msgpack.NewDecoder(f).Decode(metadata); err != nil {
		return nil, errors.Wrapf(err, "failed to decode metadata from %q", metadataPath)
	}
	return metadata, nil
}
