package models

import (
	"os"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// registryFile is the layout of a YAML file of extra models:
//
//	models:
//	  - name: my-model
//	    repo_id: me/my-model
//	    filename: pytorch_model.bin
//	    model_params:
//	      num_layers: 12
//	      ...
type registryFile struct {
	Models []Entry `yaml:"models"`
}

// ParseRegistry parses a YAML document of extra model entries, without registering them.
func ParseRegistry(contents []byte) ([]Entry, error) {
	var file registryFile
	if err := yaml.Unmarshal(contents, &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse models registry")
	}
	return file.Models, nil
}

// LoadRegistryFile registers all models described in the YAML file at filePath.
// It returns the names of the registered models.
func LoadRegistryFile(filePath string) ([]string, error) {
	filePath = data.ReplaceTildeInDir(filePath)
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read models registry %q", filePath)
	}
	entries, err := ParseRegistry(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "file %q", filePath)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err = Register(entry); err != nil {
			return names, errors.WithMessagef(err, "file %q", filePath)
		}
		names = append(names, entry.Name)
	}
	return names, nil
}
