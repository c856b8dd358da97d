package models

import (
	"sync"

	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"github.com/shonenkov/ru-dalle/transformers"
	"github.com/shonenkov/ru-dalle/weights"
)

// Entry of the model registry: the architecture hyperparameters of a named model and where to find its checkpoint.
type Entry struct {
	Name string `yaml:"name"`

	// Description is logged after the pretrained model is loaded.
	Description     string `yaml:"description"`
	FullDescription string `yaml:"full_description"`

	Params transformers.Config `yaml:"model_params"`

	// RepoID and Filename locate the checkpoint in the hub, at Revision (default "main").
	RepoID   string `yaml:"repo_id"`
	Filename string `yaml:"filename"`
	Revision string `yaml:"revision"`

	// Format of the checkpoint. If empty it is inferred from Filename.
	Format weights.Format `yaml:"format"`
}

// CheckpointFormat returns Format, or the format inferred from Filename if not set.
func (e *Entry) CheckpointFormat() weights.Format {
	if e.Format != weights.FormatUnknown {
		return e.Format
	}
	return weights.FormatFromFilename(e.Filename)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Entry)
)

// Register a model. It fails if the name is empty, already registered, or if its params are not valid.
//
// Models should be registered at initialization time: the registry is meant to be read-only afterward.
func Register(entry Entry) error {
	if entry.Name == "" {
		return errors.New("can't register model with an empty name")
	}
	if err := entry.Params.Validate(); err != nil {
		return errors.WithMessagef(err, "can't register model %q", entry.Name)
	}
	switch entry.Format {
	case weights.FormatUnknown, weights.FormatPyTorch, weights.FormatSafetensors:
	default:
		return errors.Errorf("can't register model %q: unknown checkpoint format %q", entry.Name, entry.Format)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, found := registry[entry.Name]; found {
		return errors.Errorf("model %q already registered", entry.Name)
	}
	registry[entry.Name] = &entry
	return nil
}

// MustRegister is like Register, but panics on error. Used by the built-in models.
func MustRegister(entry Entry) {
	if err := Register(entry); err != nil {
		panic(err)
	}
}

// Lookup returns a copy of the registry entry for name.
func Lookup(name string) (Entry, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	entry, found := registry[name]
	if !found {
		return Entry{}, false
	}
	return *entry, true
}

// Names of the registered models, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return xslices.SortedKeys(registry)
}
