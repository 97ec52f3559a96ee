/*
Copyright 2023 The Splice Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package worker

import (
	"github.com/saint0x/zap-splice/pkg/protocol"

	"github.com/nuclio/errors"
)

// Registry is the worker's static function table. Registration happens
// before the runtime loop starts; lookups afterwards are read-only, so no
// locking is needed.
type Registry struct {
	exports map[string]*Export
	ordered []protocol.ExportMetadata
}

func NewRegistry() *Registry {
	return &Registry{
		exports: map[string]*Export{},
	}
}

// Register adds a unary function. Names are unique per worker.
func (r *Registry) Register(metadata protocol.ExportMetadata, handler Handler) error {
	metadata.IsStreaming = false

	return r.register(&Export{
		Metadata: metadata,
		Handler:  handler,
	})
}

// RegisterStreaming adds a streaming function
func (r *Registry) RegisterStreaming(metadata protocol.ExportMetadata, handler StreamHandler) error {
	metadata.IsStreaming = true

	return r.register(&Export{
		Metadata:      metadata,
		StreamHandler: handler,
	})
}

func (r *Registry) register(export *Export) error {
	if export.Metadata.Name == "" {
		return errors.New("Export name is required")
	}

	if _, found := r.exports[export.Metadata.Name]; found {
		return errors.Errorf("Export %q already registered", export.Metadata.Name)
	}

	r.exports[export.Metadata.Name] = export
	r.ordered = append(r.ordered, export.Metadata)

	return nil
}

// Get returns the export for a name, or nil when no such function exists
func (r *Registry) Get(functionName string) *Export {
	return r.exports[functionName]
}

// Exports returns the metadata of all registered functions in registration
// order
func (r *Registry) Exports() []protocol.ExportMetadata {
	return r.ordered
}

// Len returns the number of registered functions
func (r *Registry) Len() int {
	return len(r.exports)
}
