package model

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/utils"
)

// Registry holds the artifacts loaded at startup. It is read-only after
// construction and safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	compressors map[int]Artifact
	enhancers   map[string]Artifact
	rejected    map[string]string
}

// Status summarises the registry for the models status endpoint.
type Status struct {
	Compressors []Artifact        `json:"compressors"`
	Enhancers   []Artifact        `json:"enhancers"`
	Rejected    map[string]string `json:"rejected,omitempty"`
}

// NewRegistry registers artifacts directly. Artifacts that are not validated
// or violate the shape invariant are rejected and recorded.
func NewRegistry(artifacts ...Artifact) *Registry {
	r := &Registry{
		compressors: map[int]Artifact{},
		enhancers:   map[string]Artifact{},
		rejected:    map[string]string{},
	}
	for _, a := range artifacts {
		r.add(a)
	}
	return r
}

// LoadRegistry reads the manifest at path and registers every validated
// artifact whose file exists. A missing manifest yields an empty registry.
func LoadRegistry(path string, logger *utils.Logger) (*Registry, error) {
	r := NewRegistry()
	if path == "" {
		return r, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.WarnTag("MODEL", "manifest %s not found, no models loaded", path)
		return r, nil
	}

	manifest, err := ReadManifest(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfig, "model.registry.load", "failed to load model manifest", err)
	}

	artifacts, rejected := manifest.Artifacts(filepath.Dir(path))
	for key, rerr := range rejected {
		r.rejected[key] = rerr.Error()
		logger.WarnTag("MODEL", "manifest entry %s rejected: %v", key, rerr)
	}
	for _, a := range artifacts {
		if _, err := os.Stat(a.Path); err != nil {
			r.rejected[a.ID] = "model file missing: " + a.Path
			logger.WarnTag("MODEL", "model %s file missing: %s", a.ID, a.Path)
			continue
		}
		if r.add(a) {
			logger.InfoTag("MODEL", "loaded %s %s shape=%s", a.Kind, a.ID, a.InputShape)
		} else {
			logger.WarnTag("MODEL", "model %s skipped: %s", a.ID, r.rejected[a.ID])
		}
	}
	return r, nil
}

func (r *Registry) add(a Artifact) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !a.Validated {
		r.rejected[a.ID] = "artifact not validated"
		return false
	}
	if err := a.Check(); err != nil {
		r.rejected[a.ID] = err.Error()
		return false
	}
	switch a.Kind {
	case KindCompressor:
		r.compressors[a.Parameter] = a
	case KindEnhancer:
		r.enhancers[a.ID] = a
	}
	return true
}

// Compressor returns the compressor for a bottleneck size.
func (r *Registry) Compressor(level int) (Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.compressors[level]
	if !ok {
		return Artifact{}, errors.Newf(errors.KindModelUnavailable, "model.registry.compressor", "no compressor for level %d", level)
	}
	return a, nil
}

// Enhancer returns the enhancer with the given id, or the only enhancer when
// id is empty.
func (r *Registry) Enhancer(id string) (Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" && len(r.enhancers) == 1 {
		for _, a := range r.enhancers {
			return a, nil
		}
	}
	a, ok := r.enhancers[id]
	if !ok {
		return Artifact{}, errors.Newf(errors.KindModelUnavailable, "model.registry.enhancer", "enhancer %q not loaded", id)
	}
	return a, nil
}

// CompressorLevels lists the loaded bottleneck sizes in ascending order.
func (r *Registry) CompressorLevels() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	levels := make([]int, 0, len(r.compressors))
	for level := range r.compressors {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	return levels
}

func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{
		Compressors: make([]Artifact, 0, len(r.compressors)),
		Enhancers:   make([]Artifact, 0, len(r.enhancers)),
	}
	for _, a := range r.compressors {
		status.Compressors = append(status.Compressors, a)
	}
	for _, a := range r.enhancers {
		status.Enhancers = append(status.Enhancers, a)
	}
	sort.Slice(status.Compressors, func(i, j int) bool {
		return status.Compressors[i].Parameter < status.Compressors[j].Parameter
	})
	sort.Slice(status.Enhancers, func(i, j int) bool {
		return status.Enhancers[i].ID < status.Enhancers[j].ID
	})
	if len(r.rejected) > 0 {
		status.Rejected = make(map[string]string, len(r.rejected))
		for k, v := range r.rejected {
			status.Rejected[k] = v
		}
	}
	return status
}
