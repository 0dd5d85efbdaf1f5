package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

const (
	ManifestVersion = "1.0"
	ManifestFormat  = "ONNX"
	OpsetVersion    = 11

	groupCompressors = "autoencoders"
	groupEnhancers   = "enhancement"
)

// Manifest mirrors models_info.json. Entries are grouped by family and keyed
// by bottleneck size (compressors) or model id (enhancers). Shapes include the
// batch axis; an entry without shapes inherits the top-level ones.
type Manifest struct {
	Version      string                          `json:"version"`
	ConvertedAt  string                          `json:"converted_at,omitempty"`
	TotalModels  int                             `json:"total_models"`
	Models       map[string]map[string]ModelInfo `json:"models"`
	InputShape   []int64                         `json:"input_shape"`
	OutputShape  []int64                         `json:"output_shape"`
	Format       string                          `json:"format"`
	OpsetVersion int                             `json:"opset_version"`
}

// ModelInfo describes one converted model file.
type ModelInfo struct {
	File        string  `json:"file"`
	Type        string  `json:"type,omitempty"`
	Compression string  `json:"compression,omitempty"`
	Quality     string  `json:"quality,omitempty"`
	UseCase     string  `json:"use_case,omitempty"`
	InputShape  []int64 `json:"input_shape,omitempty"`
	OutputShape []int64 `json:"output_shape,omitempty"`
	Validated   bool    `json:"validated"`
}

// NewManifest returns an empty manifest with the default shapes.
func NewManifest() *Manifest {
	return &Manifest{
		Version:      ManifestVersion,
		Models:       map[string]map[string]ModelInfo{},
		InputShape:   DefaultShape.Dims(),
		OutputShape:  DefaultShape.Dims(),
		Format:       ManifestFormat,
		OpsetVersion: OpsetVersion,
	}
}

// ReadManifest loads a manifest file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m := NewManifest()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Models == nil {
		m.Models = map[string]map[string]ModelInfo{}
	}
	return m, nil
}

// WriteManifest writes m next to its model files through a temp file rename.
func WriteManifest(path string, m *Manifest) error {
	m.TotalModels = 0
	for _, group := range m.Models {
		m.TotalModels += len(group)
	}
	if m.ConvertedAt == "" {
		m.ConvertedAt = time.Now().Format("2006-01-02")
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, path)
}

// Put records a validated artifact. The file path is stored relative to dir.
func (m *Manifest) Put(dir string, a Artifact) {
	group, key := groupKey(a)
	if m.Models[group] == nil {
		m.Models[group] = map[string]ModelInfo{}
	}

	file := a.Path
	if rel, err := filepath.Rel(dir, a.Path); err == nil {
		file = rel
	}

	info := ModelInfo{
		File:        filepath.ToSlash(file),
		InputShape:  a.InputShape.Dims(),
		OutputShape: a.OutputShape.Dims(),
		Validated:   a.Validated,
	}
	if a.Kind == KindCompressor {
		info.Compression, info.Quality, info.UseCase = compressorProfile(a.Parameter)
	} else {
		info.Type = "super_resolution"
		info.UseCase = "image_enhancement"
	}
	m.Models[group][key] = info
}

// Artifacts expands the manifest into artifacts rooted at dir, sorted by kind
// then key. Entries that cannot be expanded are reported in rejected.
func (m *Manifest) Artifacts(dir string) (artifacts []Artifact, rejected map[string]error) {
	rejected = map[string]error{}
	for _, group := range []string{groupCompressors, groupEnhancers} {
		entries := m.Models[group]
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			info := entries[key]
			a, err := m.artifact(dir, group, key, info)
			if err != nil {
				rejected[group+"/"+key] = err
				continue
			}
			artifacts = append(artifacts, a)
		}
	}
	return artifacts, rejected
}

func (m *Manifest) artifact(dir, group, key string, info ModelInfo) (Artifact, error) {
	inDims, outDims := info.InputShape, info.OutputShape
	if len(inDims) == 0 {
		inDims = m.InputShape
	}
	if len(outDims) == 0 {
		outDims = m.OutputShape
	}
	in, err := ShapeFromDims(inDims)
	if err != nil {
		return Artifact{}, err
	}
	out, err := ShapeFromDims(outDims)
	if err != nil {
		return Artifact{}, err
	}

	a := Artifact{
		InputShape:  in,
		OutputShape: out,
		Path:        filepath.Join(dir, filepath.FromSlash(info.File)),
		Validated:   info.Validated,
	}
	switch group {
	case groupCompressors:
		level, err := strconv.Atoi(key)
		if err != nil {
			return Artifact{}, fmt.Errorf("compressor key %q is not a bottleneck size", key)
		}
		a.ID = fmt.Sprintf("autoencoder_b%d", level)
		a.Kind = KindCompressor
		a.Parameter = level
	default:
		a.ID = key
		a.Kind = KindEnhancer
	}
	return a, a.Check()
}

func groupKey(a Artifact) (string, string) {
	if a.Kind == KindCompressor {
		return groupCompressors, strconv.Itoa(a.Parameter)
	}
	return groupEnhancers, a.ID
}

func compressorProfile(level int) (compression, quality, useCase string) {
	switch {
	case level <= 8:
		return "high", "low", "slow_networks"
	case level <= 16:
		return "medium", "medium", "normal_networks"
	default:
		return "low", "high", "fast_networks"
	}
}
