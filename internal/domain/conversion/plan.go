package conversion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"dyzen-server-go/internal/domain/model"
	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/utils"
)

// ManifestName is the manifest file written next to the converted models.
const ManifestName = "models_info.json"

// DefaultLevels are the shipped autoencoder bottleneck sizes.
var DefaultLevels = []int{8, 16, 32}

// DefaultPlan lists the shipped checkpoints: one autoencoder per level plus
// the ESPCN enhancer.
func DefaultPlan(checkpointDir, outputDir string) []Request {
	plan := make([]Request, 0, len(DefaultLevels)+1)
	for _, level := range DefaultLevels {
		plan = append(plan, Request{
			ID:         fmt.Sprintf("autoencoder_b%d", level),
			Checkpoint: filepath.Join(checkpointDir, fmt.Sprintf("autoencoder_b%d.pt", level)),
			Output:     filepath.Join(outputDir, fmt.Sprintf("autoencoder_b%d.onnx", level)),
			Kind:       model.KindCompressor,
			Parameter:  level,
			Shape:      model.DefaultShape,
		})
	}
	plan = append(plan, Request{
		ID:         "espcn",
		Checkpoint: filepath.Join(checkpointDir, "espcn_model.pt"),
		Output:     filepath.Join(outputDir, "espcn_model.onnx"),
		Kind:       model.KindEnhancer,
		Shape:      model.DefaultShape,
	})
	return plan
}

// Report summarises a conversion or check run.
type Report struct {
	Validated []model.Artifact  `json:"validated"`
	Missing   []string          `json:"missing,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// OK reports whether every planned model is usable.
func (r Report) OK() bool {
	return len(r.Missing) == 0 && len(r.Failed) == 0
}

// Tool runs plans against a converter and an inference runtime.
type Tool struct {
	converter *Converter
	runtime   model.Runtime
	logger    *utils.Logger
}

func NewTool(converter *Converter, runtime model.Runtime, logger *utils.Logger) *Tool {
	return &Tool{converter: converter, runtime: runtime, logger: logger}
}

// Convert exports and validates every request, then writes the manifest in
// outputDir with only the validated artifacts. Entries already present in an
// existing manifest are kept unless re-converted.
func (t *Tool) Convert(ctx context.Context, outputDir string, plan []Request) (Report, error) {
	report := Report{Failed: map[string]string{}}
	manifestPath := filepath.Join(outputDir, ManifestName)

	manifest, err := model.ReadManifest(manifestPath)
	if err != nil {
		manifest = model.NewManifest()
	}

	for _, r := range plan {
		if _, err := os.Stat(r.Checkpoint); err != nil {
			t.logger.WarnTag("MODEL", "checkpoint %s not found", r.Checkpoint)
			report.Missing = append(report.Missing, r.ID)
			continue
		}

		a, err := t.converter.Convert(ctx, r)
		if err != nil {
			report.Failed[r.ID] = err.Error()
			continue
		}
		if _, err := Validate(ctx, t.runtime, a, a.InputShape); err != nil {
			t.logger.ErrorTag("MODEL", "%s failed validation: %v", a.ID, err)
			report.Failed[r.ID] = err.Error()
			_ = os.Remove(a.Path)
			continue
		}

		a.Validated = true
		manifest.Put(outputDir, a)
		report.Validated = append(report.Validated, a)
		t.logger.InfoTag("MODEL", "%s converted and validated %s", a.ID, a.InputShape)
	}

	manifest.ConvertedAt = ""
	if err := model.WriteManifest(manifestPath, manifest); err != nil {
		return report, errors.Wrap(errors.KindStorage, "conversion.convert", "failed to write manifest", err)
	}
	return report, nil
}

// Check validates every artifact recorded in the manifest at manifestPath and
// reports expected models that are absent.
func (t *Tool) Check(ctx context.Context, manifestPath string, expected []string) (Report, error) {
	report := Report{Failed: map[string]string{}}

	manifest, err := model.ReadManifest(manifestPath)
	if err != nil {
		return report, errors.Wrap(errors.KindConfig, "conversion.check", "failed to read manifest", err)
	}

	artifacts, rejected := manifest.Artifacts(filepath.Dir(manifestPath))
	for key, reason := range rejected {
		report.Failed[key] = reason.Error()
	}

	seen := map[string]bool{}
	for _, a := range artifacts {
		seen[a.ID] = true
		if !a.Validated {
			report.Failed[a.ID] = "not validated"
			continue
		}
		if _, err := os.Stat(a.Path); err != nil {
			report.Failed[a.ID] = fmt.Sprintf("file %s missing", a.Path)
			continue
		}
		if _, err := Validate(ctx, t.runtime, a, a.InputShape); err != nil {
			report.Failed[a.ID] = err.Error()
			continue
		}
		report.Validated = append(report.Validated, a)
	}
	for _, id := range expected {
		if !seen[id] {
			report.Missing = append(report.Missing, id)
		}
	}
	return report, nil
}

// PlanIDs lists the artifact ids of plan.
func PlanIDs(plan []Request) []string {
	ids := make([]string, len(plan))
	for i, r := range plan {
		ids[i] = r.ID
	}
	return ids
}
