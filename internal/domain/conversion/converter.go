// Package conversion exports trained checkpoints to ONNX, proves each export
// with a forward pass, and records the survivors in the model manifest.
package conversion

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"dyzen-server-go/internal/domain/model"
	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/utils"
)

// ExporterConfig describes the external exporter. The converter appends
// the flags documented on exporterArgs.
type ExporterConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// DefaultExporter runs scripts/export_onnx.py with python3.
func DefaultExporter() ExporterConfig {
	return ExporterConfig{
		Command: "python3",
		Args:    []string{"scripts/export_onnx.py"},
		Timeout: 10 * time.Minute,
	}
}

// Request is one checkpoint to convert.
type Request struct {
	ID         string
	Checkpoint string
	Output     string
	Kind       model.Kind
	Parameter  int
	Shape      model.Shape
}

func (r Request) artifact() model.Artifact {
	shape := r.Shape
	if !shape.Valid() {
		shape = model.DefaultShape
	}
	return model.Artifact{
		ID:          r.ID,
		Kind:        r.Kind,
		Parameter:   r.Parameter,
		InputShape:  shape,
		OutputShape: shape,
		Path:        r.Output,
	}
}

// Converter drives the exporter process.
type Converter struct {
	exporter ExporterConfig
	logger   *utils.Logger
}

func NewConverter(exporter ExporterConfig, logger *utils.Logger) *Converter {
	if exporter.Command == "" {
		exporter = DefaultExporter()
	}
	return &Converter{exporter: exporter, logger: logger}
}

// exporterArgs builds the exporter flags. The exported graph always uses
// opset 11 with tensors named "input" and "output".
func exporterArgs(r Request, shape model.Shape) []string {
	return []string{
		"--checkpoint", r.Checkpoint,
		"--output", r.Output,
		"--channels", strconv.Itoa(shape.Channels),
		"--height", strconv.Itoa(shape.Height),
		"--width", strconv.Itoa(shape.Width),
		"--opset", strconv.Itoa(model.OpsetVersion),
		"--input-name", "input",
		"--output-name", "output",
	}
}

// Convert exports r.Checkpoint to r.Output. The returned artifact is not
// validated yet.
func (c *Converter) Convert(ctx context.Context, r Request) (model.Artifact, error) {
	const op = "conversion.convert"

	a := r.artifact()
	if err := a.Check(); err != nil {
		return model.Artifact{}, err
	}
	if _, err := os.Stat(r.Checkpoint); err != nil {
		return model.Artifact{}, errors.Wrap(errors.KindModelUnavailable, op, "checkpoint not found", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.Output), 0o755); err != nil {
		return model.Artifact{}, errors.Wrap(errors.KindStorage, op, "failed to create output dir", err)
	}

	if c.exporter.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.exporter.Timeout)
		defer cancel()
	}

	args := append(slices.Clone(c.exporter.Args), exporterArgs(r, a.InputShape)...)
	cmd := exec.CommandContext(ctx, c.exporter.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr

	c.logger.InfoTag("MODEL", "exporting %s -> %s", r.Checkpoint, r.Output)
	if err := cmd.Run(); err != nil {
		return model.Artifact{}, errors.Wrap(errors.KindInference, op,
			fmt.Sprintf("exporter failed: %s", tail(stderr.String(), 512)), err)
	}
	if info, err := os.Stat(r.Output); err != nil || info.Size() == 0 {
		return model.Artifact{}, errors.Newf(errors.KindInference, op, "exporter produced no model at %s", r.Output)
	}
	return a, nil
}

// Validate runs one forward pass of an all-zero (1, declared...) tensor and
// checks the output has the same dims. A mismatch is reported as false with
// a shape_mismatch error.
func Validate(ctx context.Context, runtime model.Runtime, a model.Artifact, declared model.Shape) (bool, error) {
	const op = "conversion.validate"

	if !declared.Valid() {
		return false, errors.Newf(errors.KindShapeMismatch, op, "declared shape %s is invalid", declared)
	}
	a.InputShape, a.OutputShape = declared, declared

	out, err := runtime.Run(ctx, a, model.NewTensor(declared))
	if err != nil {
		return false, errors.Wrap(errors.KindInference, op, fmt.Sprintf("forward pass of %s failed", a.ID), err)
	}
	if want := declared.Dims(); !slices.Equal(out.Dims, want) || len(out.Data) != declared.Elements() {
		return false, errors.Newf(errors.KindShapeMismatch, op,
			"%s returned dims %v, expected %v", a.ID, out.Dims, want)
	}
	return true, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
