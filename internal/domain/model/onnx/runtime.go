// Package onnx runs artifacts in-process through the ONNX Runtime C library.
package onnx

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"dyzen-server-go/internal/domain/model"
	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/utils"
)

// Config locates the shared library and names the graph's tensors.
type Config struct {
	SharedLibrary string
	InputName     string
	OutputName    string
}

var envMu sync.Mutex

// Runtime keeps one session per model file, created on first use.
type Runtime struct {
	cfg    Config
	logger *utils.Logger

	mu       sync.Mutex
	sessions map[string]*ort.DynamicAdvancedSession
	closed   bool
}

// New initialises the ONNX Runtime environment. A library that cannot be
// loaded is reported as model_unavailable.
func New(cfg Config, logger *utils.Logger) (*Runtime, error) {
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "output"
	}

	envMu.Lock()
	defer envMu.Unlock()
	if !ort.IsInitialized() {
		if cfg.SharedLibrary != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibrary)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(errors.KindModelUnavailable, "onnx.init", "failed to initialise onnxruntime", err)
		}
		logger.InfoTag("MODEL", "onnxruntime environment initialised")
	}

	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		sessions: map[string]*ort.DynamicAdvancedSession{},
	}, nil
}

func (r *Runtime) Name() string { return "onnx" }

func (r *Runtime) session(artifact model.Artifact) (*ort.DynamicAdvancedSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New(errors.KindModelUnavailable, "onnx.session", "runtime closed")
	}
	if s, ok := r.sessions[artifact.Path]; ok {
		return s, nil
	}

	s, err := ort.NewDynamicAdvancedSession(artifact.Path,
		[]string{r.cfg.InputName}, []string{r.cfg.OutputName}, nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindModelUnavailable, "onnx.session",
			fmt.Sprintf("failed to load %s", artifact.Path), err)
	}
	r.sessions[artifact.Path] = s
	r.logger.InfoTag("MODEL", "session ready for %s (%s)", artifact.ID, artifact.Path)
	return s, nil
}

// Run executes one forward pass. The output tensor is allocated by the runtime
// so graphs with an unexpected output shape are reported instead of failing
// inside the library.
func (r *Runtime) Run(ctx context.Context, artifact model.Artifact, input model.Tensor) (model.Tensor, error) {
	const op = "onnx.run"
	if err := ctx.Err(); err != nil {
		return model.Tensor{}, err
	}

	s, err := r.session(artifact)
	if err != nil {
		return model.Tensor{}, err
	}

	in, err := ort.NewTensor(ort.NewShape(input.Dims...), input.Data)
	if err != nil {
		return model.Tensor{}, errors.Wrap(errors.KindInference, op, "failed to build input tensor", err)
	}
	defer in.Destroy()

	outputs := []ort.Value{nil}
	if err := s.Run([]ort.Value{in}, outputs); err != nil {
		return model.Tensor{}, errors.Wrap(errors.KindInference, op, "forward pass failed", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return model.Tensor{}, errors.Newf(errors.KindInference, op, "unexpected output type %T", outputs[0])
	}

	data := out.GetData()
	result := model.Tensor{
		Dims: append([]int64(nil), out.GetShape()...),
		Data: make([]float32, len(data)),
	}
	copy(result.Data, data)
	return result, nil
}

// Close destroys every session. The process-wide environment stays alive.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for path, s := range r.sessions {
		if err := s.Destroy(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("destroy session %s: %w", path, err)
		}
	}
	r.sessions = map[string]*ort.DynamicAdvancedSession{}
	r.closed = true
	return firstErr
}
