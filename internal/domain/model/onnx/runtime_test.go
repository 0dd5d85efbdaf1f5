package onnx

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"

	"dyzen-server-go/internal/domain/model"
)

// Runs against a real library and model when both are provided:
// DYZEN_ONNXRUNTIME_LIB=/usr/lib/libonnxruntime.so DYZEN_ONNX_MODEL=static/models/espcn_model.onnx
func TestRuntimeForwardPass(t *testing.T) {
	lib, modelPath := os.Getenv("DYZEN_ONNXRUNTIME_LIB"), os.Getenv("DYZEN_ONNX_MODEL")
	if lib == "" || modelPath == "" {
		t.Skip("onnxruntime library or model not configured")
	}

	rt, err := New(Config{SharedLibrary: lib}, nil)
	require.NoError(t, err)
	defer rt.Close()

	artifact := model.Artifact{
		ID:          "espcn",
		Kind:        model.KindEnhancer,
		InputShape:  model.DefaultShape,
		OutputShape: model.DefaultShape,
		Path:        modelPath,
		Validated:   true,
	}

	out, err := rt.Run(context.Background(), artifact, model.NewTensor(model.DefaultShape))
	require.NoError(t, err)
	assert.Equal(t, model.DefaultShape.Dims(), out.Dims)
	assert.Len(t, out.Data, model.DefaultShape.Elements())
}

func TestRuntimeRejectsCancelledContext(t *testing.T) {
	rt := &Runtime{sessions: map[string]*ort.DynamicAdvancedSession{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rt.Run(ctx, model.Artifact{}, model.Tensor{})
	assert.ErrorIs(t, err, context.Canceled)
}
