package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiseki-ai/kiseki/internal/model"
)

func TestStartTraceRequest_Validate(t *testing.T) {
	assert.NoError(t, model.StartTraceRequest{Name: "pipeline"}.Validate())

	err := model.StartTraceRequest{}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")

	err = model.StartTraceRequest{Name: strings.Repeat("x", model.MaxNameLen+1)}.Validate()
	require.Error(t, err)
}

func TestStartSpanRequest_Validate(t *testing.T) {
	assert.NoError(t, model.StartSpanRequest{TraceID: "t", Name: "step"}.Validate())

	err := model.StartSpanRequest{Name: "step"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trace_id")
}

func TestEndSpanRequest_Validate_DefaultsToOK(t *testing.T) {
	r := model.EndSpanRequest{TraceID: "t", SpanID: "s"}
	require.NoError(t, r.Validate())
	assert.Equal(t, model.SpanStatusOK, r.Status)
}

func TestEndSpanRequest_Validate_RejectsNonTerminal(t *testing.T) {
	r := model.EndSpanRequest{TraceID: "t", SpanID: "s", Status: model.SpanStatusRunning}
	require.Error(t, r.Validate())
}

func TestEndTraceRequest_Validate_DefaultsToOK(t *testing.T) {
	r := model.EndTraceRequest{TraceID: "t"}
	require.NoError(t, r.Validate())
	assert.Equal(t, model.TraceStatusOK, r.Status)

	r = model.EndTraceRequest{TraceID: "t", Status: model.TraceStatusRunning}
	require.Error(t, r.Validate())
}
