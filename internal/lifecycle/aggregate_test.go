package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiseki-ai/kiseki/internal/model"
)

func spanWithUsage(id string, u model.TokenUsage) *model.Span {
	return &model.Span{
		ID:         model.SpanID(id),
		Attributes: map[string]any{model.AttrTokenUsage: u},
	}
}

func TestAggregateTokenUsage_SumsAcrossSpans(t *testing.T) {
	spans := []*model.Span{
		spanWithUsage("a", model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}),
		spanWithUsage("b", model.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}),
		{ID: "c"}, // no usage attribute, contributes nothing
	}

	got := AggregateTokenUsage(spans)
	require.NotNil(t, got)
	assert.Equal(t, model.TokenUsage{InputTokens: 20, OutputTokens: 10, TotalTokens: 30}, *got)
}

func TestAggregateTokenUsage_NoSpansReporting(t *testing.T) {
	spans := []*model.Span{{ID: "a"}, {ID: "b"}}
	assert.Nil(t, AggregateTokenUsage(spans))
}

func TestAggregateTokenUsage_ZeroIsNotAbsent(t *testing.T) {
	spans := []*model.Span{spanWithUsage("a", model.TokenUsage{})}
	got := AggregateTokenUsage(spans)
	require.NotNil(t, got, "a reported zero usage is still a report")
	assert.Equal(t, model.TokenUsage{}, *got)
}

func TestAggregateTokenUsage_ComponentsSumIndependently(t *testing.T) {
	// Totals are summed as reported, never recomputed from input+output.
	spans := []*model.Span{
		spanWithUsage("a", model.TokenUsage{TotalTokens: 100}),
		spanWithUsage("b", model.TokenUsage{InputTokens: 7}),
	}

	got := AggregateTokenUsage(spans)
	require.NotNil(t, got)
	assert.Equal(t, model.TokenUsage{InputTokens: 7, TotalTokens: 100}, *got)
}

func TestAggregateTokenUsage_MapShapedAttribute(t *testing.T) {
	// Usage that round-tripped through JSON arrives as a map.
	spans := []*model.Span{{
		ID: "a",
		Attributes: map[string]any{model.AttrTokenUsage: map[string]any{
			"input_tokens":  float64(3),
			"output_tokens": float64(4),
			"total_tokens":  float64(7),
		}},
	}}

	got := AggregateTokenUsage(spans)
	require.NotNil(t, got)
	assert.Equal(t, model.TokenUsage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7}, *got)
}
