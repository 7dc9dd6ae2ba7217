package lifecycle

import (
	"github.com/kiseki-ai/kiseki/internal/model"
)

// AggregateTokenUsage sums per-span token usage (under the reserved
// model.AttrTokenUsage key) into one trace-level total. Spans without the
// attribute contribute nothing. Returns nil when no span reports usage, so
// callers can distinguish "no usage data" from "zero usage".
func AggregateTokenUsage(spans []*model.Span) *model.TokenUsage {
	var total model.TokenUsage
	reported := false

	for _, s := range spans {
		u, ok := model.TokenUsageFromAttr(s.Attributes[model.AttrTokenUsage])
		if !ok {
			continue
		}
		total.Add(u)
		reported = true
	}

	if !reported {
		return nil
	}
	return &total
}
