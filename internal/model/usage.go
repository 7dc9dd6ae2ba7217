package model

import "encoding/json"

// Reserved attribute keys. These are the only attribute keys the core
// interprets; everything else is opaque caller data.
const (
	// AttrTokenUsage carries per-span token usage as a TokenUsage value (or
	// the equivalent map after a JSON round-trip). The aggregator sums these
	// into a trace-level total at trace end.
	AttrTokenUsage = "kiseki.token_usage"

	// AttrIncomplete is set to true on spans force-closed at trace end.
	AttrIncomplete = "kiseki.incomplete"

	// AttrLateStart is set to true on spans started after their trace ended.
	AttrLateStart = "kiseki.late_start"
)

// TokenUsage counts language-model tokens consumed by one call (span level)
// or by a whole trace (aggregated). All fields are non-negative.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Add accumulates other into u. TotalTokens is summed independently rather
// than recomputed from inputs+outputs, so spans that report only a combined
// total still contribute.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// TokenUsageFromAttr coerces an attribute value into a TokenUsage. It accepts
// a TokenUsage, a *TokenUsage, or the map shapes a JSON round-trip produces
// (map[string]any with float64/int/int64/json.Number values). The second
// return is false when the value has none of these shapes.
func TokenUsageFromAttr(v any) (TokenUsage, bool) {
	switch t := v.(type) {
	case TokenUsage:
		return t, true
	case *TokenUsage:
		if t == nil {
			return TokenUsage{}, false
		}
		return *t, true
	case map[string]any:
		u := TokenUsage{}
		okAny := false
		if n, ok := intFromAny(t["input_tokens"]); ok {
			u.InputTokens = n
			okAny = true
		}
		if n, ok := intFromAny(t["output_tokens"]); ok {
			u.OutputTokens = n
			okAny = true
		}
		if n, ok := intFromAny(t["total_tokens"]); ok {
			u.TotalTokens = n
			okAny = true
		}
		return u, okAny
	default:
		return TokenUsage{}, false
	}
}

func intFromAny(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
