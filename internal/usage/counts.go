package usage

import "math"

// Counts is provider-reported usage normalized to one field shape. Nil fields
// were absent from the provider response.
type Counts struct {
	Input  *int64
	Output *int64
	Total  *int64
}

// Any reports whether the provider supplied at least one count.
func (c *Counts) Any() bool {
	return c != nil && (c.Input != nil || c.Output != nil || c.Total != nil)
}

// NormalizeCounts maps a raw usage object into Counts, accepting the field
// spellings the two providers emit (input_tokens/output_tokens/total_tokens
// and prompt_tokens/completion_tokens). Returns nil when nothing usable is
// present.
func NormalizeCounts(raw map[string]any) *Counts {
	if raw == nil {
		return nil
	}
	input := pickInt(raw, "input_tokens", "prompt_tokens", "inputTokens")
	output := pickInt(raw, "output_tokens", "completion_tokens", "outputTokens")
	total := pickInt(raw, "total_tokens", "totalTokens")

	if input == nil && output == nil && total == nil {
		return nil
	}

	c := &Counts{Input: input, Output: output}
	if total != nil {
		c.Total = total
	} else {
		sum := int64(0)
		if input != nil {
			sum += *input
		}
		if output != nil {
			sum += *output
		}
		c.Total = &sum
	}
	return c
}

// pickInt returns the first key present with a usable non-negative number.
// JSON decoding hands numbers over as float64.
func pickInt(raw map[string]any, keys ...string) *int64 {
	for _, key := range keys {
		value, ok := raw[key]
		if !ok {
			continue
		}
		f, ok := value.(float64)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			continue
		}
		n := int64(f)
		return &n
	}
	return nil
}
