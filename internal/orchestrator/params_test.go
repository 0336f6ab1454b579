package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveParams(t *testing.T) {
	input := map[string]any{
		"symbol": "GLD",
		"days":   90,
		"nested": map[string]any{"key": "value"},
	}
	results := map[string]map[string]any{
		"fetch": {
			"price":  42.5,
			"prices": []any{1.0, 2.0, 3.0},
			"quote":  map[string]any{"bid": 42.4},
		},
	}

	tests := []struct {
		name   string
		params map[string]any
		want   map[string]any
	}{
		{
			name:   "literals pass through",
			params: map[string]any{"period": 14, "label": "plain"},
			want:   map[string]any{"period": 14, "label": "plain"},
		},
		{
			name:   "whole-string param ref keeps type",
			params: map[string]any{"days": "{{params.days}}"},
			want:   map[string]any{"days": 90},
		},
		{
			name:   "whole-string step ref keeps type",
			params: map[string]any{"prices": "{{steps.fetch.prices}}"},
			want:   map[string]any{"prices": []any{1.0, 2.0, 3.0}},
		},
		{
			name:   "whole step result by name",
			params: map[string]any{"all": "{{steps.fetch}}"},
			want:   map[string]any{"all": results["fetch"]},
		},
		{
			name:   "nested path",
			params: map[string]any{"bid": "{{steps.fetch.quote.bid}}"},
			want:   map[string]any{"bid": 42.4},
		},
		{
			name:   "embedded refs are textual",
			params: map[string]any{"msg": "{{params.symbol}} at {{steps.fetch.price}}"},
			want:   map[string]any{"msg": "GLD at 42.5"},
		},
		{
			name:   "whitespace inside braces",
			params: map[string]any{"symbol": "{{ params.symbol }}"},
			want:   map[string]any{"symbol": "GLD"},
		},
		{
			name: "refs inside nested maps and slices",
			params: map[string]any{
				"outer": map[string]any{"symbol": "{{params.symbol}}"},
				"list":  []any{"{{steps.fetch.price}}", "x"},
			},
			want: map[string]any{
				"outer": map[string]any{"symbol": "GLD"},
				"list":  []any{42.5, "x"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveParams(tt.params, input, results)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveParams_Errors(t *testing.T) {
	input := map[string]any{"symbol": "GLD"}
	results := map[string]map[string]any{"fetch": {"price": 1.0}}

	tests := []struct {
		name   string
		params map[string]any
		want   string
	}{
		{"unknown root", map[string]any{"v": "{{vars.x}}"}, "must start with params or steps"},
		{"missing param key", map[string]any{"v": "{{params.missing}}"}, "not found"},
		{"unknown step", map[string]any{"v": "{{steps.nope.price}}"}, "no prior step"},
		{"missing step field", map[string]any{"v": "{{steps.fetch.volume}}"}, "not found"},
		{"path through scalar", map[string]any{"v": "{{steps.fetch.price.deeper}}"}, "not a map"},
		{"bare params", map[string]any{"v": "{{params}}"}, "missing param key"},
		{"error in embedded ref", map[string]any{"v": "price: {{steps.nope.price}}"}, "no prior step"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolveParams(tt.params, input, results)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
