package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartOrder(t *testing.T) {
	tests := []struct {
		name string
		deps map[string][]string
		want []string
	}{
		{
			name: "no dependencies is alphabetical",
			deps: map[string][]string{"c": nil, "a": nil, "b": nil},
			want: []string{"a", "b", "c"},
		},
		{
			name: "chain",
			deps: map[string][]string{
				"scorer": {"rsi"},
				"rsi":    {"market"},
				"market": nil,
			},
			want: []string{"market", "rsi", "scorer"},
		},
		{
			name: "diamond",
			deps: map[string][]string{
				"market": nil,
				"ma":     {"market"},
				"rsi":    {"market"},
				"scorer": {"ma", "rsi"},
			},
			want: []string{"market", "ma", "rsi", "scorer"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New()
			for id, deps := range tt.deps {
				g.Add(id, deps)
			}
			got, err := g.StartOrder()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate_UnknownDependency(t *testing.T) {
	g := New()
	g.Add("scorer", []string{"missing"})

	err := g.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownDependency)
}

func TestValidate_Cycle(t *testing.T) {
	g := New()
	g.Add("a", []string{"b"})
	g.Add("b", []string{"c"})
	g.Add("c", []string{"a"})

	err := g.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycleDetected)

	_, err = g.StartOrder()
	assert.Error(t, err)
}

func TestValidate_SelfDependency(t *testing.T) {
	g := New()
	g.Add("a", []string{"a"})

	assert.ErrorIs(t, g.Validate(), ErrCycleDetected)
}
