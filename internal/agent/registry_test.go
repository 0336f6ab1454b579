package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid-dev/flowgrid/internal/graph"
)

// fakeAgent records lifecycle calls without touching the bus.
type fakeAgent struct {
	meta Metadata

	mu       sync.Mutex
	started  bool
	stopped  bool
	startErr error
	startSeq *[]string
}

func (f *fakeAgent) Metadata() Metadata { return f.meta }
func (f *fakeAgent) Health() Health     { return Health{AgentID: f.meta.AgentID} }

func (f *fakeAgent) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	if f.startSeq != nil {
		*f.startSeq = append(*f.startSeq, f.meta.AgentID)
	}
	return nil
}

func (f *fakeAgent) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func fake(id string, opts ...func(*fakeAgent)) *fakeAgent {
	f := &fakeAgent{meta: Metadata{AgentID: id, Enabled: true}}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	r.Register(ctx, fake("a1"))
	r.Register(ctx, fake("a2"))

	got, err := r.Lookup("a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.Metadata().AgentID)
	assert.Equal(t, 2, r.Count())

	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegistry_DuplicateRegistrationReplacesAndStopsPrior(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	prior := fake("a1")
	r.Register(ctx, prior)
	replacement := fake("a1")
	r.Register(ctx, replacement)

	assert.True(t, prior.stopped)
	assert.Equal(t, 1, r.Count())

	got, err := r.Lookup("a1")
	require.NoError(t, err)
	assert.Same(t, replacement, got)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	r.Register(ctx, fake("a1"))
	r.Unregister("a1")
	r.Unregister("a1") // no-op

	assert.Equal(t, 0, r.Count())
}

func TestRegistry_LookupByCapabilityAndCategory(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	data := fake("market", func(f *fakeAgent) {
		f.meta.Category = "data"
		f.meta.Capabilities = []Capability{{Name: "fetch_price"}, {Name: "get_history"}}
	})
	tech := fake("rsi", func(f *fakeAgent) {
		f.meta.Category = "technical"
		f.meta.Capabilities = []Capability{{Name: "calculate_rsi"}}
	})
	r.Register(ctx, data)
	r.Register(ctx, tech)

	byCap := r.LookupByCapability("fetch_price")
	require.Len(t, byCap, 1)
	assert.Equal(t, "market", byCap[0].Metadata().AgentID)

	assert.Empty(t, r.LookupByCapability("unknown"))

	byCat := r.LookupByCategory("technical")
	require.Len(t, byCat, 1)
	assert.Equal(t, "rsi", byCat[0].Metadata().AgentID)

	assert.ElementsMatch(t, []string{"data", "technical"}, r.Categories())
}

func TestRegistry_StartAllHonorsDependencies(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	var seq []string
	consumer := fake("consumer", func(f *fakeAgent) {
		f.meta.Dependencies = []string{"producer"}
		f.startSeq = &seq
	})
	producer := fake("producer", func(f *fakeAgent) { f.startSeq = &seq })

	// Register in the wrong order on purpose.
	r.Register(ctx, consumer)
	r.Register(ctx, producer)

	require.NoError(t, r.StartAll(ctx))
	assert.Equal(t, []string{"producer", "consumer"}, seq)
}

func TestRegistry_StartAllSkipsDisabled(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	disabled := fake("off", func(f *fakeAgent) { f.meta.Enabled = false })
	r.Register(ctx, disabled)

	require.NoError(t, r.StartAll(ctx))
	assert.False(t, disabled.started)
}

func TestRegistry_StartAllCollectsFailures(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	failing := fake("bad", func(f *fakeAgent) { f.startErr = errors.New("no feed") })
	healthy := fake("good")
	r.Register(ctx, failing)
	r.Register(ctx, healthy)

	err := r.StartAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.True(t, healthy.started, "remaining agents still start")
}

func TestRegistry_StartAllRejectsDependencyCycle(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	a := fake("a", func(f *fakeAgent) { f.meta.Dependencies = []string{"b"} })
	b := fake("b", func(f *fakeAgent) { f.meta.Dependencies = []string{"a"} })
	r.Register(ctx, a)
	r.Register(ctx, b)

	err := r.StartAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrCycleDetected)
	assert.False(t, a.started)
	assert.False(t, b.started)
}

func TestRegistry_StopAll(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	agents := []*fakeAgent{fake("a1"), fake("a2"), fake("a3")}
	for _, a := range agents {
		r.Register(ctx, a)
	}

	require.NoError(t, r.StopAll(ctx))
	for _, a := range agents {
		assert.True(t, a.stopped)
	}
}
