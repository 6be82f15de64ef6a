package engine

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupPath(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"input": map[string]any{"ids": []any{"a", "b"}},
		"nodes": map[string]any{
			"fetch": map[string]any{"items": []any{map[string]any{"id": 7}}},
		},
	}

	tests := []struct {
		path  string
		want  any
		found bool
	}{
		{path: "input.ids", want: []any{"a", "b"}, found: true},
		{path: "input.ids.1", want: "b", found: true},
		{path: "nodes.fetch.items.0.id", want: 7, found: true},
		{path: "nodes.missing", found: false},
		{path: "input.ids.9", found: false},
		{path: "input.ids.x", found: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()

			got, ok := lookupPath(data, tt.path)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContextData(t *testing.T) {
	t.Parallel()

	key := "order-1"
	inst := &models.WorkflowInstance{
		ID:                "i-1",
		DefinitionName:    "orders",
		DefinitionVersion: 2,
		BusinessKey:       &key,
		Input:             map[string]any{"amount": 10},
		Outputs:           map[string]map[string]any{"a": {"ok": true}},
	}

	data := contextData(inst, nil, nil)
	assert.Equal(t, inst.Input, data["input"])
	assert.Equal(t, map[string]any{"ok": true}, data["nodes"].(map[string]any)["a"])
	assert.Equal(t, "order-1", data["instance"].(map[string]any)["business_key"])
	assert.NotContains(t, data, "item")

	index := 3
	data = contextData(inst, "x", &index)
	assert.Equal(t, "x", data["item"])
	assert.Equal(t, 3, data["index"])
}

func TestRuntime_Busy(t *testing.T) {
	t.Parallel()

	rt := newRuntime(&models.WorkflowInstance{
		ID:             "i",
		PendingRetries: map[string]models.RetryState{"retrying": {Attempt: 2}},
	}, nil)

	rt.flights["running"] = &flight{}
	rt.orphans["lost"] = &models.NodeExecution{}

	assert.True(t, rt.busy("running"))
	assert.True(t, rt.busy("lost"))
	assert.True(t, rt.busy("retrying"))
	assert.False(t, rt.busy("idle"))
	assert.Equal(t, []string{"running"}, rt.flightIDs())
}

func TestTickQueue(t *testing.T) {
	t.Parallel()

	q := newTickQueue()
	q.push("a")
	q.push("b")
	q.push("a")

	q.push("c")

	for _, want := range []string{"a", "b", "c"} {
		id, ok := q.pop()
		assert.True(t, ok)
		assert.Equal(t, want, id)
	}

	q.close()

	_, ok := q.pop()
	assert.False(t, ok)
}

// gatedStore blocks instance reads until released.
type gatedStore struct {
	persistence.Persistence
	entered chan string
	release chan struct{}
}

func (s *gatedStore) InstanceRepository() persistence.InstanceRepository {
	return gatedInstances{InstanceRepository: s.Persistence.InstanceRepository(), store: s}
}

type gatedInstances struct {
	persistence.InstanceRepository
	store *gatedStore
}

func (g gatedInstances) Get(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	g.store.entered <- id
	<-g.store.release

	return g.InstanceRepository.Get(ctx, id)
}

func TestRuntime_LoadDoesNotBlockEngine(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.define(t, "single", task("a", "echo"))
	inst := h.create(t, CreateRequest{DefinitionName: "single"})

	store := &gatedStore{Persistence: h.store, entered: make(chan string, 8), release: make(chan struct{})}

	e, err := New(h.cfg, slog.New(slog.DiscardHandler), store, h.registry, nil, nil)
	require.NoError(t, err)

	const loaders = 4

	var wg sync.WaitGroup

	loaded := make([]*instanceRuntime, loaders)

	for i := range loaders {
		wg.Add(1)

		go func() {
			defer wg.Done()

			rt, err := e.runtime(t.Context(), inst.ID)
			assert.NoError(t, err)

			loaded[i] = rt
		}()
	}

	select {
	case id := <-store.entered:
		assert.Equal(t, inst.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("instance was never read")
	}

	unblocked := make(chan struct{})

	go func() {
		defer close(unblocked)

		assert.Nil(t, e.lookup(inst.ID))
		assert.Empty(t, e.snapshot())
		assert.Empty(t, e.waitingForMutex())
	}()

	select {
	case <-unblocked:
	case <-time.After(5 * time.Second):
		t.Fatal("engine lock held while loading an instance")
	}

	close(store.release)
	wg.Wait()

	require.NotNil(t, loaded[0])

	for _, rt := range loaded {
		assert.Same(t, loaded[0], rt)
	}

	assert.Same(t, loaded[0], e.lookup(inst.ID))
	assert.Empty(t, store.entered, "instance read more than once")
}
