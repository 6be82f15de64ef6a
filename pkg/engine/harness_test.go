package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukex/taskflow/pkg/dag"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/persistence/file"
	"github.com/dukex/taskflow/pkg/protocol"
	"github.com/dukex/taskflow/pkg/registry"
	"github.com/dukex/taskflow/pkg/testutil"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const testEngineID = "engine-test"

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store    *file.Persistence
	registry *registry.Registry
	clock    *clockwork.FakeClock
	engine   *Engine
	cfg      Config
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	clock := clockwork.NewFakeClockAt(epoch)

	cfg := DefaultConfig()
	cfg.EngineInstanceID = testEngineID
	cfg.Clock = clock
	cfg.BaseDelay = 0
	cfg.RecoverySchedule = ""

	for _, opt := range opts {
		opt(&cfg)
	}

	h := &harness{
		store:    file.NewPersistence(t.TempDir()),
		registry: registry.NewRegistry(logger),
		clock:    clock,
		cfg:      cfg,
	}

	h.registry.RegisterFunc("echo", func(_ context.Context, req protocol.Request) (protocol.Result, error) {
		return protocol.Result{Output: map[string]any{"node": req.NodeID}}, nil
	})

	engine, err := New(cfg, logger, h.store, h.registry, nil, nil)
	require.NoError(t, err)

	h.engine = engine

	return h
}

// run starts the engine until the test ends.
func (h *harness) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = h.engine.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) define(t *testing.T, name string, nodes ...*models.TaskNode) *models.WorkflowDefinition {
	t.Helper()

	def := &models.WorkflowDefinition{
		ID:        uuid.NewString(),
		Name:      name,
		Version:   1,
		Status:    models.DefinitionStatusActive,
		Enabled:   true,
		Nodes:     nodes,
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}

	require.NoError(t, dag.Validate(def))
	require.NoError(t, h.store.DefinitionRepository().Create(t.Context(), def))

	return def
}

func (h *harness) create(t *testing.T, req CreateRequest) *models.WorkflowInstance {
	t.Helper()

	inst, err := CreateInstance(t.Context(), h.store, h.clock, testEngineID, req)
	require.NoError(t, err)

	return inst
}

// start creates an instance of definition and starts it.
func (h *harness) start(t *testing.T, definition string, input map[string]any) string {
	t.Helper()

	inst := h.create(t, CreateRequest{DefinitionName: definition, Input: input})
	require.NoError(t, h.engine.Start(t.Context(), inst.ID))

	return inst.ID
}

func (h *harness) instance(t *testing.T, id string) *models.WorkflowInstance {
	t.Helper()

	inst, err := h.store.InstanceRepository().Get(t.Context(), id)
	require.NoError(t, err)

	return inst
}

// peek reads an instance without failing the test, for polling conditions.
func (h *harness) peek(id string) *models.WorkflowInstance {
	inst, err := h.store.InstanceRepository().Get(context.Background(), id)
	if err != nil {
		return &models.WorkflowInstance{}
	}

	return inst
}

func (h *harness) peekExecutions(id, node string) []*models.NodeExecution {
	execs, _ := h.store.NodeExecutionRepository().ListByNode(context.Background(), id, node)

	return execs
}

func (h *harness) waitStatus(t *testing.T, id string, status models.InstanceStatus) *models.WorkflowInstance {
	t.Helper()

	require.Eventually(t, func() bool {
		inst, err := h.store.InstanceRepository().Get(context.Background(), id)

		return err == nil && inst.Status == status
	}, 5*time.Second, 5*time.Millisecond, "instance %s never reached %s", id, status)

	return h.instance(t, id)
}

func (h *harness) executions(t *testing.T, id, node string) []*models.NodeExecution {
	t.Helper()

	execs, err := h.store.NodeExecutionRepository().ListByNode(t.Context(), id, node)
	require.NoError(t, err)

	return execs
}

func (h *harness) waitLog(t *testing.T, id, fragment string) {
	t.Helper()

	require.Eventually(t, func() bool {
		entries, err := h.store.ExecutionLogRepository().Query(context.Background(), persistence.LogQuery{InstanceID: id})
		if err != nil {
			return false
		}

		for _, entry := range entries {
			if strings.Contains(entry.Message, fragment) {
				return true
			}
		}

		return false
	}, 5*time.Second, 5*time.Millisecond, "log %q never written for %s", fragment, id)
}

func task(id, ref string, deps ...string) *models.TaskNode {
	return testutil.CreateTestNode(id, ref, testutil.WithDependsOn(deps...))
}

// gate is an executor that blocks until released or cancelled.
type gate struct {
	started chan string
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan string, 32), release: make(chan struct{})}
}

func (g *gate) execute(ctx context.Context, req protocol.Request) (protocol.Result, error) {
	g.started <- req.InstanceID + "/" + req.NodeID

	select {
	case <-g.release:
		return protocol.Result{Output: map[string]any{"released": true}}, nil
	case <-ctx.Done():
		return protocol.Result{}, ctx.Err()
	}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.release) })
}

func (g *gate) wait(t *testing.T) string {
	t.Helper()

	select {
	case id := <-g.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")

		return ""
	}
}
