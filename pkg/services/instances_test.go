package services

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/taskflow/pkg/engine"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence/file"
	"github.com/dukex/taskflow/pkg/registry"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type instanceFixture struct {
	store       *file.Persistence
	definitions *Definitions
	instances   *Instances
}

// newInstanceFixture wires the services to an engine that is never run, so
// commands only move persisted state.
func newInstanceFixture(t *testing.T) *instanceFixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	clock := clockwork.NewFakeClockAt(epoch)
	store := file.NewPersistence(t.TempDir())

	cfg := engine.DefaultConfig()
	cfg.EngineInstanceID = "engine-test"
	cfg.Clock = clock
	cfg.RecoverySchedule = ""

	eng, err := engine.New(cfg, logger, store, registry.NewRegistry(logger), nil, nil)
	require.NoError(t, err)

	f := &instanceFixture{
		store:       store,
		definitions: NewDefinitions(store, nil, clock),
		instances:   NewInstances(store, NewEmbeddedController(eng), clock, cfg.EngineInstanceID),
	}

	_, err = f.definitions.CreateDraft(t.Context(), orderRequest())
	require.NoError(t, err)

	_, err = f.definitions.Publish(t.Context(), "orders", 1)
	require.NoError(t, err)

	return f
}

func (f *instanceFixture) create(t *testing.T, req engine.CreateRequest) *models.WorkflowInstance {
	t.Helper()

	inst, err := f.instances.Create(t.Context(), CreateInstanceRequest{CreateRequest: req})
	require.NoError(t, err)

	return inst
}

func TestInstances_Create(t *testing.T) {
	t.Parallel()

	f := newInstanceFixture(t)

	inst := f.create(t, engine.CreateRequest{
		DefinitionName: "orders",
		Input:          map[string]any{"order_id": "o-1"},
		BusinessKey:    "order-o-1",
		Priority:       5,
	})

	assert.Equal(t, models.InstanceStatusPending, inst.Status)
	assert.Equal(t, uint(1), inst.DefinitionVersion)
	assert.Equal(t, 5, inst.Priority)
	assert.False(t, inst.StartRequested)

	byKey, err := f.instances.GetByBusinessKey(t.Context(), "order-o-1")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, byKey.ID)

	logs, err := f.instances.Logs(t.Context(), LogsRequest{InstanceID: inst.ID})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "instance created from orders@1", logs[0].Message)
}

func TestInstances_CreateErrors(t *testing.T) {
	t.Parallel()

	f := newInstanceFixture(t)

	_, err := f.definitions.CreateDraft(t.Context(), DefinitionRequest{Name: "drafty", Nodes: orderRequest().Nodes})
	require.NoError(t, err)

	tests := []struct {
		name  string
		req   engine.CreateRequest
		check func(t *testing.T, err error)
	}{
		{
			name:  "missing definition name",
			req:   engine.CreateRequest{},
			check: func(t *testing.T, err error) { assert.True(t, IsValidationError(err)) },
		},
		{
			name:  "unknown definition",
			req:   engine.CreateRequest{DefinitionName: "missing"},
			check: func(t *testing.T, err error) { assert.True(t, IsNotFoundError(err)) },
		},
		{
			name:  "draft is not executable",
			req:   engine.CreateRequest{DefinitionName: "drafty", DefinitionVersion: 1},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNotExecutable) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := f.instances.Create(t.Context(), CreateInstanceRequest{CreateRequest: tt.req})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestInstances_CreateAndStart(t *testing.T) {
	t.Parallel()

	f := newInstanceFixture(t)

	inst, err := f.instances.Create(t.Context(), CreateInstanceRequest{
		CreateRequest: engine.CreateRequest{DefinitionName: "orders"},
		Start:         true,
	})
	require.NoError(t, err)
	assert.True(t, inst.StartRequested)
}

func TestInstances_CancelTwiceIsConflict(t *testing.T) {
	t.Parallel()

	f := newInstanceFixture(t)
	inst := f.create(t, engine.CreateRequest{DefinitionName: "orders"})

	require.NoError(t, f.instances.Cancel(t.Context(), inst.ID, "no longer needed"))

	stored, err := f.instances.Get(t.Context(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCancelled, stored.Status)

	err = f.instances.Cancel(t.Context(), inst.ID, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, IsConflictError(err))

	err = f.instances.Pause(t.Context(), inst.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestInstances_UnknownInstance(t *testing.T) {
	t.Parallel()

	f := newInstanceFixture(t)

	err := f.instances.Start(t.Context(), "missing")
	assert.True(t, IsNotFoundError(err))

	_, err = f.instances.Executions(t.Context(), "missing")
	assert.True(t, IsNotFoundError(err))

	_, err = f.instances.Loops(t.Context(), "missing")
	assert.True(t, IsNotFoundError(err))
}

func TestInstances_List(t *testing.T) {
	t.Parallel()

	f := newInstanceFixture(t)

	first := f.create(t, engine.CreateRequest{DefinitionName: "orders"})
	f.create(t, engine.CreateRequest{DefinitionName: "orders"})
	require.NoError(t, f.instances.Cancel(t.Context(), first.ID, ""))

	pending, err := f.instances.List(t.Context(), ListInstancesRequest{
		Statuses: []models.InstanceStatus{models.InstanceStatusPending, models.InstanceStatusPending},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.TotalCount)

	all, err := f.instances.List(t.Context(), ListInstancesRequest{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), all.TotalCount)
	assert.True(t, all.HasNextPage)

	_, err = f.instances.List(t.Context(), ListInstancesRequest{Statuses: []models.InstanceStatus{"sleeping"}})
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestInstances_LogsFilters(t *testing.T) {
	t.Parallel()

	f := newInstanceFixture(t)
	inst := f.create(t, engine.CreateRequest{DefinitionName: "orders"})
	require.NoError(t, f.instances.Cancel(t.Context(), inst.ID, "stop"))

	warn, err := f.instances.Logs(t.Context(), LogsRequest{InstanceID: inst.ID, Level: models.LogLevelWarn})
	require.NoError(t, err)
	require.Len(t, warn, 1)
	assert.Equal(t, "instance cancelled: stop", warn[0].Message)

	_, err = f.instances.Logs(t.Context(), LogsRequest{InstanceID: inst.ID, Level: "loud"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	from := epoch.Add(time.Hour)
	to := epoch

	_, err = f.instances.Logs(t.Context(), LogsRequest{InstanceID: inst.ID, From: &from, To: &to})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestInstances_Recover(t *testing.T) {
	t.Parallel()

	f := newInstanceFixture(t)

	report, err := f.instances.Recover(t.Context())
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, engine.RecoveryReport{}, *report)
}
