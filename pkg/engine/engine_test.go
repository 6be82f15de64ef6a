package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/taskflow/pkg/events"
	"github.com/dukex/taskflow/pkg/mocks"
	"github.com/dukex/taskflow/pkg/otelhelper"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/protocol"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestEngine_Diamond(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	var (
		mu   sync.Mutex
		seen map[string]any
	)

	h.registry.RegisterFunc("join", func(_ context.Context, req protocol.Request) (protocol.Result, error) {
		mu.Lock()
		seen = req.Context["nodes"].(map[string]any)
		mu.Unlock()

		return protocol.Result{Output: map[string]any{"joined": true}}, nil
	})

	h.define(t, "diamond", task("A", "echo"), task("B", "echo", "A"), task("C", "echo", "A"), task("D", "join", "B", "C"))
	h.run(t)

	id := h.start(t, "diamond", nil)
	inst := h.waitStatus(t, id, models.InstanceStatusCompleted)

	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, inst.CompletedNodes)
	require.Len(t, inst.ExecutionPath, 4)
	assert.Equal(t, "A", inst.ExecutionPath[0])
	assert.Equal(t, "D", inst.ExecutionPath[3])
	assert.Empty(t, inst.FailedNodes)
	assert.NotNil(t, inst.StartedAt)
	assert.NotNil(t, inst.CompletedAt)

	mu.Lock()
	defer mu.Unlock()

	assert.Contains(t, seen, "B")
	assert.Contains(t, seen, "C")
}

func TestEngine_ExecuteSpanAttributes(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	h := newHarness(t, func(c *Config) { c.Tracer = provider.Tracer("test") })
	h.define(t, "traced", task("a", "echo"))
	h.run(t)

	id := h.start(t, "traced", nil)
	h.waitStatus(t, id, models.InstanceStatusCompleted)

	require.Eventually(t, func() bool { return len(recorder.Ended()) == 1 }, 5*time.Second, 5*time.Millisecond)

	span := recorder.Ended()[0]
	assert.Equal(t, "taskflow.node.execute", span.Name())
	assert.Contains(t, span.Attributes(), attribute.String(otelhelper.InstanceIDKey, id))
	assert.Contains(t, span.Attributes(), attribute.String(otelhelper.DefinitionNameKey, "traced"))
	assert.Contains(t, span.Attributes(), attribute.String(otelhelper.NodeIDKey, "a"))
	assert.Contains(t, span.Attributes(), attribute.Int64(otelhelper.AttemptKey, 1))
}

func TestEngine_DependsOnOrdering(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	var (
		mu    sync.Mutex
		order []string
	)

	h.registry.RegisterFunc("record", func(_ context.Context, req protocol.Request) (protocol.Result, error) {
		mu.Lock()
		order = append(order, req.NodeID)
		mu.Unlock()

		return protocol.Result{}, nil
	})

	c := task("c", "record", "b")
	c.Priority = 100

	h.define(t, "chain", task("a", "record"), task("b", "record", "a"), c)
	h.run(t)

	id := h.start(t, "chain", nil)
	inst := h.waitStatus(t, id, models.InstanceStatusCompleted)

	assert.Equal(t, []string{"a", "b", "c"}, inst.ExecutionPath)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestEngine_RetryExhaustion(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	var calls atomic.Int32

	h.registry.RegisterFunc("flaky", func(_ context.Context, req protocol.Request) (protocol.Result, error) {
		calls.Add(1)

		return protocol.Result{}, errors.New("upstream unavailable")
	})

	node := task("sync", "flaky")
	node.MaxRetries = 2

	h.define(t, "retries", node, task("after", "echo", "sync"))
	h.run(t)

	id := h.start(t, "retries", nil)
	inst := h.waitStatus(t, id, models.InstanceStatusFailed)

	execs := h.executions(t, id, "sync")
	require.Len(t, execs, 3)

	for i, exec := range execs {
		assert.Equal(t, uint(i+1), exec.Attempt)
		assert.Equal(t, models.NodeExecutionFailed, exec.Status)
		assert.Equal(t, string(ErrorKindBusiness), exec.ErrorKind)
	}

	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []string{"sync"}, inst.FailedNodes)
	assert.Equal(t, "upstream unavailable", inst.NodeErrors["sync"])
	assert.Equal(t, string(ErrorKindBusiness), inst.ErrorKind)
	assert.Empty(t, h.executions(t, id, "after"))
	assert.Empty(t, inst.PendingRetries)
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	var calls atomic.Int32

	h.registry.RegisterFunc("flaky", func(_ context.Context, req protocol.Request) (protocol.Result, error) {
		if calls.Add(1) < 3 {
			return protocol.Result{}, errors.New("try again")
		}

		return protocol.Result{Output: map[string]any{"attempt": req.Attempt}}, nil
	})

	node := task("sync", "flaky")
	node.MaxRetries = 5

	h.define(t, "retries", node)
	h.run(t)

	id := h.start(t, "retries", nil)
	h.waitStatus(t, id, models.InstanceStatusCompleted)

	execs := h.executions(t, id, "sync")
	require.Len(t, execs, 3)
	assert.Equal(t, models.NodeExecutionSuccess, execs[2].Status)
	assert.EqualValues(t, 3, execs[2].OutputData["attempt"])
}

func TestEngine_RetryBackoff(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) {
		cfg.BaseDelay = time.Second
		cfg.MaxDelay = time.Minute
	})

	var calls atomic.Int32

	h.registry.RegisterFunc("flaky", func(context.Context, protocol.Request) (protocol.Result, error) {
		if calls.Add(1) == 1 {
			return protocol.Result{}, errors.New("try again")
		}

		return protocol.Result{}, nil
	})

	node := task("sync", "flaky")
	node.MaxRetries = 1

	h.define(t, "backoff", node)
	h.run(t)

	id := h.start(t, "backoff", nil)

	require.Eventually(t, func() bool {
		return len(h.peek(id).PendingRetries) == 1
	}, 5*time.Second, 5*time.Millisecond)

	retry := h.instance(t, id).PendingRetries["sync"]
	assert.Equal(t, uint(2), retry.Attempt)
	assert.Equal(t, epoch.Add(2*time.Second), retry.NotBefore.UTC())
	assert.Len(t, h.executions(t, id, "sync"), 1)

	require.Eventually(t, func() bool {
		h.clock.Advance(500 * time.Millisecond)

		return h.peek(id).Status == models.InstanceStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, h.executions(t, id, "sync"), 2)
}

func TestEngine_UnknownExecutorIsNotRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	node := task("send", "missing")
	node.MaxRetries = 3

	h.define(t, "misconfigured", node)
	h.run(t)

	id := h.start(t, "misconfigured", nil)
	inst := h.waitStatus(t, id, models.InstanceStatusFailed)

	execs := h.executions(t, id, "send")
	require.Len(t, execs, 1)
	assert.Equal(t, string(ErrorKindConfiguration), execs[0].ErrorKind)
	assert.Equal(t, string(ErrorKindConfiguration), inst.ErrorKind)
}

func TestEngine_ErrorPolicyContinue(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.registry.RegisterFunc("fail", func(context.Context, protocol.Request) (protocol.Result, error) {
		return protocol.Result{}, errors.New("boom")
	})

	optional := task("optional", "fail")
	optional.ErrorPolicy = models.ErrorPolicyContinue

	h.define(t, "tolerant", optional, task("after", "echo", "optional"))
	h.run(t)

	id := h.start(t, "tolerant", nil)
	inst := h.waitStatus(t, id, models.InstanceStatusCompleted)

	assert.Equal(t, []string{"optional"}, inst.SkippedNodes)
	assert.Equal(t, []string{"after"}, inst.CompletedNodes)
	assert.Equal(t, "boom", inst.NodeErrors["optional"])
}

func TestEngine_FalseConditionSkipsNode(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	fast := task("fast", "echo")
	condition := `{{ eq .input.mode "fast" }}`
	fast.Condition = &condition

	h.define(t, "conditional", fast, task("after", "echo", "fast"))
	h.run(t)

	id := h.start(t, "conditional", map[string]any{"mode": "slow"})
	inst := h.waitStatus(t, id, models.InstanceStatusCompleted)

	assert.Equal(t, []string{"fast"}, inst.SkippedNodes)
	assert.Equal(t, []string{"after"}, inst.ExecutionPath)

	execs := h.executions(t, id, "fast")
	require.Len(t, execs, 1)
	assert.Equal(t, models.NodeExecutionSkipped, execs[0].Status)
}

func TestEngine_Timeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	g := newGate()
	h.registry.RegisterFunc("slow", g.execute)

	node := task("slow", "slow")
	seconds := uint(1)
	node.TimeoutSeconds = &seconds

	h.define(t, "timeouts", node)
	h.run(t)

	id := h.start(t, "timeouts", nil)
	g.wait(t)

	h.clock.Advance(2 * time.Second)

	inst := h.waitStatus(t, id, models.InstanceStatusFailed)
	assert.Equal(t, string(ErrorKindTimeout), inst.ErrorKind)

	execs := h.executions(t, id, "slow")
	require.Len(t, execs, 1)
	assert.Equal(t, models.NodeExecutionFailed, execs[0].Status)
	assert.Equal(t, string(ErrorKindTimeout), execs[0].ErrorKind)
	require.NotNil(t, execs[0].ErrorMessage)
	assert.Equal(t, "timeout", *execs[0].ErrorMessage)
}

func TestEngine_LateResultAfterTimeoutIsDiscarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	started := make(chan uint, 2)
	late := make(chan struct{})
	second := make(chan struct{})

	// The executor ignores cancellation, so the timed out call still replies.
	h.registry.RegisterFunc("stubborn", func(_ context.Context, req protocol.Request) (protocol.Result, error) {
		started <- req.Attempt

		if req.Attempt == 1 {
			<-late
		} else {
			<-second
		}

		return protocol.Result{Output: map[string]any{"attempt": req.Attempt}}, nil
	})

	seconds := uint(1)
	node := task("x", "stubborn")
	node.TimeoutSeconds = &seconds
	node.MaxRetries = 1

	h.define(t, "late", node)
	h.run(t)

	id := h.start(t, "late", nil)
	require.EqualValues(t, 1, <-started)

	h.clock.Advance(2 * time.Second)
	require.EqualValues(t, 2, <-started)

	close(late)

	require.Eventually(t, func() bool {
		return promtest.ToFloat64(h.engine.metrics.inflight) == 1
	}, 5*time.Second, 5*time.Millisecond)

	inst := h.instance(t, id)
	assert.Equal(t, models.InstanceStatusRunning, inst.Status)
	assert.Empty(t, inst.ExecutionPath)
	assert.NotContains(t, inst.Outputs, "x")

	close(second)

	inst = h.waitStatus(t, id, models.InstanceStatusCompleted)
	assert.Equal(t, []string{"x"}, inst.ExecutionPath)
	assert.EqualValues(t, 2, inst.Outputs["x"]["attempt"])

	execs := h.executions(t, id, "x")
	require.Len(t, execs, 2)
	assert.EqualValues(t, 1, execs[0].Attempt)
	assert.Equal(t, models.NodeExecutionFailed, execs[0].Status)
	assert.Equal(t, string(ErrorKindTimeout), execs[0].ErrorKind)
	assert.EqualValues(t, 2, execs[1].Attempt)
	assert.Equal(t, models.NodeExecutionSuccess, execs[1].Status)
	assert.EqualValues(t, 2, execs[1].OutputData["attempt"])
}

func TestEngine_Loop(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	var (
		mu      sync.Mutex
		indexes []int
		failed  atomic.Bool
	)

	h.registry.RegisterFunc("double", func(_ context.Context, req protocol.Request) (protocol.Result, error) {
		index := *req.Iteration
		if index == 2 && !failed.Swap(true) {
			return protocol.Result{}, errors.New("transient")
		}

		mu.Lock()
		indexes = append(indexes, index)
		mu.Unlock()

		item, _ := req.Input["item"].(float64)

		return protocol.Result{Output: map[string]any{"value": item * 2}}, nil
	})

	loop := &models.TaskNode{
		NodeID:      "each",
		NodeType:    models.NodeTypeLoop,
		ExecutorRef: "double",
		MaxRetries:  1,
		Loop:        &models.LoopSpec{Items: []any{1, 2, 3, 4, 5}},
	}

	h.define(t, "loops", loop)
	h.run(t)

	id := h.start(t, "loops", nil)
	inst := h.waitStatus(t, id, models.InstanceStatusCompleted)

	assert.EqualValues(t, 5, inst.Outputs["each"]["count"])

	record, err := h.store.LoopExecutionRepository().Get(t.Context(), id, "each")
	require.NoError(t, err)
	assert.Equal(t, 5, record.TotalIterations)
	require.Len(t, record.Iterations, 5)

	for i, it := range record.Iterations {
		assert.Equal(t, i, it.Index)
		assert.Equal(t, models.NodeExecutionSuccess, it.Status)
		assert.EqualValues(t, (i+1)*2, it.OutputData["value"])
	}

	assert.Equal(t, uint(2), record.Iterations[2].Attempt)

	execs := h.executions(t, id, "each")
	require.Len(t, execs, 1)
	assert.Equal(t, models.NodeExecutionSuccess, execs[0].Status)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, indexes)
}

func TestEngine_LoopItemsFrom(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.registry.RegisterFunc("list", func(context.Context, protocol.Request) (protocol.Result, error) {
		return protocol.Result{Output: map[string]any{"ids": []any{"x", "y"}}}, nil
	})

	loop := &models.TaskNode{
		NodeID:      "each",
		NodeType:    models.NodeTypeLoop,
		ExecutorRef: "echo",
		DependsOn:   []string{"fetch"},
		Loop:        &models.LoopSpec{ItemsFrom: "nodes.fetch.ids"},
	}

	h.define(t, "dynamic", task("fetch", "list"), loop)
	h.run(t)

	id := h.start(t, "dynamic", nil)
	inst := h.waitStatus(t, id, models.InstanceStatusCompleted)

	assert.EqualValues(t, 2, inst.Outputs["each"]["count"])
}

func TestEngine_MutexKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	g := newGate()
	h.registry.RegisterFunc("hold", g.execute)

	h.define(t, "exclusive", task("work", "hold"))
	h.run(t)

	first := h.create(t, CreateRequest{DefinitionName: "exclusive", MutexKey: "sem-A"})
	second := h.create(t, CreateRequest{DefinitionName: "exclusive", MutexKey: "sem-A"})

	require.NoError(t, h.engine.Start(t.Context(), first.ID))
	assert.Equal(t, first.ID+"/work", g.wait(t))

	require.NoError(t, h.engine.Start(t.Context(), second.ID))
	h.waitLog(t, second.ID, "waiting for mutex sem-A")

	assert.Equal(t, models.InstanceStatusRunning, h.instance(t, first.ID).Status)
	assert.Equal(t, models.InstanceStatusPending, h.instance(t, second.ID).Status)
	assert.Empty(t, h.executions(t, second.ID, "work"))

	g.open()

	h.waitStatus(t, first.ID, models.InstanceStatusCompleted)
	h.waitStatus(t, second.ID, models.InstanceStatusCompleted)

	holder, err := h.engine.mutexes.Holder(t.Context(), "sem-A")
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestEngine_LostMutexStopsDispatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	g := newGate()
	h.registry.RegisterFunc("hold", g.execute)

	h.define(t, "exclusive", task("work", "hold"), task("next", "echo", "work"))
	h.run(t)

	inst := h.create(t, CreateRequest{DefinitionName: "exclusive", MutexKey: "sem-A"})
	require.NoError(t, h.engine.Start(t.Context(), inst.ID))
	assert.Equal(t, inst.ID+"/work", g.wait(t))

	require.NoError(t, h.engine.mutexes.Release(t.Context(), "sem-A", inst.ID))

	acquired, err := h.engine.mutexes.TryAcquire(t.Context(), "sem-A", "intruder", 0, time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	g.open()

	h.waitLog(t, inst.ID, `waiting for mutex sem-A held by "intruder"`)

	works := h.executions(t, inst.ID, "work")
	require.Len(t, works, 1)
	assert.Equal(t, models.NodeExecutionSuccess, works[0].Status)
	assert.Empty(t, h.executions(t, inst.ID, "next"))
	assert.Equal(t, models.InstanceStatusRunning, h.instance(t, inst.ID).Status)

	require.NoError(t, h.engine.mutexes.Release(t.Context(), "sem-A", "intruder"))

	require.Eventually(t, func() bool {
		h.clock.Advance(h.cfg.MutexPollInterval)

		return h.peek(inst.ID).Status == models.InstanceStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"work", "next"}, h.instance(t, inst.ID).ExecutionPath)
}

func TestEngine_CancelCompletedIsConflict(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.define(t, "single", task("a", "echo"))
	h.run(t)

	id := h.start(t, "single", nil)
	h.waitStatus(t, id, models.InstanceStatusCompleted)

	err := h.engine.Cancel(t.Context(), id, "too late")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, IsInvalidTransition(err))

	assert.ErrorIs(t, h.engine.Pause(t.Context(), id), ErrInvalidTransition)
	assert.ErrorIs(t, h.engine.Start(t.Context(), id), ErrInvalidTransition)
	assert.Equal(t, models.InstanceStatusCompleted, h.instance(t, id).Status)
}

func TestEngine_CancelRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	g := newGate()
	h.registry.RegisterFunc("hold", g.execute)

	h.define(t, "long", task("a", "hold"), task("b", "echo", "a"))
	h.run(t)

	id := h.start(t, "long", nil)
	g.wait(t)

	require.NoError(t, h.engine.Cancel(t.Context(), id, "operator request"))
	assert.Equal(t, models.InstanceStatusCancelled, h.instance(t, id).Status)

	require.Eventually(t, func() bool {
		execs := h.peekExecutions(id, "a")

		return len(execs) == 1 && execs[0].Status == models.NodeExecutionCancelled
	}, 5*time.Second, 5*time.Millisecond)

	assert.Empty(t, h.executions(t, id, "b"))
}

func TestEngine_PauseResume(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	g := newGate()
	h.registry.RegisterFunc("hold", g.execute)

	h.define(t, "pausable", task("a", "hold"), task("b", "echo", "a"))
	h.run(t)

	id := h.start(t, "pausable", nil)
	g.wait(t)

	require.NoError(t, h.engine.Pause(t.Context(), id))
	g.open()

	require.Eventually(t, func() bool {
		return h.peek(id).IsCompleted("a")
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, models.InstanceStatusPaused, h.instance(t, id).Status)
	assert.Empty(t, h.executions(t, id, "b"))

	require.NoError(t, h.engine.Resume(t.Context(), id))

	inst := h.waitStatus(t, id, models.InstanceStatusCompleted)
	assert.Equal(t, []string{"a", "b"}, inst.ExecutionPath)
}

func TestEngine_ReplayedCompletionIsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	g := newGate()
	h.registry.RegisterFunc("hold", g.execute)

	h.define(t, "replay", task("a", "hold"))
	h.run(t)

	id := h.start(t, "replay", nil)
	g.wait(t)

	rt := h.engine.lookup(id)
	require.NotNil(t, rt)

	rt.mu.Lock()
	fl := rt.flights["a"]
	require.NotNil(t, fl)

	result := completion{
		instanceID:  id,
		nodeID:      "a",
		executionID: fl.exec.ID,
		attempt:     1,
		output:      map[string]any{"value": 1},
	}

	require.NoError(t, h.engine.applyCompletion(t.Context(), rt, result))
	require.NoError(t, h.engine.applyCompletion(t.Context(), rt, result))
	rt.mu.Unlock()

	h.engine.enqueue(id)

	inst := h.waitStatus(t, id, models.InstanceStatusCompleted)
	assert.Equal(t, []string{"a"}, inst.CompletedNodes)
	assert.Equal(t, []string{"a"}, inst.ExecutionPath)

	execs := h.executions(t, id, "a")
	require.Len(t, execs, 1)
	assert.Equal(t, models.NodeExecutionSuccess, execs[0].Status)
	assert.EqualValues(t, 1, execs[0].OutputData["value"])
}

func TestEngine_Parallel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		policy      models.ParallelFailurePolicy
		errorPolicy models.ErrorPolicy
		first       string
		second      string
		wantStatus  models.InstanceStatus
		wantError   string
		wantSecond  models.NodeExecutionStatus
	}{
		{
			name:       "all branches succeed",
			policy:     models.ParallelFailFast,
			first:      "echo",
			second:     "echo",
			wantStatus: models.InstanceStatusCompleted,
			wantSecond: models.NodeExecutionSuccess,
		},
		{
			name:       "fail-fast cancels running branches",
			policy:     models.ParallelFailFast,
			first:      "fail",
			second:     "hold",
			wantStatus: models.InstanceStatusFailed,
			wantError:  "node fanout failed: branch c1 failed: boom",
			wantSecond: models.NodeExecutionCancelled,
		},
		{
			name:       "wait-for-all reports after every branch",
			policy:     models.ParallelWaitForAll,
			first:      "fail",
			second:     "echo",
			wantStatus: models.InstanceStatusFailed,
			wantError:  "node fanout failed: branches failed: c1",
			wantSecond: models.NodeExecutionSuccess,
		},
		{
			name:        "continue policy skips the node and its failed branches",
			policy:      models.ParallelWaitForAll,
			errorPolicy: models.ErrorPolicyContinue,
			first:       "fail",
			second:      "echo",
			wantStatus:  models.InstanceStatusCompleted,
			wantSecond:  models.NodeExecutionSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			g := newGate()
			h.registry.RegisterFunc("hold", g.execute)
			h.registry.RegisterFunc("fail", func(context.Context, protocol.Request) (protocol.Result, error) {
				return protocol.Result{}, errors.New("boom")
			})

			fanout := &models.TaskNode{
				NodeID:      "fanout",
				NodeType:    models.NodeTypeParallel,
				ErrorPolicy: tt.errorPolicy,
				Parallel:    &models.ParallelSpec{FailurePolicy: tt.policy},
			}

			c1 := task("c1", tt.first)
			c1.ParentID = "fanout"
			c2 := task("c2", tt.second)
			c2.ParentID = "fanout"

			h.define(t, "parallel", fanout, c1, c2, task("after", "echo", "fanout"))
			h.run(t)

			id := h.start(t, "parallel", nil)
			inst := h.waitStatus(t, id, tt.wantStatus)

			assert.Equal(t, tt.wantError, inst.ErrorMessage)

			require.Eventually(t, func() bool {
				execs := h.peekExecutions(id, "c2")

				return len(execs) == 1 && execs[0].Status == tt.wantSecond
			}, 5*time.Second, 5*time.Millisecond)

			if tt.errorPolicy == models.ErrorPolicyContinue {
				assert.Empty(t, inst.FailedNodes)
				assert.ElementsMatch(t, []string{"c1", "fanout"}, inst.SkippedNodes)
				assert.Equal(t, "boom", inst.NodeErrors["c1"])
				assert.True(t, inst.IsCompleted("after"))

				return
			}

			if tt.wantStatus == models.InstanceStatusCompleted {
				assert.Contains(t, inst.Outputs["fanout"], "c1")
				assert.Contains(t, inst.Outputs["fanout"], "c2")
				assert.True(t, inst.IsCompleted("after"))

				return
			}

			assert.Contains(t, inst.FailedNodes, "fanout")
			assert.Empty(t, h.executions(t, id, "after"))
		})
	}
}

func TestEngine_Subprocess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		reuse        bool
		wantChildren int
		wantReused   bool
	}{
		{name: "reuse picks the existing child", reuse: true, wantChildren: 1, wantReused: true},
		{name: "without reuse a fresh child is created", reuse: false, wantChildren: 2, wantReused: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			child := h.define(t, "child", task("work", "echo"))

			h.define(t, "parent", &models.TaskNode{
				NodeID:     "sub",
				NodeType:   models.NodeTypeSubprocess,
				InputData:  map[string]any{"from": "{{ .input.name }}"},
				Subprocess: &models.SubprocessSpec{DefinitionName: "child", Reuse: tt.reuse},
			})
			h.run(t)

			parent := h.create(t, CreateRequest{DefinitionName: "parent", Input: map[string]any{"name": "acme"}})

			parentID, nodeID := parent.ID, "sub"
			existing := newInstance(child, epoch.Add(-time.Hour))
			existing.Status = models.InstanceStatusCompleted
			existing.ParentInstanceID = &parentID
			existing.ParentNodeID = &nodeID
			existing.Outputs = map[string]map[string]any{"work": {"seeded": true}}

			require.NoError(t, h.store.Commit(t.Context(), &persistence.Changeset{
				Instances: []*models.WorkflowInstance{existing},
			}))

			require.NoError(t, h.engine.Start(t.Context(), parent.ID))
			inst := h.waitStatus(t, parent.ID, models.InstanceStatusCompleted)

			children, err := h.store.InstanceRepository().Children(t.Context(), parent.ID, "sub")
			require.NoError(t, err)
			require.Len(t, children, tt.wantChildren)

			output := inst.Outputs["sub"]
			if tt.wantReused {
				assert.Equal(t, existing.ID, output["instance_id"])

				return
			}

			assert.NotEqual(t, existing.ID, output["instance_id"])

			fresh := children[len(children)-1]
			assert.Equal(t, models.InstanceStatusCompleted, fresh.Status)
			assert.Equal(t, "acme", fresh.Input["from"])
			assert.Equal(t, fresh.ID, output["instance_id"])
		})
	}
}

func TestEngine_SubprocessChildFailureFailsParent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.registry.RegisterFunc("fail", func(context.Context, protocol.Request) (protocol.Result, error) {
		return protocol.Result{}, errors.New("child broke")
	})

	h.define(t, "child", task("work", "fail"))
	h.define(t, "parent", &models.TaskNode{
		NodeID:     "sub",
		NodeType:   models.NodeTypeSubprocess,
		Subprocess: &models.SubprocessSpec{DefinitionName: "child"},
	})
	h.run(t)

	id := h.start(t, "parent", nil)
	inst := h.waitStatus(t, id, models.InstanceStatusFailed)

	assert.Contains(t, inst.NodeErrors["sub"], "child broke")
}

func TestEngine_RecoversStaleLease(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	node := task("sync", "echo")
	node.MaxRetries = 2

	def := h.define(t, "recoverable", node)

	stale := epoch.Add(-2 * h.cfg.LeaseGracePeriod)

	inst := newInstance(def, stale)
	inst.Status = models.InstanceStatusRunning
	inst.StartRequested = true
	inst.StartedAt = &stale
	inst.OwnerID = "engine-dead"
	inst.HeartbeatAt = &stale

	lost := &models.NodeExecution{
		ID:          "lost-1",
		InstanceID:  inst.ID,
		NodeID:      "sync",
		Attempt:     1,
		Status:      models.NodeExecutionRunning,
		StartTime:   &stale,
		LeaseOwner:  "engine-dead",
		HeartbeatAt: &stale,
	}

	require.NoError(t, h.store.Commit(t.Context(), &persistence.Changeset{
		Instances:  []*models.WorkflowInstance{inst},
		Executions: []*models.NodeExecution{lost},
	}))

	report, err := h.engine.RecoverNow(t.Context())
	require.NoError(t, err)
	assert.Equal(t, RecoveryReport{InstancesAdopted: 1, AttemptsRedispatched: 1}, report)

	h.run(t)

	recovered := h.waitStatus(t, inst.ID, models.InstanceStatusCompleted)
	assert.Equal(t, testEngineID, recovered.OwnerID)

	execs := h.executions(t, inst.ID, "sync")
	require.Len(t, execs, 2)
	assert.Equal(t, models.NodeExecutionFailed, execs[0].Status)
	assert.Equal(t, string(ErrorKindInfrastructure), execs[0].ErrorKind)
	require.NotNil(t, execs[0].ErrorMessage)
	assert.Equal(t, "lease expired", *execs[0].ErrorMessage)
	assert.Equal(t, uint(2), execs[1].Attempt)
	assert.Equal(t, models.NodeExecutionSuccess, execs[1].Status)
	assert.Equal(t, testEngineID, execs[1].LeaseOwner)

	h.waitLog(t, inst.ID, "lost with its engine lease")
}

func TestEngine_RecoveryAdoptsOrphanedInstance(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	def := h.define(t, "orphaned", task("a", "echo"))

	stale := epoch.Add(-2 * h.cfg.LeaseGracePeriod)

	inst := newInstance(def, stale)
	inst.StartRequested = true
	inst.OwnerID = "engine-dead"
	inst.HeartbeatAt = &stale

	require.NoError(t, h.store.Commit(t.Context(), &persistence.Changeset{Instances: []*models.WorkflowInstance{inst}}))

	report, err := h.engine.RecoverNow(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, report.InstancesAdopted)

	h.run(t)
	h.waitStatus(t, inst.ID, models.InstanceStatusCompleted)
}

func TestEngine_PublishesLifecycleEvents(t *testing.T) {
	t.Parallel()

	completed := make(chan *events.InstanceCompleted, 1)

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.AnythingOfType("*events.InstanceCompleted")).
		Run(func(args mock.Arguments) { completed <- args.Get(2).(*events.InstanceCompleted) }).
		Return(nil).
		Once()
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	h := newHarness(t)

	engine, err := New(h.cfg, h.engine.logger, h.store, h.registry, nil, bus)
	require.NoError(t, err)

	h.engine = engine
	h.define(t, "events", task("a", "echo"))
	h.run(t)

	id := h.start(t, "events", nil)
	h.waitStatus(t, id, models.InstanceStatusCompleted)

	select {
	case event := <-completed:
		assert.Equal(t, id, event.InstanceID)
		assert.Equal(t, testEngineID, event.EngineID)
	case <-time.After(5 * time.Second):
		t.Fatal("instance.completed was never published")
	}

	bus.AssertCalled(t, "Publish", mock.Anything, id, mock.AnythingOfType("*events.InstanceStarted"))
	bus.AssertCalled(t, "Publish", mock.Anything, id, mock.AnythingOfType("*events.NodeExecutionFinished"))
}

func TestCreateInstance(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.define(t, "create", task("a", "echo"))

	draft := &models.WorkflowDefinition{ID: "draft", Name: "create", Version: 2, Status: models.DefinitionStatusDraft}
	require.NoError(t, h.store.DefinitionRepository().Create(t.Context(), draft))

	inst := h.create(t, CreateRequest{DefinitionName: "create", BusinessKey: "order-7", MutexKey: "orders", Priority: 3})
	assert.Equal(t, uint(1), inst.DefinitionVersion)
	assert.Equal(t, models.InstanceStatusPending, inst.Status)
	assert.Equal(t, "order-7", *inst.BusinessKey)
	assert.Equal(t, "orders", *inst.MutexKey)
	assert.Equal(t, int64(1), inst.Revision)

	_, err := CreateInstance(t.Context(), h.store, h.clock, testEngineID, CreateRequest{DefinitionName: "create", DefinitionVersion: 2})
	require.ErrorIs(t, err, ErrDefinitionNotExecutable)

	_, err = CreateInstance(t.Context(), h.store, h.clock, testEngineID, CreateRequest{DefinitionName: "unknown"})
	assert.True(t, persistence.IsDefinitionNotFound(err))
}
