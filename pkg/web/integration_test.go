//go:build integration

package web_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/dukex/taskflow/pkg/engine"
	"github.com/dukex/taskflow/pkg/persistence/postgresql"
	"github.com/dukex/taskflow/pkg/registry"
	"github.com/dukex/taskflow/pkg/services"
	"github.com/dukex/taskflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "taskflow_web",
				"POSTGRES_USER":     "taskflow",
				"POSTGRES_PASSWORD": "taskflow",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://taskflow:taskflow@%s:%s/taskflow_web?sslmode=disable", host, port.Port())
}

func TestIntegration_DiamondOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.DiscardHandler)

	store, err := postgresql.NewPersistence(ctx, logger, setupTestDB(t))
	require.NoError(t, err)

	defer func() { _ = store.Close(ctx) }()

	reg := registry.NewRegistry(logger)
	reg.RegisterDefaultExecutors()

	cfg := engine.DefaultConfig()
	cfg.EngineInstanceID = "engine-integration"
	cfg.RecoverySchedule = ""

	eng, err := engine.New(cfg, logger, store, reg, nil, nil)
	require.NoError(t, err)

	go func() { _ = eng.Run(ctx) }()

	clock := clockwork.NewRealClock()
	handlers := web.NewAPIHandlers(
		services.NewDefinitions(store, reg, clock),
		services.NewInstances(store, services.NewEmbeddedController(eng), clock, cfg.EngineInstanceID),
		validator.New(validator.WithRequiredStructEnabled()),
		map[string]web.HealthChecker{"persistence": store},
		logger,
	)

	app := fiber.New()
	handlers.Register(app)

	api := &testApp{app: app, store: store}

	transform := func(id, expression string, deps ...string) map[string]any {
		return map[string]any{
			"node_id":      id,
			"node_type":    "task",
			"executor_ref": "transform",
			"depends_on":   deps,
			"input_data":   map[string]any{"expression": expression},
		}
	}

	status, body := api.do(t, http.MethodPost, "/definitions", map[string]any{
		"name": "diamond",
		"nodes": []map[string]any{
			transform("A", `{{ .input.value }}`),
			transform("B", `{{ .nodes.A.result }}-b`, "A"),
			transform("C", `{{ .nodes.A.result }}-c`, "A"),
			transform("D", `{{ .nodes.B.result }}+{{ .nodes.C.result }}`, "B", "C"),
		},
	})
	require.Equal(t, http.StatusCreated, status, body)

	status, body = api.do(t, http.MethodPost, "/definitions/diamond/versions/1/publish", nil)
	require.Equal(t, http.StatusOK, status, body)

	status, created := api.do(t, http.MethodPost, "/instances", map[string]any{
		"definition_name": "diamond",
		"input":           map[string]any{"value": "a"},
		"start":           true,
	})
	require.Equal(t, http.StatusCreated, status, created)

	id, _ := created["id"].(string)

	var inst map[string]any

	require.Eventually(t, func() bool {
		_, inst = api.do(t, http.MethodGet, "/instances/"+id, nil)

		return inst["status"] == "completed"
	}, 30*time.Second, 100*time.Millisecond)

	path, _ := inst["execution_path"].([]any)
	require.Len(t, path, 4)
	assert.Equal(t, "A", path[0])
	assert.Equal(t, "D", path[3])

	outputs, _ := inst["outputs"].(map[string]any)
	assert.Equal(t, map[string]any{"result": "a-b+a-c"}, outputs["D"])

	status, executions := api.do(t, http.MethodGet, "/instances/"+id+"/executions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, executions["executions"], 4)

	status, logs := api.do(t, http.MethodGet, "/instances/"+id+"/logs?node=D", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, logs["logs"])
}
