package web

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type APIHandlers struct {
	definitions *services.Definitions
	instances   *services.Instances
	validator   *validator.Validate
	checks      map[string]HealthChecker
	logger      *slog.Logger
}

func NewAPIHandlers(
	definitions *services.Definitions,
	instances *services.Instances,
	validator *validator.Validate,
	checks map[string]HealthChecker,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		definitions: definitions,
		instances:   instances,
		validator:   validator,
		checks:      checks,
		logger:      logger.With("module", "web"),
	}
}

// Register mounts every API route on router.
func (h *APIHandlers) Register(router fiber.Router) {
	router.Get("/health", h.HealthCheck)

	d := router.Group("/definitions")
	d.Get("/", h.ListDefinitions)
	d.Post("/", h.CreateDefinition)
	d.Get("/:name/versions/:version", h.GetDefinition)
	d.Put("/:name/versions/:version", h.UpdateDefinition)
	d.Delete("/:name/versions/:version", h.DeleteDefinition)
	d.Post("/:name/versions/:version/publish", h.PublishDefinition)
	d.Post("/:name/versions/:version/deprecate", h.DeprecateDefinition)
	d.Post("/:name/versions/:version/archive", h.ArchiveDefinition)
	d.Post("/:name/versions/:version/drafts", h.CreateDraftFromVersion)

	i := router.Group("/instances")
	i.Get("/", h.ListInstances)
	i.Post("/", h.CreateInstance)
	i.Get("/by-key/:key", h.GetInstanceByBusinessKey)
	i.Get("/:id", h.GetInstance)
	i.Post("/:id/start", h.StartInstance)
	i.Post("/:id/pause", h.PauseInstance)
	i.Post("/:id/resume", h.ResumeInstance)
	i.Post("/:id/cancel", h.CancelInstance)
	i.Get("/:id/executions", h.GetExecutions)
	i.Get("/:id/loops", h.GetLoops)
	i.Get("/:id/logs", h.GetLogs)

	router.Post("/recovery/sweep", h.RecoverySweep)
}

func (h *APIHandlers) ListDefinitions(c fiber.Ctx) error {
	limit, offset, err := pageQuery(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	req := services.ListDefinitionsRequest{Name: c.Query("name"), Limit: limit, Offset: offset}

	if status := c.Query("status"); status != "" {
		s := models.DefinitionStatus(status)
		req.Status = &s
	}

	result, err := h.definitions.List(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) CreateDefinition(c fiber.Ctx) error {
	var req services.DefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	def, err := h.definitions.CreateDraft(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(def)
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	version, err := versionParam(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	def, err := h.definitions.Get(c.Context(), c.Params("name"), version)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(def)
}

// exactVersion rejects "latest" on routes that modify a definition.
func exactVersion(c fiber.Ctx) (uint, bool, error) {
	version, err := versionParam(c)
	if err != nil {
		return 0, false, badRequest(c, err.Error())
	}

	if version == 0 {
		return 0, false, badRequest(c, "an explicit version is required")
	}

	return version, true, nil
}

func (h *APIHandlers) UpdateDefinition(c fiber.Ctx) error {
	version, ok, err := exactVersion(c)
	if !ok {
		return err
	}

	var req services.DefinitionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	def, err := h.definitions.UpdateDraft(c.Context(), c.Params("name"), version, req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) DeleteDefinition(c fiber.Ctx) error {
	version, ok, err := exactVersion(c)
	if !ok {
		return err
	}

	if err := h.definitions.DeleteDraft(c.Context(), c.Params("name"), version); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) PublishDefinition(c fiber.Ctx) error {
	return h.definitionCommand(c, h.definitions.Publish, fiber.StatusOK)
}

func (h *APIHandlers) DeprecateDefinition(c fiber.Ctx) error {
	return h.definitionCommand(c, h.definitions.Deprecate, fiber.StatusOK)
}

func (h *APIHandlers) ArchiveDefinition(c fiber.Ctx) error {
	return h.definitionCommand(c, h.definitions.Archive, fiber.StatusOK)
}

func (h *APIHandlers) CreateDraftFromVersion(c fiber.Ctx) error {
	return h.definitionCommand(c, h.definitions.CreateDraftFromVersion, fiber.StatusCreated)
}

func (h *APIHandlers) definitionCommand(
	c fiber.Ctx,
	fn func(ctx context.Context, name string, version uint) (*models.WorkflowDefinition, error),
	status int,
) error {
	version, ok, err := exactVersion(c)
	if !ok {
		return err
	}

	def, err := fn(c.Context(), c.Params("name"), version)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(status).JSON(def)
}

func (h *APIHandlers) ListInstances(c fiber.Ctx) error {
	limit, offset, err := pageQuery(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.instances.List(c.Context(), services.ListInstancesRequest{
		Statuses:       statusesQuery(c),
		DefinitionName: c.Query("definition"),
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) CreateInstance(c fiber.Ctx) error {
	var req services.CreateInstanceRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	inst, err := h.instances.Create(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(inst)
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	inst, err := h.instances.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(inst)
}

func (h *APIHandlers) GetInstanceByBusinessKey(c fiber.Ctx) error {
	inst, err := h.instances.GetByBusinessKey(c.Context(), c.Params("key"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(inst)
}

func (h *APIHandlers) StartInstance(c fiber.Ctx) error {
	return h.instanceCommand(c, h.instances.Start)
}

func (h *APIHandlers) PauseInstance(c fiber.Ctx) error {
	return h.instanceCommand(c, h.instances.Pause)
}

func (h *APIHandlers) ResumeInstance(c fiber.Ctx) error {
	return h.instanceCommand(c, h.instances.Resume)
}

func (h *APIHandlers) CancelInstance(c fiber.Ctx) error {
	var req CancelRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}

		if err := h.validator.Struct(req); err != nil {
			return badRequest(c, "Validation failed: "+err.Error())
		}
	}

	return h.instanceCommand(c, func(ctx context.Context, id string) error {
		return h.instances.Cancel(ctx, id, req.Reason)
	})
}

// instanceCommand answers 202: the command is accepted, the instance moves
// asynchronously.
func (h *APIHandlers) instanceCommand(c fiber.Ctx, fn func(ctx context.Context, id string) error) error {
	id := c.Params("id")

	if err := fn(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"instance_id": id})
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	executions, err := h.instances.Executions(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"executions": executions})
}

func (h *APIHandlers) GetLoops(c fiber.Ctx) error {
	loops, err := h.instances.Loops(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"loops": loops})
}

func (h *APIHandlers) GetLogs(c fiber.Ctx) error {
	limit, offset, err := pageQuery(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	from, err := timeQuery(c, "from")
	if err != nil {
		return badRequest(c, err.Error())
	}

	to, err := timeQuery(c, "to")
	if err != nil {
		return badRequest(c, err.Error())
	}

	entries, err := h.instances.Logs(c.Context(), services.LogsRequest{
		InstanceID: c.Params("id"),
		NodeID:     c.Query("node"),
		Level:      models.LogLevel(c.Query("level")),
		From:       from,
		To:         to,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"logs": entries})
}

// RecoverySweep runs a sweep in process, or answers 202 when it was handed to
// an engine process.
func (h *APIHandlers) RecoverySweep(c fiber.Ctx) error {
	report, err := h.instances.Recover(c.Context())
	if err != nil {
		h.logger.ErrorContext(c.Context(), "Recovery sweep failed", "error", err)

		return handleServiceError(c, err)
	}

	if report == nil {
		return c.SendStatus(fiber.StatusAccepted)
	}

	return c.JSON(report)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	response := HealthResponse{Status: "healthy", Checks: make(map[string]string, len(h.checks))}

	for _, name := range slices.Sorted(maps.Keys(h.checks)) {
		if err := h.checks[name].HealthCheck(c.Context()); err != nil {
			response.Status = "unhealthy"
			response.Checks[name] = err.Error()

			continue
		}

		response.Checks[name] = "ok"
	}

	if response.Status != "healthy" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(response)
	}

	return c.JSON(response)
}
