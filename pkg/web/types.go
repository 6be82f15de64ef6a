// Package web provides the HTTP handlers of the taskflow REST API.
package web

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/gofiber/fiber/v3"
)

// CancelRequest is the optional body of a cancel command.
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=1024"`
}

// HealthResponse reports the state of every dependency.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// pageQuery reads limit and offset.
func pageQuery(c fiber.Ctx) (limit, offset int, err error) {
	if limit, err = intQuery(c, "limit"); err != nil {
		return 0, 0, err
	}

	if offset, err = intQuery(c, "offset"); err != nil {
		return 0, 0, err
	}

	return limit, offset, nil
}

func intQuery(c fiber.Ctx, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}

	return value, nil
}

func timeQuery(c fiber.Ctx, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}

	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}

	return &value, nil
}

// statusesQuery splits a comma separated status filter.
func statusesQuery(c fiber.Ctx) []models.InstanceStatus {
	raw := c.Query("status")
	if raw == "" {
		return nil
	}

	var statuses []models.InstanceStatus
	for part := range strings.SplitSeq(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			statuses = append(statuses, models.InstanceStatus(part))
		}
	}

	return statuses
}

// versionParam reads :version. "latest" maps to 0.
func versionParam(c fiber.Ctx) (uint, error) {
	raw := c.Params("version")
	if raw == "latest" {
		return 0, nil
	}

	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || value == 0 {
		return 0, fmt.Errorf("version must be a positive integer or latest, got %q", raw)
	}

	return uint(value), nil
}
