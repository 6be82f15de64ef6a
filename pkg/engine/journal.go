package engine

import (
	"fmt"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// journal builds execution log entries stamped with the engine id.
type journal struct {
	engineID string
	clock    clockwork.Clock
}

func (j journal) entry(instanceID, nodeID string, attempt uint, level models.LogLevel, format string, args ...any) *models.ExecutionLogEntry {
	entry := &models.ExecutionLogEntry{
		ID:               uuid.Must(uuid.NewV7()).String(),
		InstanceID:       instanceID,
		Attempt:          attempt,
		Level:            level,
		Message:          fmt.Sprintf(format, args...),
		Timestamp:        j.clock.Now().UTC(),
		EngineInstanceID: j.engineID,
	}

	if nodeID != "" {
		entry.NodeID = &nodeID
	}

	return entry
}
