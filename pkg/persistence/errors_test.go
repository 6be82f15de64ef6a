package persistence_test

import (
	"errors"
	"testing"
	"time"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("definition error unwraps", func(t *testing.T) {
		t.Parallel()

		err := persistence.NewDefinitionError("Get", "billing", 3, persistence.ErrDefinitionNotFound)

		assert.True(t, persistence.IsDefinitionNotFound(err))
		assert.True(t, persistence.IsNotFound(err))
		assert.Contains(t, err.Error(), "billing@3")
	})

	t.Run("instance error unwraps", func(t *testing.T) {
		t.Parallel()

		err := persistence.NewInstanceError("Commit", "inst-1", persistence.ErrRevisionConflict)

		assert.True(t, persistence.IsRevisionConflict(err))
		assert.False(t, persistence.IsNotFound(err))
		assert.True(t, errors.Is(err, persistence.ErrRevisionConflict))
		assert.Contains(t, err.Error(), "inst-1")
	})
}

func TestPage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n, offset, limit int
		start, end       int
		hasNext          bool
	}{
		{n: 10, offset: 0, limit: 0, start: 0, end: 10},
		{n: 10, offset: 0, limit: 3, start: 0, end: 3, hasNext: true},
		{n: 10, offset: 9, limit: 3, start: 9, end: 10},
		{n: 10, offset: 20, limit: 3, start: 10, end: 10},
		{n: 0, offset: 0, limit: 20, start: 0, end: 0},
	}

	for _, tt := range tests {
		start, end, hasNext := persistence.Page(tt.n, tt.offset, tt.limit)
		assert.Equal(t, tt.start, start)
		assert.Equal(t, tt.end, end)
		assert.Equal(t, tt.hasNext, hasNext)
	}
}

func TestLogQuery_Matches(t *testing.T) {
	t.Parallel()

	node := "fetch"
	warn := models.LogLevelWarn
	now := time.Now()
	entry := &models.ExecutionLogEntry{InstanceID: "i", NodeID: &node, Level: models.LogLevelWarn, Timestamp: now}

	assert.True(t, persistence.LogQuery{InstanceID: "i"}.Matches(entry))
	assert.True(t, persistence.LogQuery{InstanceID: "i", NodeID: &node, Level: &warn}.Matches(entry))
	assert.False(t, persistence.LogQuery{InstanceID: "other"}.Matches(entry))

	later := now.Add(time.Minute)
	assert.False(t, persistence.LogQuery{InstanceID: "i", From: &later}.Matches(entry))

	other := "other"
	assert.False(t, persistence.LogQuery{InstanceID: "i", NodeID: &other}.Matches(entry))
	assert.False(t, persistence.LogQuery{InstanceID: "i", NodeID: &node}.Matches(&models.ExecutionLogEntry{InstanceID: "i"}))
}
