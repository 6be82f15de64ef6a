package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

// ExecutionLogRepository scans the JSON lines log of an instance.
type ExecutionLogRepository struct {
	store *Persistence
}

func (r *ExecutionLogRepository) Query(_ context.Context, query persistence.LogQuery) ([]*models.ExecutionLogEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	f, err := os.Open(r.store.path(logsDir, query.InstanceID+".jsonl"))
	if errors.Is(err, os.ErrNotExist) {
		return []*models.ExecutionLogEntry{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open execution log: %w", err)
	}

	defer func() { _ = f.Close() }()

	matched := make([]*models.ExecutionLogEntry, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		var entry models.ExecutionLogEntry

		err := json.Unmarshal(scanner.Bytes(), &entry)
		if err != nil {
			return nil, fmt.Errorf("failed to decode execution log entry: %w", err)
		}

		if query.Matches(&entry) {
			matched = append(matched, &entry)
		}
	}

	err = scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to read execution log: %w", err)
	}

	start, end, _ := persistence.Page(len(matched), query.Offset, query.Limit)

	return matched[start:end], nil
}
