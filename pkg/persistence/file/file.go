// Package file provides a file-based persistence implementation. Every record
// is a JSON document under the root directory and the execution log is an
// append-only JSON lines file per instance.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/taskflow/pkg/models"
	"github.com/dukex/taskflow/pkg/persistence"
)

const (
	definitionsDir = "definitions"
	instancesDir   = "instances"
	executionsDir  = "executions"
	loopsDir       = "loops"
	logsDir        = "logs"
)

// Persistence implements persistence.Persistence using the file system. A
// single lock serialises writers so Commit is atomic for readers of this
// process.
type Persistence struct {
	root string
	mu   sync.RWMutex

	definitionRepo *DefinitionRepository
	instanceRepo   *InstanceRepository
	executionRepo  *NodeExecutionRepository
	loopRepo       *LoopExecutionRepository
	logRepo        *ExecutionLogRepository
}

// NewPersistence creates a file persistence rooted at root. A file:// prefix is accepted.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.definitionRepo = &DefinitionRepository{store: p}
	p.instanceRepo = &InstanceRepository{store: p}
	p.executionRepo = &NodeExecutionRepository{store: p}
	p.loopRepo = &LoopExecutionRepository{store: p}
	p.logRepo = &ExecutionLogRepository{store: p}

	return p
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists and is writable.
func (p *Persistence) HealthCheck(_ context.Context) error {
	err := os.MkdirAll(p.root, 0o755)
	if err != nil {
		return fmt.Errorf("file persistence root is not usable: %w", err)
	}

	probe, err := os.CreateTemp(p.root, ".health-*")
	if err != nil {
		return fmt.Errorf("file persistence root is not writable: %w", err)
	}

	_ = probe.Close()

	return os.Remove(probe.Name())
}

func (p *Persistence) DefinitionRepository() persistence.DefinitionRepository {
	return p.definitionRepo
}

func (p *Persistence) InstanceRepository() persistence.InstanceRepository {
	return p.instanceRepo
}

func (p *Persistence) NodeExecutionRepository() persistence.NodeExecutionRepository {
	return p.executionRepo
}

func (p *Persistence) LoopExecutionRepository() persistence.LoopExecutionRepository {
	return p.loopRepo
}

func (p *Persistence) ExecutionLogRepository() persistence.ExecutionLogRepository {
	return p.logRepo
}

// Commit checks every instance revision, then writes executions, loops,
// instances and finally appends log entries.
func (p *Persistence) Commit(_ context.Context, changes *persistence.Changeset) error {
	if changes == nil || changes.Empty() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, inst := range changes.Instances {
		var stored models.WorkflowInstance

		err := readJSON(p.path(instancesDir, inst.ID+".json"), &stored)

		switch {
		case errors.Is(err, os.ErrNotExist):
			if inst.Revision != 0 {
				return persistence.NewInstanceError("Commit", inst.ID, persistence.ErrRevisionConflict)
			}
		case err != nil:
			return persistence.NewInstanceError("Commit", inst.ID, err)
		case stored.Revision != inst.Revision:
			return persistence.NewInstanceError("Commit", inst.ID, persistence.ErrRevisionConflict)
		}
	}

	for _, exec := range changes.Executions {
		err := writeJSON(p.path(executionsDir, exec.InstanceID, exec.ID+".json"), exec)
		if err != nil {
			return fmt.Errorf("failed to write node execution %s: %w", exec.ID, err)
		}
	}

	for _, loop := range changes.Loops {
		err := writeJSON(p.path(loopsDir, loop.InstanceID, escape(loop.NodeID)+".json"), loop)
		if err != nil {
			return fmt.Errorf("failed to write loop execution %s/%s: %w", loop.InstanceID, loop.NodeID, err)
		}
	}

	for _, inst := range changes.Instances {
		next := *inst
		next.Revision++

		err := writeJSON(p.path(instancesDir, inst.ID+".json"), &next)
		if err != nil {
			return persistence.NewInstanceError("Commit", inst.ID, err)
		}
	}

	err := p.appendLogs(changes.Logs)
	if err != nil {
		return err
	}

	for _, inst := range changes.Instances {
		inst.Revision++
	}

	return nil
}

func (p *Persistence) appendLogs(entries []*models.ExecutionLogEntry) error {
	byInstance := make(map[string][]*models.ExecutionLogEntry)
	for _, entry := range entries {
		byInstance[entry.InstanceID] = append(byInstance[entry.InstanceID], entry)
	}

	for instanceID, batch := range byInstance {
		filePath := p.path(logsDir, instanceID+".jsonl")

		err := os.MkdirAll(filepath.Dir(filePath), 0o755)
		if err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open execution log %s: %w", instanceID, err)
		}

		w := bufio.NewWriter(f)
		enc := json.NewEncoder(w)

		for _, entry := range batch {
			err = enc.Encode(entry)
			if err != nil {
				_ = f.Close()

				return fmt.Errorf("failed to encode execution log entry: %w", err)
			}
		}

		err = w.Flush()
		if err != nil {
			_ = f.Close()

			return fmt.Errorf("failed to write execution log %s: %w", instanceID, err)
		}

		err = f.Close()
		if err != nil {
			return fmt.Errorf("failed to close execution log %s: %w", instanceID, err)
		}
	}

	return nil
}

func (p *Persistence) path(parts ...string) string {
	return filepath.Join(append([]string{p.root}, parts...)...)
}

// escape turns a node id into a safe file name.
func escape(id string) string {
	return url.PathEscape(id)
}

func readJSON(filePath string, v any) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}

	err = json.Unmarshal(data, v)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", filePath, err)
	}

	return nil
}

// writeJSON writes v to a temporary file and renames it over filePath.
func writeJSON(filePath string, v any) error {
	err := os.MkdirAll(filepath.Dir(filePath), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	_, err = tmp.Write(data)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	err = tmp.Close()
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	return os.Rename(tmp.Name(), filePath)
}

// readAll decodes every *.json document of dir.
func readAll[T any](dir string) ([]*T, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	out := make([]*T, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		item := new(T)

		err := readJSON(filepath.Join(dir, entry.Name()), item)
		if err != nil {
			return nil, err
		}

		out = append(out, item)
	}

	return out, nil
}
