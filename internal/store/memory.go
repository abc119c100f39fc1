package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"

	"fnrunner/internal/models"
)

// MemoryStore is an in-process Store used for local runs and tests
type MemoryStore struct {
	mu        sync.Mutex
	functions map[int64]models.Function
	files     map[int64][]models.FunctionFile
	triggers  map[int64]models.Trigger
	logs      []models.TriggerLog
	nextLogID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		functions: make(map[int64]models.Function),
		files:     make(map[int64][]models.FunctionFile),
		triggers:  make(map[int64]models.Trigger),
	}
}

// PutFunction adds or replaces a function with its files
func (m *MemoryStore) PutFunction(fn models.Function, files ...models.FunctionFile) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.functions[fn.ID] = fn
	for i := range files {
		files[i].FunctionID = fn.ID
	}
	m.files[fn.ID] = files
}

// PutTrigger adds or replaces a trigger
func (m *MemoryStore) PutTrigger(tr models.Trigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[tr.ID] = tr
}

// Trigger returns a copy of the stored trigger
func (m *MemoryStore) Trigger(id int64) (models.Trigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.triggers[id]
	return tr, ok
}

// TriggerLogs returns all stored logs in insertion order
func (m *MemoryStore) TriggerLogs() []models.TriggerLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TriggerLog, len(m.logs))
	copy(out, m.logs)
	return out
}

func (m *MemoryStore) GetFunctionByID(_ context.Context, id int64) (*models.Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn, ok := m.functions[id]
	if !ok {
		return nil, fmt.Errorf("function %d: %w", id, models.ErrFunctionNotFound)
	}
	return &fn, nil
}

func (m *MemoryStore) GetFunctionFiles(_ context.Context, functionID int64) ([]models.FunctionFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	files := make([]models.FunctionFile, len(m.files[functionID]))
	copy(files, m.files[functionID])
	return files, nil
}

func (m *MemoryStore) ListDueTriggers(_ context.Context, now time.Time, limit int) ([]models.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []models.Trigger
	for _, tr := range m.triggers {
		if !tr.Enabled {
			continue
		}
		if !tr.NextRun.Valid || !tr.NextRun.Time.After(now) {
			due = append(due, tr)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) InitTriggerNextRun(_ context.Context, id int64, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.triggers[id]
	if ok && !tr.NextRun.Valid {
		tr.NextRun = null.TimeFrom(nextRun)
		m.triggers[id] = tr
	}
	return nil
}

func (m *MemoryStore) ClaimTrigger(_ context.Context, id int64, expected, lastRun, nextRun time.Time, token uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tr, ok := m.triggers[id]
	if !ok || !tr.Enabled || !tr.NextRun.Valid || !tr.NextRun.Time.Equal(expected) {
		return fmt.Errorf("trigger %d: %w", id, models.ErrTriggerClaimConflict)
	}
	tr.LastRun = null.TimeFrom(lastRun)
	tr.NextRun = null.TimeFrom(nextRun)
	tr.ClaimToken = null.StringFrom(token.String())
	m.triggers[id] = tr
	return nil
}

func (m *MemoryStore) CreateTriggerLog(_ context.Context, entry *models.TriggerLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextLogID++
	entry.ID = m.nextLogID
	entry.CreatedAt = time.Now()
	entry.UpdatedAt = entry.CreatedAt
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *MemoryStore) ListTriggerLogs(_ context.Context, triggerID int64, limit int) ([]models.TriggerLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.TriggerLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].TriggerID != triggerID {
			continue
		}
		out = append(out, m.logs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
