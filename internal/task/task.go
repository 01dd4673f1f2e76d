// Package task tracks asynchronous full-fleet scans.
//
// A task is registered before the scan goroutine starts and lives only in
// process memory: a restart loses in-flight task visibility, which is an
// accepted limitation. Terminal states (completed, failed) are final.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HsiaoL1/monitor-sub000/internal/config"
	"github.com/HsiaoL1/monitor-sub000/internal/scanner"
	"github.com/HsiaoL1/monitor-sub000/pkg/types"
)

// ErrNotFound is returned by Get for unknown task ids.
var ErrNotFound = fmt.Errorf("task not found")

// FleetSource supplies the proxies to scan and their bound devices.
type FleetSource interface {
	InUseFleet(ctx context.Context) ([]types.ProxyRecord, map[int64][]types.DeviceRef, error)
}

// Scanner runs the actual fleet scan.
type Scanner interface {
	Scan(ctx context.Context, proxies []types.ProxyRecord, devicesByProxy map[int64][]types.DeviceRef, limit int64, onProgress scanner.ProgressFunc) scanner.Summary
}

// Manager registers scan tasks and runs them in the background.
type Manager struct {
	fleet   FleetSource
	scanner Scanner
	logger  *slog.Logger

	mu    sync.RWMutex
	tasks map[string]*types.ScanTask
}

// NewManager creates a task manager.
func NewManager(fleet FleetSource, sc Scanner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		fleet:   fleet,
		scanner: sc,
		logger:  logger.With("component", "task_manager"),
		tasks:   make(map[string]*types.ScanTask),
	}
}

// Start registers a new scan task and launches it in the background,
// returning the task id immediately. Once started, a scan runs to
// completion or failure; there is no cancellation.
func (m *Manager) Start() string {
	id := uuid.NewString()

	m.mu.Lock()
	m.tasks[id] = &types.ScanTask{
		TaskID:    id,
		Status:    types.TaskRunning,
		StartedAt: time.Now(),
	}
	m.mu.Unlock()

	go m.run(id)
	return id
}

// Get returns a snapshot of the task with the given id.
func (m *Manager) Get(id string) (types.ScanTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return types.ScanTask{}, ErrNotFound
	}
	return *t, nil
}

// run executes the scan for one task. Any panic in the scan path is
// recovered here and recorded as a failed task instead of crashing the
// process.
func (m *Manager) run(id string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("scan task panicked", "task_id", id, "panic", r)
			m.fail(id, fmt.Sprintf("internal fault: %v", r))
		}
	}()

	ctx := context.Background()

	proxies, devicesByProxy, err := m.fleet.InUseFleet(ctx)
	if err != nil {
		m.fail(id, "loading fleet: "+err.Error())
		return
	}

	m.setTotal(id, len(proxies))

	if len(proxies) == 0 {
		m.complete(id)
		return
	}

	m.scanner.Scan(ctx, proxies, devicesByProxy, config.AsyncScanConcurrency, func(completed, total int) {
		m.progress(id, completed, total)
	})

	m.complete(id)
}

func (m *Manager) setTotal(id string, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok && t.Status == types.TaskRunning {
		t.Total = total
	}
}

// progress records completed probes. Progress hits 100 only together with
// the completed status so pollers never see a finished percentage on a
// running task.
func (m *Manager) progress(id string, completed, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != types.TaskRunning {
		return
	}
	if completed < t.Completed {
		return
	}
	t.Completed = completed
	if total > 0 && completed >= total {
		m.finishLocked(t, types.TaskCompleted, "")
		return
	}
	if total > 0 {
		t.Progress = completed * 100 / total
	}
}

func (m *Manager) complete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok && t.Status == types.TaskRunning {
		m.finishLocked(t, types.TaskCompleted, "")
	}
}

func (m *Manager) fail(id string, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok && t.Status == types.TaskRunning {
		m.finishLocked(t, types.TaskFailed, msg)
	}
}

func (m *Manager) finishLocked(t *types.ScanTask, status types.TaskStatus, msg string) {
	now := time.Now()
	t.Status = status
	t.EndedAt = &now
	t.ErrorMessage = msg
	if status == types.TaskCompleted {
		t.Progress = 100
	}
}
