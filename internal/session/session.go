// Package session records pipeline runs on disk and gates run admission so
// only one run touches the stores at a time.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Record is the persisted summary of one pipeline run.
type Record struct {
	ID           string         `json:"id"`
	Pipeline     string         `json:"pipeline"`
	Status       string         `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at"`
	NodesVisited []string       `json:"nodes_visited"`
	Err          string         `json:"error,omitempty"`
	Result       string         `json:"result,omitempty"`
	State        map[string]any `json:"state,omitempty"`
}

// Manager persists run records under a data directory and owns the run lock.
type Manager struct {
	dir  string
	lock *flock.Flock

	mu     sync.Mutex
	locked bool
}

// NewManager creates the runs directory if needed.
func NewManager(dataDir string) (*Manager, error) {
	dir := filepath.Join(dataDir, "runs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create runs dir: %w", err)
	}
	return &Manager{
		dir:  dir,
		lock: flock.New(filepath.Join(dataDir, "run.lock")),
	}, nil
}

// Acquire claims the run lock, both in-process and cross-process. It does not
// block: a held lock returns an error immediately. Callers must invoke the
// returned release function when the run ends.
func (m *Manager) Acquire() (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		return nil, fmt.Errorf("another run is already in progress")
	}

	got, err := m.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !got {
		return nil, fmt.Errorf("another run is already in progress (lock held by another process)")
	}

	m.locked = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.lock.Unlock()
		m.locked = false
	}, nil
}

// Begin creates a record for a starting run.
func (m *Manager) Begin(pipeline string) *Record {
	return &Record{
		ID:        uuid.New().String(),
		Pipeline:  pipeline,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
}

// Finish stamps the end time and writes the record.
func (m *Manager) Finish(rec *Record) error {
	rec.EndedAt = time.Now().UTC()
	return m.Save(rec)
}

// Save writes the record as JSON under the runs directory.
func (m *Manager) Save(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.dir, rec.ID+".json"), data, 0644)
}

// Get loads a record by id.
func (m *Manager) Get(id string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, id+".json"))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt run record %s: %w", id, err)
	}
	return &rec, nil
}

// List returns records sorted newest first, up to limit (0 means all).
// Unreadable records are skipped.
func (m *Manager) List(limit int) ([]Record, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		rec, err := m.Get(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		records = append(records, *rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Latest returns the most recent record, or nil when none exist.
func (m *Manager) Latest() (*Record, error) {
	records, err := m.List(1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}
