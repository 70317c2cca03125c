package snapshot

// ============================================================================
// Snapshot manager
// Serialises the file-backed queue's full job state to one JSON file using
// write-to-temp + rename, so a crash never leaves a half-written snapshot.
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/postpilot/pkg/types"
)

const schemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager returns a Manager for the snapshot at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically replaces the snapshot with data.
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = schemaVersion
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(jsonBytes); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields empty state (first boot).
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	empty := types.SnapshotData{Jobs: make(map[types.JobID]*types.Job), SchemaVer: schemaVersion}

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return empty, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data types.SnapshotData
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return empty, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != schemaVersion {
		return empty, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, schemaVersion)
	}
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]*types.Job)
	}
	return data, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}
