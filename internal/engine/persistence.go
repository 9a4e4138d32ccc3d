package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"trailcore/internal/types"
)

const (
	stateVersion     = 1
	defaultStateFile = "./state.json"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StateSnapshot is the on-disk layout of a saved store
type StateSnapshot struct {
	Version   int                                 `json:"version"`
	SavedAt   time.Time                           `json:"saved_at"`
	Positions map[string]*types.TrailingStopState `json:"positions"`
}

// StatePersistence handles saving and loading position state
type StatePersistence struct {
	filePath     string
	logger       *slog.Logger
	mu           sync.Mutex
	lastSave     time.Time
	saveInterval time.Duration
	dirty        bool
}

// NewStatePersistence creates a new state persistence handler
func NewStatePersistence(filePath string, logger *slog.Logger) *StatePersistence {
	if filePath == "" {
		filePath = defaultStateFile
	}

	return &StatePersistence{
		filePath:     filePath,
		logger:       logger,
		saveInterval: 30 * time.Second,
	}
}

// Load reads the state from disk
func (p *StatePersistence) Load() (map[string]*types.TrailingStopState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Info("[PERSISTENCE] No existing state file, starting fresh",
				"path", p.filePath,
			)
			return make(map[string]*types.TrailingStopState), nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var snapshot StateSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	if snapshot.Version != stateVersion {
		p.logger.Warn("[PERSISTENCE] State version mismatch, starting fresh",
			"file_version", snapshot.Version,
			"expected_version", stateVersion,
		)
		return make(map[string]*types.TrailingStopState), nil
	}

	p.logger.Info("[PERSISTENCE] State loaded",
		"path", p.filePath,
		"positions", len(snapshot.Positions),
		"saved_at", snapshot.SavedAt.Format(time.RFC3339),
	)

	return snapshot.Positions, nil
}

// Save writes the state to disk atomically
func (p *StatePersistence) Save(positions map[string]*types.TrailingStopState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.saveUnsafe(positions)
}

// saveUnsafe performs the actual save without locking (caller must hold lock)
func (p *StatePersistence) saveUnsafe(positions map[string]*types.TrailingStopState) error {
	snapshot := StateSnapshot{
		Version:   stateVersion,
		SavedAt:   time.Now(),
		Positions: positions,
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(p.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Write to temp file first (atomic write)
	tempFile := p.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}

	// Rename temp to actual (atomic on most filesystems)
	if err := os.Rename(tempFile, p.filePath); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	p.lastSave = time.Now()
	p.dirty = false

	p.logger.Debug("[PERSISTENCE] State saved",
		"path", p.filePath,
		"positions", len(positions),
	)

	return nil
}

// MarkDirty marks the state as needing to be saved
func (p *StatePersistence) MarkDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = true
}

// ShouldSave returns true if enough time has passed since last save and state is dirty
func (p *StatePersistence) ShouldSave() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty && time.Since(p.lastSave) >= p.saveInterval
}

// ForceSave saves the state regardless of the dirty flag or interval
func (p *StatePersistence) ForceSave(positions map[string]*types.TrailingStopState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveUnsafe(positions)
}

// StartPeriodicSave runs until stopChan closes, saving dirty state on
// an interval and once more on shutdown.
func (p *StatePersistence) StartPeriodicSave(positions func() map[string]*types.TrailingStopState, stopChan <-chan struct{}) {
	ticker := time.NewTicker(p.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			if err := p.ForceSave(positions()); err != nil {
				p.logger.Error("[PERSISTENCE] Failed to save state on shutdown",
					"error", err,
				)
			} else {
				p.logger.Info("[PERSISTENCE] Final state saved on shutdown")
			}
			return
		case <-ticker.C:
			if p.ShouldSave() {
				if err := p.Save(positions()); err != nil {
					p.logger.Error("[PERSISTENCE] Failed to save state",
						"error", err,
					)
				}
			}
		}
	}
}

// Delete removes the state file
func (p *StatePersistence) Delete() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.Remove(p.filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state file: %w", err)
	}

	p.logger.Info("[PERSISTENCE] State file deleted", "path", p.filePath)
	return nil
}

// GetFilePath returns the state file path
func (p *StatePersistence) GetFilePath() string {
	return p.filePath
}
