package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RuntimeDoc is the JSON shape of the runtime-mutable state document.
// Unlike the YAML config it changes while the process runs (and may be
// edited by the operator between runs), so it lives in its own file.
type RuntimeDoc struct {
	PaperTrading  bool      `json:"paper_trading"`
	AutoExecute   bool      `json:"auto_execute"`
	EngineRunning bool      `json:"engine_running"`
	PaperBalance  float64   `json:"paper_balance"`
	LastUpdated   time.Time `json:"last_updated"`
}

// StateChange is published on State.Changes whenever a switch flips.
type StateChange struct {
	Field string // "paper_trading", "auto_execute", "engine_running"
	Value bool
}

// State is the observable runtime-mutable state object. Reads and writes are
// mutex-protected; every flip is persisted with an atomic file replacement
// (write to .tmp, then rename) and published on Changes. The channel is
// buffered and sends never block: a slow consumer misses intermediate flips,
// not the final value.
type State struct {
	mu      sync.Mutex
	path    string
	doc     RuntimeDoc
	changes chan StateChange
}

// LoadState restores the runtime document, creating it with the given
// defaults when absent.
func LoadState(path string, paperTrading, autoExecute bool, paperBalance float64) (*State, error) {
	s := &State{
		path: path,
		doc: RuntimeDoc{
			PaperTrading: paperTrading,
			AutoExecute:  autoExecute,
			PaperBalance: paperBalance,
			LastUpdated:  time.Now().UTC(),
		},
		changes: make(chan StateChange, 16),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := s.persistLocked(); err != nil {
				return nil, err
			}
			return s, nil
		}
		return nil, fmt.Errorf("read runtime state: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("unmarshal runtime state: %w", err)
	}
	return s, nil
}

// Changes is the typed change feed. One receiver is expected (the engine).
func (s *State) Changes() <-chan StateChange {
	return s.changes
}

// Doc returns a copy of the current document.
func (s *State) Doc() RuntimeDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// PaperTrading reports whether execution is simulated.
func (s *State) PaperTrading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.PaperTrading
}

// AutoExecute reports whether detected opportunities are traded.
func (s *State) AutoExecute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.AutoExecute
}

// SetAutoExecute flips the auto-execute switch.
func (s *State) SetAutoExecute(on bool) error {
	return s.set("auto_execute", on)
}

// SetEngineRunning records whether the main loop is active.
func (s *State) SetEngineRunning(on bool) error {
	return s.set("engine_running", on)
}

// SetPaperBalance records the simulated balance after a paper fill.
func (s *State) SetPaperBalance(balance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.PaperBalance = balance
	s.doc.LastUpdated = time.Now().UTC()
	return s.persistLocked()
}

func (s *State) set(field string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch field {
	case "auto_execute":
		if s.doc.AutoExecute == value {
			return nil
		}
		s.doc.AutoExecute = value
	case "engine_running":
		if s.doc.EngineRunning == value {
			return nil
		}
		s.doc.EngineRunning = value
	case "paper_trading":
		if s.doc.PaperTrading == value {
			return nil
		}
		s.doc.PaperTrading = value
	}
	s.doc.LastUpdated = time.Now().UTC()

	select {
	case s.changes <- StateChange{Field: field, Value: value}:
	default:
	}
	return s.persistLocked()
}

// persistLocked writes the document with atomic replacement. Callers hold mu.
func (s *State) persistLocked() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runtime state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write runtime state: %w", err)
	}
	return os.Rename(tmp, s.path)
}
