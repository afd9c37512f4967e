package runstore

import (
	"encoding/json"

	"github.com/sondeworks/sonde/internal/runfs"
)

// Snapshot is the compact run view shared by status, inspect, triage, and
// the status server. Everything except the manifest loads best-effort.
type Snapshot struct {
	RunRoot  string           `json:"run_root"`
	Manifest Manifest         `json:"manifest"`
	Gates    *GatesDoc        `json:"gates,omitempty"`
	Halt     map[string]any   `json:"halt,omitempty"`
	LastTick map[string]any   `json:"last_tick,omitempty"`
	Audit    []map[string]any `json:"audit,omitempty"`
}

// snapshotAuditTail bounds the audit events carried in a snapshot.
const snapshotAuditTail = 20

// LoadSnapshot reads the run's control surface. A missing or invalid
// manifest is the only fatal case; gates, halt, ticks, and audit degrade to
// absent fields.
func (s *Store) LoadSnapshot() (*Snapshot, error) {
	m, err := s.Manifest()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{RunRoot: s.RunRoot, Manifest: m}

	if g, err := s.Gates(); err == nil {
		snap.Gates = &g
	}
	if halt, err := s.LatestHalt(); err == nil && halt != nil {
		snap.Halt = halt
	}
	if tick, err := s.LastTickRecord(); err == nil && tick != nil {
		snap.LastTick = tick
	}
	if tail, err := s.AuditTail(snapshotAuditTail); err == nil {
		snap.Audit = tail
	}
	return snap, nil
}

// LatestHalt returns operator/halt/latest.json as a generic document, or
// nil when no halt has been written.
func (s *Store) LatestHalt() (map[string]any, error) {
	path, err := s.Abs(HaltLatest)
	if err != nil {
		return nil, err
	}
	if !runfs.FileExists(path) {
		return nil, nil
	}
	return runfs.ReadJSONMap(path)
}

// LastTickRecord returns the final logs/ticks.jsonl record, or nil.
func (s *Store) LastTickRecord() (map[string]any, error) {
	path, err := s.Abs(TicksLog)
	if err != nil {
		return nil, err
	}
	raw, err := runfs.LastJSONLRecord(path)
	if err != nil || raw == nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// AuditTail returns up to n most recent audit events, oldest first.
func (s *Store) AuditTail(n int) ([]map[string]any, error) {
	path, err := s.Abs(AuditLog)
	if err != nil {
		return nil, err
	}
	var tail []map[string]any
	err = runfs.ScanJSONL(path, func(_ int, raw []byte) error {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil // tolerate a torn trailing line
		}
		tail = append(tail, doc)
		if len(tail) > n {
			tail = tail[1:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tail, nil
}
