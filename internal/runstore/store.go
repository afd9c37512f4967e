package runstore

import (
	"encoding/json"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runcfg"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/schema"
)

// Store provides guarded access to one run directory. All reads validate
// against the artifact's schema; all writes go through atomic primitives
// and append an audit event.
type Store struct {
	RunRoot      string
	RunID        string
	ManifestPath string
	GatesPath    string

	Logger *zap.Logger
	Now    func() time.Time
}

// Open binds a store to an existing run via its manifest path.
func Open(manifestPath string) (*Store, error) {
	abs, err := filepath.Abs(manifestPath)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeInvalidArgs, err, "resolve manifest path %s", manifestPath)
	}
	s := &Store{
		RunRoot:      filepath.Dir(abs),
		ManifestPath: abs,
		Logger:       zap.NewNop(),
		Now:          time.Now,
	}
	m, err := s.Manifest()
	if err != nil {
		return nil, err
	}
	s.RunID = m.RunID
	gatesRel := m.Artifacts["gates"]
	if gatesRel == "" {
		gatesRel = GatesFile
	}
	gatesAbs, err := runfs.ResolveContained(s.RunRoot, gatesRel)
	if err != nil {
		return nil, err
	}
	s.GatesPath = gatesAbs
	return s, nil
}

// applyDefaults fills optional fields; useful when a Store is constructed
// directly (init path, tests).
func (s *Store) applyDefaults() {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.GatesPath == "" {
		s.GatesPath = filepath.Join(s.RunRoot, GatesFile)
	}
	if s.ManifestPath == "" {
		s.ManifestPath = filepath.Join(s.RunRoot, ManifestFile)
	}
}

// ISOTime formats a timestamp the way every artifact records it: UTC with
// microsecond precision.
func ISOTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}

func (s *Store) nowISO() string {
	s.applyDefaults()
	return ISOTime(s.Now())
}

// Abs resolves a run-relative path with containment checks.
func (s *Store) Abs(rel string) (string, error) {
	return runfs.ResolveContained(s.RunRoot, rel)
}

// decodeVia moves a generic document into a typed value.
func decodeVia(doc any, out any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return coreerr.Wrap(coreerr.CodeInvalidJSON, err, "re-encode document")
	}
	if err := json.Unmarshal(b, out); err != nil {
		return coreerr.Wrap(coreerr.CodeInvalidJSON, err, "decode document")
	}
	return nil
}

// Manifest reads, schema-validates, and semantically checks manifest.json.
func (s *Store) Manifest() (Manifest, error) {
	s.applyDefaults()
	doc, err := runfs.ReadJSONMap(s.ManifestPath)
	if err != nil {
		return Manifest{}, err
	}
	if err := schema.Validate(schema.Manifest, doc); err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := decodeVia(doc, &m); err != nil {
		return Manifest{}, err
	}
	if err := m.ValidateSemantics(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ManifestRaw reads manifest.json as a generic document (numbers preserved).
func (s *Store) ManifestRaw() (map[string]any, error) {
	s.applyDefaults()
	return runfs.ReadJSONMap(s.ManifestPath)
}

// Gates reads and validates gates.json.
func (s *Store) Gates() (GatesDoc, error) {
	s.applyDefaults()
	doc, err := runfs.ReadJSONMap(s.GatesPath)
	if err != nil {
		return GatesDoc{}, err
	}
	if err := schema.Validate(schema.Gates, doc); err != nil {
		return GatesDoc{}, err
	}
	var g GatesDoc
	if err := decodeVia(doc, &g); err != nil {
		return GatesDoc{}, err
	}
	return g, nil
}

// Perspectives reads and validates perspectives.json.
func (s *Store) Perspectives() (PerspectivesDoc, error) {
	s.applyDefaults()
	path, err := s.Abs(PerspectivesFile)
	if err != nil {
		return PerspectivesDoc{}, err
	}
	doc, err := runfs.ReadJSONMap(path)
	if err != nil {
		return PerspectivesDoc{}, err
	}
	if err := schema.Validate(schema.Perspectives, doc); err != nil {
		return PerspectivesDoc{}, err
	}
	var p PerspectivesDoc
	if err := decodeVia(doc, &p); err != nil {
		return PerspectivesDoc{}, err
	}
	return p, nil
}

// Scope reads and validates operator/scope.json.
func (s *Store) Scope() (ScopeDoc, error) {
	s.applyDefaults()
	path, err := s.Abs(ScopeFile)
	if err != nil {
		return ScopeDoc{}, err
	}
	doc, err := runfs.ReadJSONMap(path)
	if err != nil {
		return ScopeDoc{}, err
	}
	if err := schema.Validate(schema.Scope, doc); err != nil {
		return ScopeDoc{}, err
	}
	var sc ScopeDoc
	if err := decodeVia(doc, &sc); err != nil {
		return ScopeDoc{}, err
	}
	return sc, nil
}

// Config reads and validates run-config.json.
func (s *Store) Config() (runcfg.Config, error) {
	s.applyDefaults()
	path, err := s.Abs(RunConfigFile)
	if err != nil {
		return runcfg.Config{}, err
	}
	return runcfg.Load(path)
}

// AppendAudit appends one event to logs/audit.jsonl. Mutating operations
// call this after a successful write and before returning.
func (s *Store) AppendAudit(kind, reason string, fields map[string]any) error {
	s.applyDefaults()
	path, err := s.Abs(AuditLog)
	if err != nil {
		return err
	}
	ev := map[string]any{
		"ts":     s.nowISO(),
		"kind":   kind,
		"run_id": s.RunID,
	}
	if reason != "" {
		ev["reason"] = reason
	}
	for k, v := range fields {
		ev[k] = v
	}
	return runfs.AppendJSONL(path, ev)
}

// AppendTelemetry appends a component progress event to
// logs/telemetry.jsonl. Best-effort: failures are logged and swallowed so
// telemetry can never fail the calling operation.
func (s *Store) AppendTelemetry(event string, fields map[string]any) {
	s.applyDefaults()
	path, err := s.Abs(TelemetryLog)
	if err != nil {
		s.Logger.Debug("telemetry path", zap.Error(err))
		return
	}
	ev := map[string]any{
		"ts":    s.nowISO(),
		"event": event,
	}
	for k, v := range fields {
		ev[k] = v
	}
	if err := runfs.AppendJSONL(path, ev); err != nil {
		s.Logger.Debug("telemetry append", zap.Error(err))
	}
}

// WriteArtifact validates value against a schema and atomically writes it
// at a contained relative path, auditing the write.
func (s *Store) WriteArtifact(rel, schemaName string, value any, reason string) error {
	s.applyDefaults()
	abs, err := s.Abs(rel)
	if err != nil {
		return err
	}
	if schemaName != "" {
		if err := schema.ValidateValue(schemaName, value); err != nil {
			return err
		}
	}
	if err := runfs.AtomicWriteJSON(abs, value); err != nil {
		return err
	}
	digest, err := runfs.DigestJSON(value)
	if err != nil {
		return err
	}
	return s.AppendAudit("artifact_write", reason, map[string]any{
		"path":          rel,
		"schema":        schemaName,
		"inputs_digest": digest,
	})
}

// PerspectivesWrite validates and writes perspectives.json.
func (s *Store) PerspectivesWrite(doc PerspectivesDoc, reason string) error {
	doc.SchemaVersion = "perspectives.v1"
	if doc.RunID == "" {
		doc.RunID = s.RunID
	}
	seen := map[string]bool{}
	for _, p := range doc.Perspectives {
		if seen[p.ID] {
			return coreerr.New(coreerr.CodeSchemaValidationFailed, "duplicate perspective id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return s.WriteArtifact(PerspectivesFile, schema.Perspectives, doc, reason)
}
