package runstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/schema"
)

// immutableManifestKeys are the top-level manifest fields no patch may touch.
// revision and updated_at are writer-owned; the rest are sealed at init.
var immutableManifestKeys = []string{
	"schema_version", "run_id", "created_at", "updated_at", "revision", "artifacts",
}

// ManifestWrite applies an RFC 7396 merge patch to manifest.json under the
// store's revision discipline: reject immutable-field touches, compare-and-
// swap on expectedRevision (0 skips the check), bump revision, refresh
// updated_at, re-validate, write atomically, and audit.
func (s *Store) ManifestWrite(patch map[string]any, expectedRevision int, reason string) (Manifest, error) {
	s.applyDefaults()
	doc, err := s.ManifestRaw()
	if err != nil {
		return Manifest{}, err
	}
	if err := schema.Validate(schema.Manifest, doc); err != nil {
		return Manifest{}, err
	}

	for _, key := range immutableManifestKeys {
		if _, ok := patch[key]; ok {
			return Manifest{}, coreerr.New(coreerr.CodeImmutableField,
				"manifest field %q is immutable", key).At("/" + key)
		}
	}

	prevRevision := intField(doc, "revision")
	if expectedRevision > 0 && prevRevision != expectedRevision {
		return Manifest{}, coreerr.New(coreerr.CodeRevisionMismatch,
			"manifest revision is %d, expected %d", prevRevision, expectedRevision)
	}

	merged, ok := MergePatch(doc, patch).(map[string]any)
	if !ok {
		return Manifest{}, coreerr.New(coreerr.CodeInvalidJSON, "manifest patch must be an object")
	}
	merged["revision"] = prevRevision + 1
	merged["updated_at"] = s.nowISO()

	if err := schema.Validate(schema.Manifest, normalizeDoc(merged)); err != nil {
		return Manifest{}, err
	}
	var next Manifest
	if err := decodeVia(merged, &next); err != nil {
		return Manifest{}, err
	}
	if err := next.ValidateSemantics(); err != nil {
		return Manifest{}, err
	}

	if err := runfs.AtomicWriteJSON(s.ManifestPath, merged); err != nil {
		return Manifest{}, err
	}
	patchDigest, err := runfs.DigestJSON(patch)
	if err != nil {
		return Manifest{}, err
	}
	if err := s.AppendAudit("manifest_write", reason, map[string]any{
		"prev_revision": prevRevision,
		"new_revision":  prevRevision + 1,
		"patch_digest":  patchDigest,
	}); err != nil {
		return Manifest{}, err
	}
	return next, nil
}

// GatePatch is the restricted per-gate update surface.
type GatePatch struct {
	Status    *string        `json:"status,omitempty"`
	CheckedAt *string        `json:"checked_at,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
	Notes     *string        `json:"notes,omitempty"`
}

// GatesWrite applies per-gate patches to gates.json, enforcing the gate
// lifecycle rules: a hard gate never warns, any status other than not_run
// requires checked_at, the revision is bumped, and inputs_digest records
// what the caller evaluated.
func (s *Store) GatesWrite(update map[string]GatePatch, inputsDigest string, expectedRevision int, reason string) (GatesDoc, error) {
	s.applyDefaults()
	doc, err := s.Gates()
	if err != nil {
		return GatesDoc{}, err
	}
	if expectedRevision > 0 && doc.Revision != expectedRevision {
		return GatesDoc{}, coreerr.New(coreerr.CodeRevisionMismatch,
			"gates revision is %d, expected %d", doc.Revision, expectedRevision)
	}
	if !strings.HasPrefix(inputsDigest, "sha256:") {
		return GatesDoc{}, coreerr.New(coreerr.CodeInvalidArgs,
			"inputs_digest must be sha256-prefixed, got %q", inputsDigest)
	}

	for id, p := range update {
		g, ok := doc.Gates[id]
		if !ok {
			return GatesDoc{}, coreerr.New(coreerr.CodeSchemaValidationFailed,
				"unknown gate %q", id).At("/gates/" + id)
		}
		if p.Status != nil {
			status := *p.Status
			switch status {
			case GateNotRun, GatePass, GateFail, GateWarn:
			default:
				return GatesDoc{}, coreerr.New(coreerr.CodeSchemaValidationFailed,
					"gate %s: invalid status %q", id, status).At(fmt.Sprintf("/gates/%s/status", id))
			}
			if status == GateWarn && g.Class == GateClassHard {
				return GatesDoc{}, coreerr.New(coreerr.CodeLifecycleRuleViolation,
					"gate %s is hard and may not warn", id).At(fmt.Sprintf("/gates/%s/status", id))
			}
			g.Status = status
		}
		if p.CheckedAt != nil {
			g.CheckedAt = *p.CheckedAt
		}
		if g.Status != GateNotRun && g.CheckedAt == "" {
			return GatesDoc{}, coreerr.New(coreerr.CodeLifecycleRuleViolation,
				"gate %s: checked_at required when status is %s", id, g.Status).
				At(fmt.Sprintf("/gates/%s/checked_at", id))
		}
		if p.Metrics != nil {
			g.Metrics = p.Metrics
		}
		if p.Artifacts != nil {
			g.Artifacts = p.Artifacts
		}
		if p.Warnings != nil {
			g.Warnings = p.Warnings
		}
		if p.Notes != nil {
			g.Notes = *p.Notes
		}
		doc.Gates[id] = g
	}

	prevRevision := doc.Revision
	doc.Revision++
	doc.UpdatedAt = s.nowISO()
	doc.InputsDigest = inputsDigest

	if err := schema.ValidateValue(schema.Gates, doc); err != nil {
		return GatesDoc{}, err
	}
	if err := runfs.AtomicWriteJSON(s.GatesPath, doc); err != nil {
		return GatesDoc{}, err
	}
	ids := make([]string, 0, len(update))
	for id := range update {
		ids = append(ids, id)
	}
	if err := s.AppendAudit("gates_write", reason, map[string]any{
		"prev_revision": prevRevision,
		"new_revision":  doc.Revision,
		"gates":         sortedStrings(ids),
		"inputs_digest": inputsDigest,
	}); err != nil {
		return GatesDoc{}, err
	}
	return doc, nil
}

// RecordFailure appends one failure to the manifest, optionally flipping the
// run status in the same write.
func (s *Store) RecordFailure(f Failure, status, reason string) (Manifest, error) {
	m, err := s.Manifest()
	if err != nil {
		return Manifest{}, err
	}
	if f.TS == "" {
		f.TS = s.nowISO()
	}
	failures := append(append([]Failure{}, m.Failures...), f)
	patch := map[string]any{"failures": failures}
	if status != "" {
		patch["status"] = status
	}
	return s.ManifestWrite(patch, m.Revision, reason)
}

func intField(doc map[string]any, key string) int {
	switch v := doc[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
		return 0
	default:
		return 0
	}
}

// normalizeDoc re-decodes a merged document so typed values introduced by a
// patch (structs, ints) validate the same way file-backed documents do.
func normalizeDoc(doc map[string]any) any {
	b, err := runfs.CanonicalJSON(doc)
	if err != nil {
		return doc
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return doc
	}
	return out
}

func sortedStrings(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
