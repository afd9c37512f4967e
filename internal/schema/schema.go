// Package schema validates every orchestrator artifact against its embedded
// JSON Schema document. Validation happens on read and on write; failures
// carry the JSON-pointer location of the first offending value.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sondeworks/sonde/internal/coreerr"
)

//go:embed documents/*.json
var documentsFS embed.FS

// Schema names, one per artifact family.
const (
	Manifest         = "manifest.v1"
	Gates            = "gates.v1"
	Scope            = "scope.v1"
	Perspectives     = "perspectives.v1"
	WavePlan         = "wave-plan.v1"
	WaveOutputMeta   = "wave-output-meta.v1"
	WaveReview       = "wave-review.v1"
	RetryDirectives  = "retry-directives.v1"
	Pivot            = "pivot.v1"
	Halt             = "halt.v1"
	SummaryPack      = "summary-pack.v1"
	ReviewBundle     = "review-bundle.v1"
	RunConfig        = "run-config.v1"
	Lock             = "lock.v1"
	CitationRecord   = "citation-record.v1"
	CitationFixtures = "citation-fixtures.v1"
	URLMap           = "url-map.v1"
	FoundBy          = "found-by.v1"
	BlockedURLs      = "blocked-urls.v1"
	FixtureBundle    = "fixture-bundle.v1"
)

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func compileAll() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	entries, err := documentsFS.ReadDir("documents")
	if err != nil {
		compileErr = err
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := documentsFS.ReadFile("documents/" + e.Name())
		if err != nil {
			compileErr = err
			return
		}
		if err := c.AddResource(e.Name(), bytes.NewReader(raw)); err != nil {
			compileErr = fmt.Errorf("add %s: %w", e.Name(), err)
			return
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)

	compiled = make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := c.Compile(name + ".json")
		if err != nil {
			compileErr = fmt.Errorf("compile %s: %w", name, err)
			return
		}
		compiled[name] = s
	}
}

func lookup(name string) (*jsonschema.Schema, error) {
	compileOnce.Do(compileAll)
	if compileErr != nil {
		return nil, fmt.Errorf("schema registry: %w", compileErr)
	}
	s, ok := compiled[name]
	if !ok {
		return nil, fmt.Errorf("schema registry: unknown schema %q", name)
	}
	return s, nil
}

// Names returns every registered schema name, sorted.
func Names() []string {
	compileOnce.Do(compileAll)
	out := make([]string, 0, len(compiled))
	for k := range compiled {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks an already-decoded JSON document (maps, slices,
// primitives, json.Number) against the named schema.
func Validate(name string, doc any) error {
	s, err := lookup(name)
	if err != nil {
		return coreerr.Wrap(coreerr.CodeSchemaValidationFailed, err, "%s", name)
	}
	if err := s.Validate(doc); err != nil {
		ptr, msg := leafError(err)
		return coreerr.New(coreerr.CodeSchemaValidationFailed, "%s: %s", name, msg).At(ptr).
			WithDetail("schema", name)
	}
	return nil
}

// ValidateValue round-trips a typed Go value through JSON before
// validating, so struct-backed writers share the same contract as
// map-backed ones.
func ValidateValue(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return coreerr.Wrap(coreerr.CodeInvalidJSON, err, "marshal for %s validation", name)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return coreerr.Wrap(coreerr.CodeInvalidJSON, err, "decode for %s validation", name)
	}
	return Validate(name, doc)
}

// ValidateBytes decodes raw JSON and validates it.
func ValidateBytes(name string, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return coreerr.Wrap(coreerr.CodeInvalidJSON, err, "decode for %s validation", name)
	}
	return Validate(name, doc)
}

// leafError digs to the deepest cause so the reported location points at
// the offending value, not the document root.
func leafError(err error) (pointer, message string) {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "", err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	ptr := ve.InstanceLocation
	if ptr == "" {
		ptr = "/"
	}
	return ptr, ve.Message
}
