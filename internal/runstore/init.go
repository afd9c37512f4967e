package runstore

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runcfg"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/schema"
)

// InitRequest creates one run directory.
type InitRequest struct {
	Query       string
	Mode        string
	Sensitivity string

	// RunID overrides the generated id. RunsRoot defaults to "runs" under
	// the working directory.
	RunID    string
	RunsRoot string

	// NoPerspectives skips seeding the default perspective set; the first
	// wave1 tick then blocks until the operator supplies one.
	NoPerspectives bool

	// Force re-initializes an existing run directory in place.
	Force bool

	// Overrides layers an operator config file over the mode defaults.
	Overrides *runcfg.Overrides

	Logger *zap.Logger
	Now    func() time.Time
}

// InitResult reports what Init did.
type InitResult struct {
	RunID        string `json:"run_id"`
	RunRoot      string `json:"run_root"`
	ManifestPath string `json:"manifest_path"`
	GatesPath    string `json:"gates_path"`
	Created      bool   `json:"created"`
}

func (r *InitRequest) applyDefaults() {
	if r.Mode == "" {
		r.Mode = runcfg.ModeStandard
	}
	if r.Sensitivity == "" {
		r.Sensitivity = runcfg.SensitivityNormal
	}
	if r.RunsRoot == "" {
		r.RunsRoot = "runs"
	}
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	if r.Now == nil {
		r.Now = time.Now
	}
}

// Init creates the run root, seeds every control artifact, and appends the
// shared ledger. Calling it again for an existing run is a no-op that
// returns Created=false.
func Init(req InitRequest) (InitResult, error) {
	req.applyDefaults()
	if strings.TrimSpace(req.Query) == "" {
		return InitResult{}, coreerr.New(coreerr.CodeInvalidArgs, "query must not be empty")
	}

	cfg := runcfg.ApplyOverrides(runcfg.Default(req.Mode, req.Sensitivity), req.Overrides)
	if err := runcfg.Validate(cfg); err != nil {
		return InitResult{}, coreerr.Wrap(coreerr.CodeInvalidArgs, err, "configuration invalid")
	}

	runID := req.RunID
	if runID == "" {
		runID = NewRunID()
	}
	runsRoot, err := filepath.Abs(req.RunsRoot)
	if err != nil {
		return InitResult{}, coreerr.Wrap(coreerr.CodeInvalidArgs, err, "resolve runs root")
	}
	runRoot := filepath.Join(runsRoot, runID)
	manifestPath := filepath.Join(runRoot, ManifestFile)
	gatesPath := filepath.Join(runRoot, GatesFile)

	res := InitResult{
		RunID:        runID,
		RunRoot:      runRoot,
		ManifestPath: manifestPath,
		GatesPath:    gatesPath,
	}

	if runfs.FileExists(manifestPath) && !req.Force {
		// Idempotence: an existing run is returned untouched when its
		// manifest still validates.
		probe := &Store{RunRoot: runRoot, ManifestPath: manifestPath, Logger: req.Logger, Now: req.Now}
		if _, err := probe.Manifest(); err != nil {
			return InitResult{}, coreerr.Wrap(coreerr.CodeAlreadyExistsConflict, err,
				"run %s exists but its manifest is unreadable (use --force to re-init)", runID)
		}
		res.Created = false
		return res, nil
	}

	for _, d := range runDirs {
		if err := runfs.EnsureDir(filepath.Join(runRoot, d)); err != nil {
			return InitResult{}, err
		}
	}

	s := &Store{
		RunRoot:      runRoot,
		RunID:        runID,
		ManifestPath: manifestPath,
		GatesPath:    gatesPath,
		Logger:       req.Logger,
		Now:          req.Now,
	}
	now := s.nowISO()

	cfgPath := filepath.Join(runRoot, RunConfigFile)
	if err := runcfg.Write(cfgPath, cfg); err != nil {
		return InitResult{}, err
	}

	scope := defaultScope(runID, req.Query, cfg, now)
	if err := schema.ValidateValue(schema.Scope, scope); err != nil {
		return InitResult{}, err
	}
	if err := runfs.AtomicWriteJSON(filepath.Join(runRoot, ScopeFile), scope); err != nil {
		return InitResult{}, err
	}

	if !req.NoPerspectives {
		pd := DefaultPerspectives(runID, cfg)
		if err := schema.ValidateValue(schema.Perspectives, pd); err != nil {
			return InitResult{}, err
		}
		if err := runfs.AtomicWriteJSON(filepath.Join(runRoot, PerspectivesFile), pd); err != nil {
			return InitResult{}, err
		}
	}

	gates := newGatesDoc(runID, now)
	if err := schema.ValidateValue(schema.Gates, gates); err != nil {
		return InitResult{}, err
	}
	if err := runfs.AtomicWriteJSON(gatesPath, gates); err != nil {
		return InitResult{}, err
	}

	manifest := Manifest{
		SchemaVersion: "manifest.v1",
		RunID:         runID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Revision:      1,
		Status:        StatusCreated,
		Query:         Query{Text: req.Query, Mode: cfg.Mode, Sensitivity: cfg.Sensitivity},
		Stage: StageInfo{
			Current:   StageInit,
			StartedAt: now,
			History:   []StageTransition{},
		},
		Limits: cfg.Limits,
		Artifacts: map[string]string{
			"root":         runRoot,
			"gates":        GatesFile,
			"run_config":   RunConfigFile,
			"scope":        ScopeFile,
			"perspectives": PerspectivesFile,
			"audit_log":    AuditLog,
		},
		Metrics: Metrics{
			RetryCounts:      map[string]int{},
			RetryHistory:     []RetryEvent{},
			ReviewIterations: 0,
			Measurements:     map[string]float64{},
		},
		Failures: []Failure{},
	}
	if err := schema.ValidateValue(schema.Manifest, manifest); err != nil {
		return InitResult{}, err
	}
	if err := runfs.AtomicWriteJSON(manifestPath, manifest); err != nil {
		return InitResult{}, err
	}

	if err := runfs.AppendJSONL(filepath.Join(runsRoot, LedgerFile), map[string]any{
		"ts":          now,
		"run_id":      runID,
		"run_root":    runRoot,
		"query":       req.Query,
		"mode":        cfg.Mode,
		"sensitivity": cfg.Sensitivity,
	}); err != nil {
		return InitResult{}, err
	}

	if err := s.AppendAudit("run_init", "run created", map[string]any{
		"mode":        cfg.Mode,
		"sensitivity": cfg.Sensitivity,
	}); err != nil {
		return InitResult{}, err
	}

	req.Logger.Info("run initialized",
		zap.String("run_id", runID),
		zap.String("run_root", runRoot),
		zap.String("mode", cfg.Mode))

	res.Created = true
	return res, nil
}

func defaultScope(runID, query string, cfg runcfg.Config, now string) ScopeDoc {
	posture := "required"
	if cfg.Sensitivity == runcfg.SensitivityNoWeb {
		posture = "preferred"
	}
	budget := map[string]int{
		runcfg.ModeQuick:    30,
		runcfg.ModeStandard: 60,
		runcfg.ModeDeep:     120,
	}[cfg.Mode]
	return ScopeDoc{
		SchemaVersion:     "scope.v1",
		RunID:             runID,
		CreatedAt:         now,
		Questions:         []string{query},
		NonGoals:          []string{},
		Deliverable:       "cited research report",
		Depth:             cfg.Mode,
		TimeBudgetMinutes: budget,
		CitationPosture:   posture,
	}
}

// DefaultPerspectives returns the deterministic per-mode perspective set.
// Ids are stable so re-planning the same run yields identical prompts.
func DefaultPerspectives(runID string, cfg runcfg.Config) PerspectivesDoc {
	contract := PromptContract{
		MaxWords:            cfg.Limits.MaxWords,
		MaxSources:          cfg.Limits.MaxSources,
		ToolBudget:          20,
		MustIncludeSections: []string{"Findings", "Sources", "Gaps"},
	}
	all := []Perspective{
		{ID: "landscape", Title: "Current landscape and state of the art", Track: "standard", AgentType: "researcher", PromptContract: contract},
		{ID: "evidence", Title: "Primary evidence and measurements", Track: "independent", AgentType: "researcher", PromptContract: contract},
		{ID: "contrarian", Title: "Strongest case against the consensus", Track: "contrarian", AgentType: "researcher", PromptContract: contract},
		{ID: "practice", Title: "Practitioner experience and deployments", Track: "standard", AgentType: "researcher", PromptContract: contract},
		{ID: "economics", Title: "Costs, incentives, and market structure", Track: "standard", AgentType: "researcher", PromptContract: contract},
		{ID: "risks", Title: "Failure modes and open risks", Track: "contrarian", AgentType: "researcher", PromptContract: contract},
	}
	n := cfg.Limits.MaxWave1Agents
	if n > len(all) {
		n = len(all)
	}
	return PerspectivesDoc{
		SchemaVersion: "perspectives.v1",
		RunID:         runID,
		Perspectives:  all[:n],
	}
}

func newGatesDoc(runID, now string) GatesDoc {
	doc := GatesDoc{
		SchemaVersion: "gates.v1",
		RunID:         runID,
		Revision:      1,
		UpdatedAt:     now,
		InputsDigest:  runfs.DigestText(runID + ":init"),
		Gates:         map[string]Gate{},
	}
	for _, id := range GateIDs() {
		doc.Gates[id] = Gate{
			ID:        id,
			Name:      gateNames[id],
			Class:     gateClasses[id],
			Status:    GateNotRun,
			CheckedAt: "",
			Metrics:   map[string]any{},
			Artifacts: []string{},
			Warnings:  []string{},
			Notes:     "",
		}
	}
	return doc
}

// LedgerPath returns the shared ledger path for a runs root.
func LedgerPath(runsRoot string) string {
	return filepath.Join(runsRoot, LedgerFile)
}

// ReadLedger returns all ledger records under a runs root.
func ReadLedger(runsRoot string) ([]map[string]any, error) {
	var out []map[string]any
	err := runfs.ScanJSONL(LedgerPath(runsRoot), func(_ int, raw []byte) error {
		doc := map[string]any{}
		if err := decodeLedgerLine(raw, &doc); err != nil {
			return err
		}
		out = append(out, doc)
		return nil
	})
	return out, err
}

func decodeLedgerLine(raw []byte, out *map[string]any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return coreerr.Wrap(coreerr.CodeInvalidJSONL, err, "ledger record")
	}
	return nil
}
