// Package runcfg owns run-config.json: the effective configuration snapshot
// written once at init and read-only afterwards. No environment variables
// influence behavior; everything a run needs is materialized here.
package runcfg

import (
	"fmt"
	"time"

	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/schema"
)

// Modes and sensitivities accepted at init.
const (
	ModeQuick    = "quick"
	ModeStandard = "standard"
	ModeDeep     = "deep"

	SensitivityNormal     = "normal"
	SensitivityRestricted = "restricted"
	SensitivityNoWeb      = "no_web"
)

// Citation validation modes.
const (
	CitationsOffline      = "offline"
	CitationsOnline       = "online"
	CitationsOnlineDryRun = "online_dry_run"
)

// Driver kinds.
const (
	DriverFixture = "fixture"
	DriverTask    = "task"
	DriverLive    = "live"
)

// Limits caps one run's resource envelope. All counts are positive.
type Limits struct {
	MaxWave1Agents      int `json:"max_wave1_agents" yaml:"max_wave1_agents"`
	MaxWave2Agents      int `json:"max_wave2_agents" yaml:"max_wave2_agents"`
	MaxWords            int `json:"max_words" yaml:"max_words"`
	MaxSources          int `json:"max_sources" yaml:"max_sources"`
	MaxSummaryKB        int `json:"max_summary_kb" yaml:"max_summary_kb"`
	MaxTotalSummaryKB   int `json:"max_total_summary_kb" yaml:"max_total_summary_kb"`
	MaxReviewIterations int `json:"max_review_iterations" yaml:"max_review_iterations"`
	MaxWaveFailures     int `json:"max_wave_failures" yaml:"max_wave_failures"`
}

// Citations configures the validation subsystem.
type Citations struct {
	Mode         string   `json:"mode" yaml:"mode"`
	FixturesPath string   `json:"fixtures_path,omitempty" yaml:"fixtures_path,omitempty"`
	Endpoints    []string `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
}

// Drivers configures tick execution.
type Drivers struct {
	Default           string `json:"default" yaml:"default"`
	MaxParallelAgents int    `json:"max_parallel_agents" yaml:"max_parallel_agents"`
}

// Config is the run-config.v1 document.
type Config struct {
	SchemaVersion string         `json:"schema_version" yaml:"schema_version"`
	Mode          string         `json:"mode" yaml:"mode"`
	Sensitivity   string         `json:"sensitivity" yaml:"sensitivity"`
	Limits        Limits         `json:"limits" yaml:"limits"`
	StageTimeouts map[string]int `json:"stage_timeouts" yaml:"stage_timeouts"`
	Citations     Citations      `json:"citations" yaml:"citations"`
	Drivers       Drivers        `json:"drivers" yaml:"drivers"`
}

// DefaultStageTimeouts is the per-stage watchdog budget in seconds.
func DefaultStageTimeouts() map[string]int {
	return map[string]int{
		"init":      120,
		"wave1":     600,
		"pivot":     120,
		"wave2":     600,
		"citations": 600,
		"summaries": 600,
		"synthesis": 600,
		"review":    300,
		"finalize":  120,
	}
}

// DefaultLimits returns the per-mode limit presets.
func DefaultLimits(mode string) Limits {
	switch mode {
	case ModeQuick:
		return Limits{
			MaxWave1Agents:      2,
			MaxWave2Agents:      2,
			MaxWords:            800,
			MaxSources:          10,
			MaxSummaryKB:        8,
			MaxTotalSummaryKB:   64,
			MaxReviewIterations: 1,
			MaxWaveFailures:     25,
		}
	case ModeDeep:
		return Limits{
			MaxWave1Agents:      6,
			MaxWave2Agents:      4,
			MaxWords:            2000,
			MaxSources:          25,
			MaxSummaryKB:        16,
			MaxTotalSummaryKB:   128,
			MaxReviewIterations: 3,
			MaxWaveFailures:     25,
		}
	default:
		return Limits{
			MaxWave1Agents:      4,
			MaxWave2Agents:      3,
			MaxWords:            1200,
			MaxSources:          15,
			MaxSummaryKB:        12,
			MaxTotalSummaryKB:   96,
			MaxReviewIterations: 2,
			MaxWaveFailures:     25,
		}
	}
}

// Default builds the effective configuration for a mode and sensitivity.
// Sensitivity no_web forces offline citation validation.
func Default(mode, sensitivity string) Config {
	citMode := CitationsOnlineDryRun
	if sensitivity == SensitivityNoWeb {
		citMode = CitationsOffline
	}
	return Config{
		SchemaVersion: "run-config.v1",
		Mode:          mode,
		Sensitivity:   sensitivity,
		Limits:        DefaultLimits(mode),
		StageTimeouts: DefaultStageTimeouts(),
		Citations:     Citations{Mode: citMode},
		Drivers:       Drivers{Default: DriverTask, MaxParallelAgents: 4},
	}
}

// StageTimeout resolves the watchdog budget for a stage: configured
// override first, then the default table.
func (c Config) StageTimeout(stage string) time.Duration {
	if secs, ok := c.StageTimeouts[stage]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if secs, ok := DefaultStageTimeouts()[stage]; ok {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func validMode(m string) bool {
	return m == ModeQuick || m == ModeStandard || m == ModeDeep
}

func validSensitivity(s string) bool {
	return s == SensitivityNormal || s == SensitivityRestricted || s == SensitivityNoWeb
}

// Validate rejects bad enums and non-positive caps, in addition to the
// structural checks the schema performs.
func Validate(c Config) error {
	if c.SchemaVersion != "run-config.v1" {
		return fmt.Errorf("schema_version must be run-config.v1, got %q", c.SchemaVersion)
	}
	if !validMode(c.Mode) {
		return fmt.Errorf("invalid mode: %q (want quick|standard|deep)", c.Mode)
	}
	if !validSensitivity(c.Sensitivity) {
		return fmt.Errorf("invalid sensitivity: %q (want normal|restricted|no_web)", c.Sensitivity)
	}
	switch c.Citations.Mode {
	case CitationsOffline, CitationsOnline, CitationsOnlineDryRun:
	default:
		return fmt.Errorf("invalid citations.mode: %q (want offline|online|online_dry_run)", c.Citations.Mode)
	}
	if c.Sensitivity == SensitivityNoWeb && c.Citations.Mode != CitationsOffline {
		return fmt.Errorf("sensitivity no_web requires citations.mode offline, got %q", c.Citations.Mode)
	}
	switch c.Drivers.Default {
	case DriverFixture, DriverTask, DriverLive:
	default:
		return fmt.Errorf("invalid drivers.default: %q (want fixture|task|live)", c.Drivers.Default)
	}
	if c.Drivers.MaxParallelAgents < 1 {
		return fmt.Errorf("drivers.max_parallel_agents must be >= 1, got %d", c.Drivers.MaxParallelAgents)
	}
	l := c.Limits
	positives := map[string]int{
		"limits.max_wave1_agents":     l.MaxWave1Agents,
		"limits.max_wave2_agents":     l.MaxWave2Agents,
		"limits.max_words":            l.MaxWords,
		"limits.max_sources":          l.MaxSources,
		"limits.max_summary_kb":       l.MaxSummaryKB,
		"limits.max_total_summary_kb": l.MaxTotalSummaryKB,
		"limits.max_wave_failures":    l.MaxWaveFailures,
	}
	for name, v := range positives {
		if v < 1 {
			return fmt.Errorf("%s must be >= 1, got %d", name, v)
		}
	}
	if l.MaxReviewIterations < 0 {
		return fmt.Errorf("limits.max_review_iterations must be >= 0, got %d", l.MaxReviewIterations)
	}
	known := DefaultStageTimeouts()
	for stage, secs := range c.StageTimeouts {
		if _, ok := known[stage]; !ok {
			return fmt.Errorf("stage_timeouts: unknown stage %q", stage)
		}
		if secs < 1 {
			return fmt.Errorf("stage_timeouts.%s must be >= 1, got %d", stage, secs)
		}
	}
	return nil
}

// Load reads and validates run-config.json.
func Load(path string) (Config, error) {
	doc, err := runfs.ReadJSONMap(path)
	if err != nil {
		return Config{}, err
	}
	if err := schema.Validate(schema.RunConfig, doc); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := runfs.ReadJSON(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("run-config: %w", err)
	}
	return cfg, nil
}

// Write validates and atomically writes run-config.json.
func Write(path string, cfg Config) error {
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("run-config: %w", err)
	}
	if err := schema.ValidateValue(schema.RunConfig, cfg); err != nil {
		return err
	}
	return runfs.AtomicWriteJSON(path, cfg)
}
