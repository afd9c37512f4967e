package runcfg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Overrides is the operator-supplied configuration file accepted by
// `init --config`. Pointer fields distinguish "unset" from zero values;
// unknown keys are rejected in both JSON and YAML forms.
type Overrides struct {
	Mode          *string             `json:"mode,omitempty" yaml:"mode,omitempty"`
	Sensitivity   *string             `json:"sensitivity,omitempty" yaml:"sensitivity,omitempty"`
	Limits        *LimitsOverrides    `json:"limits,omitempty" yaml:"limits,omitempty"`
	StageTimeouts map[string]int      `json:"stage_timeouts,omitempty" yaml:"stage_timeouts,omitempty"`
	Citations     *CitationsOverrides `json:"citations,omitempty" yaml:"citations,omitempty"`
	Drivers       *DriversOverrides   `json:"drivers,omitempty" yaml:"drivers,omitempty"`
}

type LimitsOverrides struct {
	MaxWave1Agents      *int `json:"max_wave1_agents,omitempty" yaml:"max_wave1_agents,omitempty"`
	MaxWave2Agents      *int `json:"max_wave2_agents,omitempty" yaml:"max_wave2_agents,omitempty"`
	MaxWords            *int `json:"max_words,omitempty" yaml:"max_words,omitempty"`
	MaxSources          *int `json:"max_sources,omitempty" yaml:"max_sources,omitempty"`
	MaxSummaryKB        *int `json:"max_summary_kb,omitempty" yaml:"max_summary_kb,omitempty"`
	MaxTotalSummaryKB   *int `json:"max_total_summary_kb,omitempty" yaml:"max_total_summary_kb,omitempty"`
	MaxReviewIterations *int `json:"max_review_iterations,omitempty" yaml:"max_review_iterations,omitempty"`
	MaxWaveFailures     *int `json:"max_wave_failures,omitempty" yaml:"max_wave_failures,omitempty"`
}

type CitationsOverrides struct {
	Mode         *string  `json:"mode,omitempty" yaml:"mode,omitempty"`
	FixturesPath *string  `json:"fixtures_path,omitempty" yaml:"fixtures_path,omitempty"`
	Endpoints    []string `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
}

type DriversOverrides struct {
	Default           *string `json:"default,omitempty" yaml:"default,omitempty"`
	MaxParallelAgents *int    `json:"max_parallel_agents,omitempty" yaml:"max_parallel_agents,omitempty"`
}

// LoadOverridesFile reads an overrides document. Extension selects the
// decoder: .json is strict JSON, .yaml/.yml is strict YAML.
func LoadOverridesFile(path string) (*Overrides, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var o Overrides
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s (want .json, .yaml, or .yml)", path)
	}
	return &o, nil
}

// ApplyOverrides layers o over base. The caller validates the result.
func ApplyOverrides(base Config, o *Overrides) Config {
	if o == nil {
		return base
	}
	out := base
	if o.Mode != nil {
		out.Mode = *o.Mode
		out.Limits = DefaultLimits(out.Mode)
	}
	if o.Sensitivity != nil {
		out.Sensitivity = *o.Sensitivity
		if out.Sensitivity == SensitivityNoWeb {
			out.Citations.Mode = CitationsOffline
		}
	}
	if o.Limits != nil {
		l := o.Limits
		if l.MaxWave1Agents != nil {
			out.Limits.MaxWave1Agents = *l.MaxWave1Agents
		}
		if l.MaxWave2Agents != nil {
			out.Limits.MaxWave2Agents = *l.MaxWave2Agents
		}
		if l.MaxWords != nil {
			out.Limits.MaxWords = *l.MaxWords
		}
		if l.MaxSources != nil {
			out.Limits.MaxSources = *l.MaxSources
		}
		if l.MaxSummaryKB != nil {
			out.Limits.MaxSummaryKB = *l.MaxSummaryKB
		}
		if l.MaxTotalSummaryKB != nil {
			out.Limits.MaxTotalSummaryKB = *l.MaxTotalSummaryKB
		}
		if l.MaxReviewIterations != nil {
			out.Limits.MaxReviewIterations = *l.MaxReviewIterations
		}
		if l.MaxWaveFailures != nil {
			out.Limits.MaxWaveFailures = *l.MaxWaveFailures
		}
	}
	if len(o.StageTimeouts) > 0 {
		if out.StageTimeouts == nil {
			out.StageTimeouts = map[string]int{}
		}
		for k, v := range o.StageTimeouts {
			out.StageTimeouts[k] = v
		}
	}
	if o.Citations != nil {
		if o.Citations.Mode != nil && out.Sensitivity != SensitivityNoWeb {
			out.Citations.Mode = *o.Citations.Mode
		}
		if o.Citations.FixturesPath != nil {
			out.Citations.FixturesPath = *o.Citations.FixturesPath
		}
		if len(o.Citations.Endpoints) > 0 {
			out.Citations.Endpoints = append([]string(nil), o.Citations.Endpoints...)
		}
	}
	if o.Drivers != nil {
		if o.Drivers.Default != nil {
			out.Drivers.Default = *o.Drivers.Default
		}
		if o.Drivers.MaxParallelAgents != nil {
			out.Drivers.MaxParallelAgents = *o.Drivers.MaxParallelAgents
		}
	}
	return out
}
