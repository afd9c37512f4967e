package wave

import (
	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
	"github.com/sondeworks/sonde/internal/schema"
)

// Meta is the wave-output-meta.v1 ingest sidecar written next to each
// output. Its prompt digest is what makes caching safe: a missing or
// mismatched sidecar forces an agent re-run.
type Meta struct {
	SchemaVersion   string `json:"schema_version"`
	ID              string `json:"id"`
	Wave            int    `json:"wave"`
	PromptDigest    string `json:"prompt_digest"`
	AgentRunID      string `json:"agent_run_id,omitempty"`
	StartedAt       string `json:"started_at,omitempty"`
	FinishedAt      string `json:"finished_at,omitempty"`
	Model           string `json:"model,omitempty"`
	IngestedAt      string `json:"ingested_at"`
	SourceInputPath string `json:"source_input_path,omitempty"`
}

// ReadMeta loads a sidecar; NOT_FOUND when absent.
func ReadMeta(st *runstore.Store, waveNum int, id string) (Meta, error) {
	path, err := st.Abs(runstore.WaveMetaFile(waveNum, id))
	if err != nil {
		return Meta{}, err
	}
	doc, err := runfs.ReadJSONMap(path)
	if err != nil {
		return Meta{}, err
	}
	if err := schema.Validate(schema.WaveOutputMeta, doc); err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := runfs.ReadJSON(path, &meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// WriteMeta validates and writes a sidecar.
func WriteMeta(st *runstore.Store, meta Meta) error {
	meta.SchemaVersion = "wave-output-meta.v1"
	return st.WriteArtifact(runstore.WaveMetaFile(meta.Wave, meta.ID),
		schema.WaveOutputMeta, meta, "wave output sidecar")
}

// OutputFresh reports whether an output exists and its sidecar digest
// matches the plan entry's prompt. Only a matching sidecar skips the agent.
func OutputFresh(st *runstore.Store, waveNum int, entry PlanEntry) (bool, error) {
	outAbs, err := st.Abs(runstore.WaveOutputFile(waveNum, entry.ID))
	if err != nil {
		return false, err
	}
	if !runfs.FileExists(outAbs) {
		return false, nil
	}
	meta, err := ReadMeta(st, waveNum, entry.ID)
	if err != nil {
		if coreerr.HasCode(err, coreerr.CodeNotFound) {
			return false, nil
		}
		return false, err
	}
	return meta.PromptDigest == entry.PromptDigest, nil
}
