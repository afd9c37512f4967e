package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sondeworks/sonde/internal/coreerr"
	"github.com/sondeworks/sonde/internal/runfs"
	"github.com/sondeworks/sonde/internal/runstore"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run_id": s.store.RunID})
}

// handleSnapshot returns the run's control surface: manifest, gates, the
// latest halt, the last tick, and the audit tail.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.LoadSnapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGates(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.Gates()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleTicks returns every logs/ticks.jsonl record, oldest first.
func (s *Server) handleTicks(w http.ResponseWriter, r *http.Request) {
	path, err := s.store.Abs(runstore.TicksLog)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ticks := []map[string]any{}
	err = runfs.ScanJSONL(path, func(line int, raw []byte) error {
		var rec map[string]any
		if jerr := json.Unmarshal(raw, &rec); jerr != nil {
			return jerr
		}
		ticks = append(ticks, rec)
		return nil
	})
	if err != nil && !coreerr.HasCode(err, coreerr.CodeNotFound) && !os.IsNotExist(err) {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticks": ticks})
}

// artifactInfo is one listing entry.
type artifactInfo struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// handleListArtifacts lists run files matching the glob query parameter
// (doublestar syntax, default "**"). Logs and the lock are never listed.
func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("glob")
	if pattern == "" {
		pattern = "**"
	}
	if !doublestar.ValidatePattern(pattern) {
		s.writeError(w, coreerr.New(coreerr.CodeInvalidArgs, "bad glob pattern %q", pattern))
		return
	}

	var out []artifactInfo
	root := s.store.RunRoot
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == runstore.LockFile || strings.HasPrefix(rel, "logs/") {
			return nil
		}
		ok, merr := doublestar.Match(pattern, rel)
		if merr != nil {
			return merr
		}
		if ok {
			out = append(out, artifactInfo{Path: rel, Bytes: info.Size()})
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	if out == nil {
		out = []artifactInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": out})
}

// handleGetArtifact serves one run file. Containment is enforced, so
// traversal and symlink escapes 404 rather than leak.
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	abs, err := runfs.ResolveContained(s.store.RunRoot, rel)
	if err != nil {
		s.writeError(w, coreerr.New(coreerr.CodeNotFound, "no artifact at %q", rel))
		return
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		s.writeError(w, coreerr.New(coreerr.CodeNotFound, "no artifact at %q", rel))
		return
	}
	w.Header().Set("Content-Type", contentType(rel))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// handleEvents streams the audit log over SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	WriteSSE(w, r, s.tailer.b)
}

func contentType(rel string) string {
	switch {
	case strings.HasSuffix(rel, ".json"):
		return "application/json"
	case strings.HasSuffix(rel, ".jsonl"):
		return "application/x-ndjson"
	case strings.HasSuffix(rel, ".md"):
		return "text/markdown; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := coreerr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case coreerr.CodeNotFound, coreerr.CodeMissingArtifact, coreerr.CodePathEscapesRunRoot:
		status = http.StatusNotFound
	case coreerr.CodeInvalidArgs:
		status = http.StatusBadRequest
	}
	if status >= 500 {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": code, "message": err.Error()},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
