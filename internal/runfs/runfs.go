// Package runfs provides the filesystem primitives every artifact writer
// goes through: atomic JSON/text writes, guarded reads, JSONL append, and
// run-root containment. Writers never leave a partially written file
// visible; readers may assume file-level atomicity.
package runfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sondeworks/sonde/internal/coreerr"
)

// EnsureDir creates dir (and parents) when missing.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return coreerr.Wrap(coreerr.CodePathNotWritable, err, "ensure dir %s", dir).At(dir)
	}
	return nil
}

// AtomicWriteJSON writes v as indented JSON to path via a same-directory
// temp file (<path>.tmp.<pid>.<ts>) followed by rename.
func AtomicWriteJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return coreerr.Wrap(coreerr.CodeWriteFailed, err, "marshal %s", filepath.Base(path))
	}
	return atomicWriteBytes(path, append(b, '\n'))
}

// AtomicWriteText writes text to path with the same temp-and-rename contract
// as AtomicWriteJSON.
func AtomicWriteText(path, text string) error {
	return atomicWriteBytes(path, []byte(text))
}

func atomicWriteBytes(path string, data []byte) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp.%d.%d", path, os.Getpid(), time.Now().UTC().UnixNano())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return coreerr.Wrap(coreerr.CodeWriteFailed, err, "create temp for %s", path).At(path)
	}
	success := false
	defer func() {
		if !success {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()
	if _, err := f.Write(data); err != nil {
		return coreerr.Wrap(coreerr.CodeWriteFailed, err, "write temp for %s", path).At(path)
	}
	if err := f.Sync(); err != nil {
		return coreerr.Wrap(coreerr.CodeWriteFailed, err, "sync temp for %s", path).At(path)
	}
	if err := f.Close(); err != nil {
		return coreerr.Wrap(coreerr.CodeWriteFailed, err, "close temp for %s", path).At(path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return coreerr.Wrap(coreerr.CodeWriteFailed, err, "rename into %s", path).At(path)
	}
	success = true
	return nil
}

// ReadJSON decodes the JSON file at path into out.
func ReadJSON(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return coreerr.New(coreerr.CodeNotFound, "no such file: %s", path).At(path)
		}
		return coreerr.Wrap(coreerr.CodeWriteFailed, err, "read %s", path).At(path)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return coreerr.Wrap(coreerr.CodeInvalidJSON, err, "decode %s", path).At(path)
	}
	return nil
}

// ReadJSONMap decodes the JSON file at path into a generic document,
// preserving number literals (json.Number) so canonical re-serialization
// and digests are stable.
func ReadJSONMap(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, coreerr.New(coreerr.CodeNotFound, "no such file: %s", path).At(path)
		}
		return nil, coreerr.Wrap(coreerr.CodeWriteFailed, err, "open %s", path).At(path)
	}
	defer func() { _ = f.Close() }()
	dec := json.NewDecoder(f)
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, coreerr.Wrap(coreerr.CodeInvalidJSON, err, "decode %s", path).At(path)
	}
	return doc, nil
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// DirNonEmpty reports whether dir exists and contains at least one entry.
func DirNonEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}
