package runfs

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/sondeworks/sonde/internal/coreerr"
)

// jsonl scanner line capacity; audit events stay small but prompt-bearing
// telemetry can run long.
const maxJSONLLine = 1 << 20

// AppendJSONL appends event as one compact JSON line to path, creating the
// file (and parent dirs) when missing. The write is flushed before return.
func AppendJSONL(path string, event any) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	line, err := json.Marshal(event)
	if err != nil {
		return coreerr.Wrap(coreerr.CodeWriteFailed, err, "marshal jsonl event for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return coreerr.Wrap(coreerr.CodeWriteFailed, err, "open %s", path).At(path)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return coreerr.Wrap(coreerr.CodeWriteFailed, err, "append %s", path).At(path)
	}
	if err := f.Sync(); err != nil {
		return coreerr.Wrap(coreerr.CodeWriteFailed, err, "sync %s", path).At(path)
	}
	return nil
}

// ScanJSONL invokes fn for every non-empty line of path with the 1-based
// line number and raw bytes. A missing file is not an error (zero lines).
func ScanJSONL(path string, fn func(line int, raw []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return coreerr.Wrap(coreerr.CodeWriteFailed, err, "open %s", path).At(path)
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxJSONLLine)
	n := 0
	for sc.Scan() {
		n++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		if err := fn(n, cp); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return coreerr.Wrap(coreerr.CodeInvalidJSONL, err, "scan %s", path).At(path)
	}
	return nil
}

// LastJSONLRecord returns the final non-empty line of path, or nil when the
// file is missing or empty.
func LastJSONLRecord(path string) ([]byte, error) {
	var last []byte
	err := ScanJSONL(path, func(_ int, raw []byte) error {
		last = raw
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// CountJSONL returns the number of non-empty lines in path (0 when absent).
func CountJSONL(path string) (int, error) {
	n := 0
	err := ScanJSONL(path, func(_ int, _ []byte) error {
		n++
		return nil
	})
	return n, err
}
