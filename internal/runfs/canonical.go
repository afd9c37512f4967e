package runfs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sondeworks/sonde/internal/coreerr"
)

// CanonicalJSON serializes v compactly with every object's keys in
// lexicographic order (recursively) and array order preserved. Two values
// that differ only in key order canonicalize to identical bytes.
func CanonicalJSON(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DigestJSON returns "sha256:<hex>" over the canonical JSON of v.
func DigestJSON(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return DigestBytes(b), nil
}

// DigestBytes returns "sha256:<hex>" over raw bytes.
func DigestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// DigestText returns "sha256:<hex>" over a string.
func DigestText(s string) string {
	return DigestBytes([]byte(s))
}

// HexSHA256 returns the bare hex digest of a string, for identifiers that
// embed a digest without the scheme prefix.
func HexSHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// normalize round-trips v through encoding/json so structs, maps, and
// numbers all land in the same generic shape (json.Number preserves the
// original literal).
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.CodeInvalidJSON, err, "canonicalize")
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, coreerr.Wrap(coreerr.CodeInvalidJSON, err, "canonicalize")
	}
	return out, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(x.String())
	case string:
		return writeJSONString(buf, x)
	case []any:
		buf.WriteByte('[')
		for i, el := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return coreerr.New(coreerr.CodeInvalidJSON, "canonicalize: unsupported value %T", v)
	}
	return nil
}

// writeJSONString emits a JSON string without HTML escaping so canonical
// bytes stay readable and stable across encoders.
func writeJSONString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return coreerr.Wrap(coreerr.CodeInvalidJSON, err, "encode string")
	}
	buf.WriteString(strings.TrimSuffix(tmp.String(), "\n"))
	return nil
}

// RoundRate rounds a rate to 6 decimal places, the precision gate metrics
// are recorded at.
func RoundRate(v float64) float64 {
	s := fmt.Sprintf("%.6f", v)
	var out float64
	_, _ = fmt.Sscanf(s, "%f", &out)
	return out
}
