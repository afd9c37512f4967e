package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sondeworks/sonde/internal/coreerr"
)

// silentExit carries an exit code for results that were already printed:
// the command output is the one JSON object, the code is the verdict.
type silentExit struct{ code int }

func (s silentExit) Error() string { return fmt.Sprintf("exit %d", s.code) }

// emit prints the command result: the object as JSON under --json, or the
// human rendering otherwise.
func emit(v any, human func()) {
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	human()
}

// printError writes the failure to stdout as JSON under --json (still the
// single object contract) or to stderr as text.
func printError(err error) {
	if flagJSON {
		obj := map[string]any{
			"error": map[string]any{
				"code":    coreerr.CodeOf(err),
				"message": err.Error(),
			},
		}
		if ce := coreerr.AsError(err); ce != nil {
			e := obj["error"].(map[string]any)
			e["message"] = ce.Message
			if ce.Path != "" {
				e["path"] = ce.Path
			}
			if len(ce.Details) > 0 {
				e["details"] = ce.Details
			}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(obj)
		return
	}
	fmt.Fprintln(os.Stderr, "error:", err)
}
