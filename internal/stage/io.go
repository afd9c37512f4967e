package stage

import (
	"os"

	"github.com/sondeworks/sonde/internal/runfs"
)

func readJSONInto(path string, out any) error {
	return runfs.ReadJSON(path, out)
}

func digestJSON(v any) (string, error) {
	return runfs.DigestJSON(v)
}

func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
