package runfs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sondeworks/sonde/internal/coreerr"
)

// ResolveContained joins rel onto runRoot and returns the absolute path,
// rejecting anything whose real location falls outside the run root:
// absolute rel paths, ".." traversal, and symlinks that point out of the
// tree all fail with PATH_ESCAPES_RUN_ROOT.
func ResolveContained(runRoot, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", escapeErr(rel, "absolute path")
	}
	rootAbs, err := filepath.Abs(runRoot)
	if err != nil {
		return "", coreerr.Wrap(coreerr.CodePathNotWritable, err, "resolve run root %s", runRoot)
	}
	joined := filepath.Join(rootAbs, filepath.FromSlash(rel))
	if !within(rootAbs, joined) {
		return "", escapeErr(rel, "path traversal")
	}

	// Symlink check: realpath of the deepest existing ancestor must stay
	// inside the realpath of the root.
	rootReal, err := realpathExisting(rootAbs)
	if err != nil {
		return "", coreerr.Wrap(coreerr.CodePathNotWritable, err, "resolve run root %s", runRoot)
	}
	probe := joined
	for {
		real, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if !within(rootReal, real) && real != rootReal {
				return "", escapeErr(rel, "symlink escapes run root")
			}
			break
		}
		if !os.IsNotExist(err) {
			return "", coreerr.Wrap(coreerr.CodePathNotWritable, err, "resolve %s", rel)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	return joined, nil
}

func escapeErr(rel, why string) error {
	return coreerr.New(coreerr.CodePathEscapesRunRoot, "path escapes run root: %s (%s)", rel, why).At(rel)
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func realpathExisting(path string) (string, error) {
	real, err := filepath.EvalSymlinks(path)
	if err == nil {
		return real, nil
	}
	if os.IsNotExist(err) {
		return path, nil
	}
	return "", err
}
