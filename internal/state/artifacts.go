package state

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// PruneArtifacts deletes files under the run's artifacts directory whose
// slash-relative path matches any exclude glob. Patterns use doublestar
// syntax ("**/*.tmp", "scratch/**"). Returns the removed relative paths.
func (s *Store) PruneArtifacts(runID string, excludeGlobs []string) ([]string, error) {
	if len(excludeGlobs) == 0 {
		return nil, nil
	}
	root := filepath.Join(s.runDir(runID), artifacts)
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var removed []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, pat := range excludeGlobs {
			ok, err := doublestar.Match(pat, rel)
			if err != nil {
				return err
			}
			if ok {
				if err := os.Remove(path); err != nil {
					return err
				}
				removed = append(removed, rel)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(removed)
	return removed, nil
}
