package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp looks for the first of names in dir and then in each parent directory, returning its path.
// It returns an empty path if none of the names exist anywhere up to the root.
func FindUp(dir string, names ...string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	for {
		for _, name := range names {
			p := filepath.Join(curDir, name)
			info, err := os.Stat(p)
			if err == nil && !info.IsDir() {
				return p, nil
			}
			if err != nil && !os.IsNotExist(err) {
				return "", fmt.Errorf("checking %s: %w", p, err)
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
