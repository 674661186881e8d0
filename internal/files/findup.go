package files

import (
	"os"
	"path/filepath"
)

// FindUp walks from dir towards the filesystem root and returns the first directory containing an entry called name.
// It returns "" when no such directory exists or a directory can't be read.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		if _, err := os.Lstat(filepath.Join(curDir, name)); err == nil {
			return curDir
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
