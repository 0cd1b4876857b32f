package config

import (
	"os"
	"path/filepath"
)

const dataDirName = ".ppewatch"

// FindDeploymentRoot looks for the .ppewatch directory starting from the
// current working directory and moving up the directory tree.
func FindDeploymentRoot() (string, error) {
	currentDir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := currentDir
	for {
		if _, err := os.Stat(filepath.Join(dir, dataDirName)); err == nil {
			return dir, nil
		}

		parentDir := filepath.Dir(dir)
		if parentDir == dir {
			break
		}
		dir = parentDir
	}

	// No .ppewatch found, use the working directory
	return currentDir, nil
}

// GetDataDir returns the .ppewatch directory under root.
func GetDataDir(root string) string {
	return filepath.Join(root, dataDirName)
}

// EnsureDataDirs creates the .ppewatch subdirectories.
func EnsureDataDirs(dataDir string) error {
	subdirs := []string{
		filepath.Join(dataDir, "logs"),
		filepath.Join(dataDir, "objects"),
	}

	for _, subdir := range subdirs {
		if err := os.MkdirAll(subdir, 0755); err != nil {
			return err
		}
	}

	return nil
}
