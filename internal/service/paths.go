package service

import (
	"fmt"
	"os"
	"path/filepath"
)

// storeFileName is the default backing file name searched next to the
// executable and in the working directory.
const storeFileName = "Alfred.json"

// FindStorePath resolves the backing file: the explicit flag value wins,
// then Alfred.json next to the executable, then Alfred.json in the working
// directory.
func FindStorePath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), storeFileName)
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	if fileExists(storeFileName) {
		return storeFileName, nil
	}
	return "", fmt.Errorf("no store file: pass --store or place %s next to the executable", storeFileName)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
