package util

import (
	"fmt"
	"os"
	"path/filepath"
)

func DefaultAppDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".corpcall"), nil
}

func DefaultEnvPath() (string, error) {
	base, err := DefaultAppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, ".env"), nil
}

func DefaultConfigPath() (string, error) {
	base, err := DefaultAppDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "config.yaml"), nil
}
