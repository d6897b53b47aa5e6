package config

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

//go:embed env.sample
var configFS embed.FS

// WriteSampleEnv writes the embedded sample .env into configDir.
// An existing file is kept unless overwrite is set, in which case it is
// first copied to a dated backup. It returns the path of the .env file.
func WriteSampleEnv(configDir string, overwrite bool) (string, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	target := filepath.Join(configDir, ".env")
	if _, err := os.Stat(target); err == nil {
		if !overwrite {
			return target, nil
		}

		existing, err := os.ReadFile(target)
		if err != nil {
			return "", fmt.Errorf("failed to read existing file for backup: %w", err)
		}

		backupPath := fmt.Sprintf("%s.%s.bak", target, time.Now().Format("2006-01-02"))
		if err := os.WriteFile(backupPath, existing, 0600); err != nil {
			return "", fmt.Errorf("failed to write backup file: %w", err)
		}
	}

	data, err := configFS.ReadFile("env.sample")
	if err != nil {
		return "", fmt.Errorf("reading embedded sample: %w", err)
	}

	// The file ends up holding client secrets
	if err := os.WriteFile(target, data, 0600); err != nil {
		return "", fmt.Errorf("writing %s: %w", target, err)
	}

	return target, nil
}
