package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - LOCOMOTE_CONFIG_PATH: config file location (default: ~/.config/locomote.toml)
//   - LOCOMOTE_HOME: base directory for replica data (default: ~/.local/share/locomote)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking LOCOMOTE_CONFIG_PATH
// first, then falling back to the default ~/.config/locomote.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("LOCOMOTE_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "locomote.toml"), nil
}

// getBaseDir returns the base directory for replica data, checking
// LOCOMOTE_HOME first, then falling back to the XDG default
// ~/.local/share/locomote.
func getBaseDir() (string, error) {
	if path := os.Getenv("LOCOMOTE_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "locomote"), nil
}
