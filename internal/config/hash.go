package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
)

// Fingerprint returns the BLAKE3 hash of the config file as read from disk,
// before interpolation, so two hosts can compare deployed configs without
// exposing secrets.
func Fingerprint(configPath string) (string, error) {
	absPath, err := ResolvePath(configPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}
