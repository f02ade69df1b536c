package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem is returned when the database path sits on a network
// mount. SQLite's WAL locking is unreliable there, and the ledger's claim
// depends on it.
var ErrNetworkFilesystem = errors.New("sqlite database on network filesystem")

// errFSUnknown means the platform cannot report a filesystem type; the check
// is skipped.
var errFSUnknown = errors.New("filesystem type unavailable")

var networkFilesystems = map[string]struct{}{
	"9p":     {},
	"afpfs":  {},
	"ceph":   {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

type fsDetector func(path string) (string, error)

// CheckLocalFilesystem reports ErrNetworkFilesystem when path (or its nearest
// existing parent) is on a network mount.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, detectFilesystemType)
}

func checkLocalFilesystem(path string, detect fsDetector) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detect(dir)
	if errors.Is(err, errFSUnknown) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", dir, err)
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf("%w: %q is on %s; set state.path (or --db) to a local disk, or use state.driver: postgres",
			ErrNetworkFilesystem, path, fsType)
	}
	return nil
}

// existingAncestor walks up from path until something exists; the database
// file and its directory may not have been created yet.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for p := abs; ; p = filepath.Dir(p) {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		case filepath.Dir(p) == p:
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return found
}
