package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func fixedFS(name string) fsDetector {
	return func(string) (string, error) { return name, nil }
}

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		detect  fsDetector
		wantErr error
	}{
		{name: "local ext4", detect: fixedFS("0xef53")},
		{name: "local apfs", detect: fixedFS("apfs")},
		{name: "nfs", detect: fixedFS("nfs"), wantErr: ErrNetworkFilesystem},
		{name: "smb uppercase", detect: fixedFS("SMBFS"), wantErr: ErrNetworkFilesystem},
		{name: "9p", detect: fixedFS("9p"), wantErr: ErrNetworkFilesystem},
		{name: "unsupported platform", detect: func(string) (string, error) { return "", errFSUnknown }},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := checkLocalFilesystem(filepath.Join(t.TempDir(), "hookline.db"), tc.detect)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("expected pass, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if !strings.Contains(err.Error(), "--db") {
				t.Fatalf("error should point at the fix: %v", err)
			}
		})
	}
}

func TestCheckLocalFilesystemDetectorError(t *testing.T) {
	t.Parallel()
	err := checkLocalFilesystem(filepath.Join(t.TempDir(), "x.db"), func(string) (string, error) {
		return "", errors.New("statfs failed")
	})
	if err == nil || errors.Is(err, ErrNetworkFilesystem) {
		t.Fatalf("expected a detection error, got %v", err)
	}
}

func TestCheckLocalFilesystemInspectsNearestParent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := checkLocalFilesystem(filepath.Join(root, "data", "nested", "hookline.db"), func(p string) (string, error) {
		inspected = p
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("expected pass, got %v", err)
	}
	if inspected != root {
		t.Fatalf("inspected %q, want %q", inspected, root)
	}
}
