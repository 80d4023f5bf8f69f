//go:build windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/windows"
)

// checkVolumeExists verifies that the drive or network share root for a given
// path exists. For "Z:\backup" it checks "Z:\".
func checkVolumeExists(path string) error {
	volume := filepath.VolumeName(path)
	if volume == "" {
		return nil // Relative path without a volume name, nothing to check.
	}

	checkVol := volume
	if !strings.HasSuffix(checkVol, string(filepath.Separator)) {
		checkVol += string(filepath.Separator)
	}
	checkVol = filepath.Clean(checkVol)

	if _, err := os.Stat(checkVol); os.IsNotExist(err) {
		return fmt.Errorf("volume root does not exist: %s. Ensure the drive is connected", checkVol)
	}
	return nil
}

// platformValidateMountPoint is a no-op on Windows; the volume existence
// check above already covers unavailable drives.
func platformValidateMountPoint(path string) error {
	return nil
}

// freeSpace returns the bytes available to the current user on the volume
// holding path.
func freeSpace(path string) (int64, error) {
	var available uint64
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, fmt.Errorf("invalid path %s: %w", path, err)
	}
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &available, nil, nil); err != nil {
		return 0, fmt.Errorf("failed to query free space for %s: %w", path, err)
	}
	return int64(available), nil
}
