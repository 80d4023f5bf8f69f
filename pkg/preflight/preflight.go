// Package preflight provides validation checks that run before a backup or
// validation pass begins, so misconfiguration fails fast with a useful error
// instead of surfacing halfway through a run.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/verigo/verigo/pkg/config"
	"github.com/verigo/verigo/pkg/util"
)

// CheckInputAccessible validates that an input path exists. Inputs may be
// files, directories or symlinks.
func CheckInputAccessible(path string) error {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input path %s does not exist", path)
		}
		return fmt.Errorf("cannot stat input path %s: %w", path, err)
	}
	return nil
}

// CheckBackupTargetAccessible performs pre-flight checks to ensure the backup
// directory is usable. It provides friendlier errors than letting os.MkdirAll
// fail.
//
// The checks include:
//  1. On Windows, verifies that the drive or network share exists.
//  2. If the target path exists, confirms it is a directory.
//  3. If the target path does not exist, confirms its parent is accessible.
//  4. On Unix, verifies the target is not a "ghost" directory sitting on the
//     root filesystem where an external drive failed to mount. This is done
//     by walking up from the target path and checking the deepest existing
//     ancestor.
func CheckBackupTargetAccessible(targetPath string) error {
	if err := checkVolumeExists(targetPath); err != nil {
		return err
	}

	info, err := os.Stat(targetPath)
	if os.IsNotExist(err) {
		// Target doesn't exist; validate the deepest existing ancestor.
		ancestor := targetPath
		for {
			parent := filepath.Dir(ancestor)
			if parent == ancestor {
				break
			}
			if _, err := os.Stat(parent); err == nil {
				ancestor = parent
				break
			}
			ancestor = parent
		}
		if err := platformValidateMountPoint(ancestor); err != nil {
			return err
		}

		// The immediate parent must also be reachable so MkdirAll won't fail.
		parentDir := filepath.Dir(targetPath)
		if _, err := os.Stat(parentDir); os.IsNotExist(err) {
			return fmt.Errorf("target path and its parent directory do not exist: %s", parentDir)
		} else if err != nil {
			return fmt.Errorf("cannot access parent directory %s: %w", parentDir, err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access target path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}
	return platformValidateMountPoint(targetPath)
}

// CheckBackupTargetWritable ensures the backup directory can be created and
// is writable by performing filesystem modifications.
func CheckBackupTargetWritable(targetPath string) error {
	if err := os.MkdirAll(targetPath, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create target directory %s: %w", targetPath, err)
	}

	tempFile := filepath.Join(targetPath, ".verigo-writetest.tmp")
	f, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("target directory %s is not writable: %w", targetPath, err)
	}
	f.Close()
	_ = os.Remove(tempFile)
	return nil
}

// CheckFreeSpace verifies the filesystem holding targetPath has room for the
// given number of bytes. It runs once the planned copy volume is known, not
// with the other upfront checks.
func CheckFreeSpace(targetPath string, requiredBytes int64) error {
	if requiredBytes <= 0 {
		return nil
	}
	available, err := freeSpace(targetPath)
	if err != nil {
		return err
	}
	if available < requiredBytes {
		return fmt.Errorf("not enough free space on %s: %s required, %s available",
			targetPath, util.ByteCountIEC(requiredBytes), util.ByteCountIEC(available))
	}
	return nil
}

// CheckPathNesting rejects configurations where an input contains the backup
// directory or the backup directory contains an input. Either would make the
// run feed on its own output.
func CheckPathNesting(inputPath, targetPath string) error {
	if isAncestor(inputPath, targetPath) {
		return fmt.Errorf("backup directory %s is inside input path %s", targetPath, inputPath)
	}
	if isAncestor(targetPath, inputPath) {
		return fmt.Errorf("input path %s is inside backup directory %s", inputPath, targetPath)
	}
	return nil
}

func isAncestor(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}

// Run executes every preflight check implied by the configuration. Any error
// here is fatal to the run before anything is touched, except that the
// writable check intentionally creates the backup directory.
func Run(cfg *config.Config) error {
	for _, entry := range cfg.InputPaths {
		if entry.Skip {
			continue
		}
		if err := CheckInputAccessible(entry.Path); err != nil {
			return err
		}
		if err := CheckPathNesting(entry.Path, cfg.SaveTo); err != nil {
			return err
		}
	}
	if err := CheckBackupTargetAccessible(cfg.SaveTo); err != nil {
		return err
	}
	return CheckBackupTargetWritable(cfg.SaveTo)
}
