package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoBackup is returned by RestoreFromBackup when path has no .bak sibling.
var ErrNoBackup = errors.New("no backup file")

// Quarantine moves a corrupted file into <dataDir>/quarantine and returns its new path.
func Quarantine(dataDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(dataDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	target := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, target); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return target, nil
}

// RestoreFromBackup copies path+".bak" over path after checking it parses with the expected header.
func RestoreFromBackup(filePath, fileType string) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNoBackup, bakPath)
		}
		return fmt.Errorf("read backup: %w", err)
	}
	if err := ValidateSchemaHeaderFromBytes(content, fileType); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	return AtomicWriteRaw(filePath, content)
}

// RecoverCorruptedFile quarantines filePath and restores the backup when one is usable.
// When no backup can be restored, filePath is left absent and restored reports false.
func RecoverCorruptedFile(dataDir, filePath, fileType string) (quarantined string, restored bool, err error) {
	quarantined, err = Quarantine(dataDir, filePath)
	if err != nil {
		return "", false, fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath, fileType); err != nil {
		return quarantined, false, nil
	}
	return quarantined, true, nil
}
