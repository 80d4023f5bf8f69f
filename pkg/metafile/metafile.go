package metafile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/verigo/verigo/pkg/checksum"
	"github.com/verigo/verigo/pkg/util"
)

// MetaFileName is the name of the backup metadata file.
const MetaFileName = ".verigo.meta.json"

// MetafileContent records what the last run wrote into the backup directory.
type MetafileContent struct {
	Version      string             `json:"version"`
	TimestampUTC time.Time          `json:"timestampUTC"`
	Algorithm    checksum.Algorithm `json:"algorithm"`
	Files        int64              `json:"files"`
	Dirs         int64              `json:"dirs"`
	Symlinks     int64              `json:"symlinks"`
	Completed    bool               `json:"completed"`
}

// Write creates and writes the .verigo.meta.json file into a given directory.
func Write(dirPath string, content *MetafileContent) error {
	metaFilePath := filepath.Join(dirPath, MetaFileName)
	jsonData, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal meta data: %w", err)
	}

	if err := os.WriteFile(metaFilePath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("could not write meta file %s: %w", metaFilePath, err)
	}
	return nil
}

// Read opens and parses the .verigo.meta.json file in a given directory.
// Callers handle os.IsNotExist on the returned error.
func Read(dirPath string) (MetafileContent, error) {
	metaFilePath := filepath.Join(dirPath, MetaFileName)
	metaFile, err := os.Open(metaFilePath)
	if err != nil {
		return MetafileContent{}, err // Return the original error so os.IsNotExist works.
	}
	defer metaFile.Close()

	var content MetafileContent
	decoder := json.NewDecoder(metaFile)
	if err := decoder.Decode(&content); err != nil {
		return MetafileContent{}, fmt.Errorf("could not parse metafile %s: %w. It may be corrupt", metaFilePath, err)
	}
	return content, nil
}
