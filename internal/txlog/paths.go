// Package txlog implements the append-only transaction log that records
// every change to a table as a numbered JSON entry. Log entries are
// immutable once written; a new version exists exactly when its entry
// object exists, which makes claiming an entry slot the commit point.
package txlog

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Log directory layout under a table root.
const (
	// LogDirName is the directory holding log entries and checkpoints.
	LogDirName = "_txn_log"

	// DataDirName is the directory holding committed data files.
	DataDirName = "data"

	// lastCheckpointName points at the most recent checkpoint.
	lastCheckpointName = "_last_checkpoint"

	// watermarkName records the earliest version still fully intact
	// after vacuum has physically deleted files.
	watermarkName = "_vacuum_watermark.json"

	entrySuffix      = ".json"
	checkpointSuffix = ".checkpoint.snappy"
)

// versionDigits fixes entry names at 20 zero-padded digits so
// lexicographic listing order matches numeric version order.
const versionDigits = 20

// LogDir returns the log directory path for a table root.
func LogDir(tableRoot string) string {
	return path.Join(tableRoot, LogDirName)
}

// DataDir returns the data directory path for a table root.
func DataDir(tableRoot string) string {
	return path.Join(tableRoot, DataDirName)
}

// EntryPath returns the object path of the log entry for version.
func EntryPath(tableRoot string, version uint64) string {
	return path.Join(LogDir(tableRoot), fmt.Sprintf("%0*d%s", versionDigits, version, entrySuffix))
}

// CheckpointPath returns the object path of the checkpoint at version.
func CheckpointPath(tableRoot string, version uint64) string {
	return path.Join(LogDir(tableRoot), fmt.Sprintf("%0*d%s", versionDigits, version, checkpointSuffix))
}

// LastCheckpointPath returns the path of the checkpoint pointer object.
func LastCheckpointPath(tableRoot string) string {
	return path.Join(LogDir(tableRoot), lastCheckpointName)
}

// WatermarkPath returns the path of the vacuum watermark object.
func WatermarkPath(tableRoot string) string {
	return path.Join(LogDir(tableRoot), watermarkName)
}

// ParseEntryVersion extracts the version from a log entry path.
// Returns false for checkpoints, the watermark, and anything else that
// is not a well-formed entry name.
func ParseEntryVersion(objectPath string) (uint64, bool) {
	return parseVersioned(objectPath, entrySuffix)
}

// ParseCheckpointVersion extracts the version from a checkpoint path.
func ParseCheckpointVersion(objectPath string) (uint64, bool) {
	return parseVersioned(objectPath, checkpointSuffix)
}

func parseVersioned(objectPath, suffix string) (uint64, bool) {
	name := path.Base(objectPath)
	if !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(name, suffix)
	if len(digits) != versionDigits {
		return 0, false
	}
	v, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
