package atomicfile

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cidxlabs/cidx/pkg/log"
)

// TempMaxAge is how old an orphaned temp file must be before the startup
// sweeper removes it. Younger temps may belong to an in-flight write.
const TempMaxAge = 10 * time.Minute

// tempMarker appears in every temp filename produced by Write.
const tempMarker = ".tmp."

// Write writes data to path atomically: the bytes go to a sibling temp file
// which is flushed to disk and then renamed over path. Readers never observe
// a partial file. On any failure the temp file is removed best-effort.
func Write(path string, data []byte) error {
	tmpPath := path + tempMarker + uuid.New().String()

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}

	success := false
	defer func() {
		if !success {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file for %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to flush temp file for %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}

	success = true
	return nil
}

// WriteString writes s to path atomically.
func WriteString(path, s string) error {
	return Write(path, []byte(s))
}

// WriteJSON marshals v with indentation and writes it to path atomically.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON for %s: %w", path, err)
	}
	return Write(path, data)
}

// ReadJSON reads path and unmarshals it into v.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// SweepTemps removes orphaned temp files under root older than maxAge and
// returns how many were removed. Temps younger than maxAge are left alone.
func SweepTemps(root string, maxAge time.Duration) (int, error) {
	logger := log.WithComponent("atomicfile")
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.Contains(d.Name(), tempMarker) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Raced with a concurrent rename or delete.
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			logger.Warn().Str("path", path).Err(err).Msg("failed to remove orphaned temp file")
			return nil
		}
		logger.Debug().Str("path", path).Msg("removed orphaned temp file")
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to sweep temp files under %s: %w", root, err)
	}
	return removed, nil
}
