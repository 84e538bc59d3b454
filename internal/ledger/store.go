package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Load when no ledger file exists yet.
// This is the normal first-run condition.
var ErrNotFound = errors.New("ledger not found")

// Load reads the ledger at path
func Load(path string) (Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Ledger{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Ledger{}, fmt.Errorf("failed to read ledger file: %w", err)
	}

	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return Ledger{}, fmt.Errorf("failed to parse ledger file %s: %w", path, err)
	}
	if l.BytesUsed < 0 {
		return Ledger{}, fmt.Errorf("invalid ledger file %s: negative bytesUsed %d", path, l.BytesUsed)
	}

	return l, nil
}

// Save writes the ledger to path atomically: a temporary file is written
// and synced, then renamed over the previous ledger.
func Save(l Ledger, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp ledger file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp ledger file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp ledger file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp ledger file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp ledger file: %w", err)
	}

	return nil
}

// Path returns the ledger file path inside dataDir
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}
