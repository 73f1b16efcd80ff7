package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Cursor is a durable checkpoint of a subscription's seen set. Consumers
// that must survive restarts without replaying history persist their cursor;
// persistence is a per-consumer choice, never a store-wide one.
//
// The file holds a sorted JSON array of record keys. Writes go through a
// temp file and rename so a crash mid-checkpoint leaves the previous
// checkpoint intact.
type Cursor struct {
	path string
}

// NewCursor creates a cursor backed by the given file path. The file need
// not exist yet.
func NewCursor(path string) *Cursor {
	return &Cursor{path: path}
}

// Path returns the cursor file path.
func (c *Cursor) Path() string {
	return c.path
}

// Load reads the checkpointed keys. A missing file is an empty checkpoint,
// not an error.
func (c *Cursor) Load() ([]string, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	}

	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to decode cursor: %w", err)
	}
	return keys, nil
}

// Save atomically replaces the checkpoint with the given seen set.
func (c *Cursor) Save(seen map[string]struct{}) error {
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to encode cursor: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cursor directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".cursor-*")
	if err != nil {
		return fmt.Errorf("failed to stage cursor: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write cursor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close staged cursor: %w", err)
	}

	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit cursor: %w", err)
	}
	return nil
}
