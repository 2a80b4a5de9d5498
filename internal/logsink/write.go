package logsink

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// AppendJSONL appends one JSON line per record to dir/name.
func AppendJSONL[T any](dir, name string, records ...T) error {
	f, err := OpenAppend(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("append %s: %w", name, err)
		}
	}
	return f.Sync()
}
