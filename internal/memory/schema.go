package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/go-crew/internal/records"
)

const (
	schemaFile    = "schema.json"
	schemaVersion = 1
)

// ErrSchemaMismatch means the store on disk was built with a different
// schema version or vector size. The fix is a reset.
var ErrSchemaMismatch = errors.New("memory schema mismatch")

type sidecar struct {
	Version    int    `json:"version"`
	Dimensions int    `json:"dimensions"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

type sidecarDecodeError struct{ err error }

func (e *sidecarDecodeError) Error() string { return "decode schema sidecar: " + e.err.Error() }
func (e *sidecarDecodeError) Unwrap() error { return e.err }

// checkSidecar validates dir/schema.json against dims, writing it when absent.
func checkSidecar(dir string, dims int, provider, model string, now time.Time) error {
	path := filepath.Join(dir, schemaFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		sc := sidecar{Version: schemaVersion, Dimensions: dims, Provider: provider, Model: model, CreatedAt: now.UTC().Format(time.RFC3339)}
		raw, err := json.MarshalIndent(sc, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal schema sidecar: %w", err)
		}
		return records.WriteFileAtomic(path, append(raw, '\n'), 0o644)
	}
	if err != nil {
		return fmt.Errorf("read schema sidecar: %w", err)
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return &sidecarDecodeError{err: err}
	}
	if sc.Version != schemaVersion {
		return fmt.Errorf("%w: store version %d, expected %d; run `gocrew memory reset`", ErrSchemaMismatch, sc.Version, schemaVersion)
	}
	if sc.Dimensions != dims {
		return fmt.Errorf("%w: store has %d-dimensional vectors, embedding config produces %d; run `gocrew memory reset`",
			ErrSchemaMismatch, sc.Dimensions, dims)
	}
	return nil
}
