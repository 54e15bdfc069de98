package bundle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/keydeck/keydeck/internal/errors"
	"github.com/keydeck/keydeck/internal/telemetry"
)

// ArtifactSchemaVersion is the on-disk bundle layout version.
const ArtifactSchemaVersion = "1.0"

// ArtifactHeader is the first line of a bundle artifact.
type ArtifactHeader struct {
	KeydeckBundle bool              `json:"_keydeck_bundle"`
	SchemaVersion string            `json:"schema_version"`
	Profile       telemetry.Profile `json:"profile"`
	Window        telemetry.Window  `json:"window"`
	Counts        Counts            `json:"counts"`
	Truncated     bool              `json:"truncated"`
	Checksum      string            `json:"checksum"`
}

// WriteArtifact writes the sealed bundle to path as JSONL: header line,
// canonical manifest line, then every record's canonical bytes in manifest
// order. Bytes go to a temp file first and are renamed into place, so the
// destination never holds a partial artifact. The layout carries no
// timestamps: the same request against unchanged telemetry produces
// byte-identical output.
//
// Returns the artifact size in bytes. A cancelled ctx aborts the write and
// removes the temp file; the destination is left untouched.
func WriteArtifact(ctx context.Context, path string, req Request, sealed *Sealed, progress ProgressFunc) (int64, error) {
	header := ArtifactHeader{
		KeydeckBundle: true,
		SchemaVersion: ArtifactSchemaVersion,
		Profile:       req.Profile,
		Window:        req.Window,
		Counts:        sealed.Counts,
		Truncated:     sealed.Truncated,
		Checksum:      sealed.Checksum,
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	manifestJSON, err := sealed.Manifest.CanonicalManifest()
	if err != nil {
		return 0, err
	}

	// Write to temp file first, then atomic rename to preserve any existing
	// file on failure.
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return 0, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := path + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, errors.NewInternal(fmt.Errorf("failed to create artifact file: %w", err))
	}

	// Clean up temp file on failure (any existing destination is preserved)
	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	var size int64
	writeLine := func(data []byte) error {
		n, err := file.Write(data)
		size += int64(n)
		if err != nil {
			return errors.NewInternal(err)
		}
		n, err = file.Write([]byte("\n"))
		size += int64(n)
		if err != nil {
			return errors.NewInternal(err)
		}
		return nil
	}

	if err := writeLine(headerJSON); err != nil {
		return 0, err
	}
	if err := writeLine(manifestJSON); err != nil {
		return 0, err
	}

	for i, rec := range sealed.Records {
		select {
		case <-ctx.Done():
			return 0, errors.NewCancelled("artifact write")
		default:
		}

		if err := writeLine(rec.Data); err != nil {
			return 0, err
		}
		if progress != nil {
			progress(i + 1)
		}
	}

	if err := file.Sync(); err != nil {
		return 0, errors.NewInternal(err)
	}

	// Close before atomic replace (required on Windows; fine elsewhere).
	if err := file.Close(); err != nil {
		return 0, errors.NewInternal(fmt.Errorf("failed to close artifact file: %w", err))
	}
	file = nil

	// Check if destination is a symlink (os.Rename would follow it)
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return 0, errors.NewInternal(fmt.Errorf("artifact path is a symlink"))
	}

	// Finalize by renaming the temp file into place.
	//
	// Note: On Windows, os.Rename fails if the destination exists. We
	// intentionally fail safely (preserving the existing file) instead of
	// doing a non-atomic delete+rename that could lose the original if
	// rename fails.
	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(path); statErr == nil {
				return 0, errors.NewInvalidRequest("artifact destination already exists; overwriting is not supported on Windows (choose a new path or delete the existing file)")
			}
		}
		return 0, errors.NewInternal(fmt.Errorf("failed to finalize artifact: %w", err))
	}

	success = true
	return size, nil
}

// ReadArtifactHeader parses the header line of an existing artifact file.
// Used by the report view and by integrity checks.
func ReadArtifactHeader(data []byte) (*ArtifactHeader, error) {
	end := 0
	for end < len(data) && data[end] != '\n' {
		end++
	}
	header := &ArtifactHeader{}
	if err := json.Unmarshal(data[:end], header); err != nil {
		return nil, errors.NewInvalidRequest("not a keydeck bundle artifact")
	}
	if !header.KeydeckBundle {
		return nil, errors.NewInvalidRequest("not a keydeck bundle artifact")
	}
	return header, nil
}
