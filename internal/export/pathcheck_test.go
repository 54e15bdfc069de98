package export

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/keydeck/keydeck/internal/config"
	"github.com/keydeck/keydeck/internal/errors"
)

func unsafeConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.AllowUnsafePaths = true
	return cfg
}

func TestValidateDestinationBasics(t *testing.T) {
	cfg := unsafeConfig()

	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"empty path", "", false},
		{"wrong extension", "/tmp/bundle.json", false},
		{"no extension", "/tmp/bundle", false},
		{"traversal", "/tmp/../etc/bundle.jsonl", false},
		{"embedded traversal", "../bundle.jsonl", false},
		{"valid", "/tmp/bundle.jsonl", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDestination(tt.path, cfg)
			if tt.ok && err != nil {
				t.Errorf("expected %q to validate, got %v", tt.path, err)
			}
			if !tt.ok && !errors.Is(err, errors.ErrInvalidRequest) {
				t.Errorf("expected INVALID_REQUEST for %q, got %v", tt.path, err)
			}
		})
	}
}

func TestValidateDestinationAllowedDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AllowedPaths = []string{dir}

	if err := ValidateDestination(filepath.Join(dir, "bundle.jsonl"), cfg); err != nil {
		t.Errorf("destination directly in an allowed dir must validate: %v", err)
	}

	// Subdirectories of allowed dirs are rejected.
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	err := ValidateDestination(filepath.Join(sub, "bundle.jsonl"), cfg)
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected INVALID_REQUEST for subdirectory, got %v", err)
	}

	// Paths outside every allowed dir are rejected.
	err = ValidateDestination(filepath.Join(t.TempDir(), "bundle.jsonl"), cfg)
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected INVALID_REQUEST outside allowed dirs, got %v", err)
	}

	// Relative allowed_paths entries are ignored.
	cfg.AllowedPaths = []string{"relative/dir"}
	err = ValidateDestination(filepath.Join("relative", "dir", "bundle.jsonl"), cfg)
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected INVALID_REQUEST for relative allowed path, got %v", err)
	}
}

func TestValidateDestinationRejectsSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on Windows")
	}
	dir := t.TempDir()
	cfg := unsafeConfig()

	target := filepath.Join(dir, "target.jsonl")
	if err := os.WriteFile(target, []byte("{}\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	link := filepath.Join(dir, "link.jsonl")
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}

	err := ValidateDestination(link, cfg)
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected INVALID_REQUEST for symlink destination, got %v", err)
	}
}

func TestDefaultDestination(t *testing.T) {
	got := DefaultDestination("/data/exports", "01ABC")
	want := filepath.Join("/data/exports", "incident-01abc.jsonl")
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
	if filepath.Ext(got) != ".jsonl" {
		t.Errorf("default destination must carry .jsonl extension: %s", got)
	}
}
