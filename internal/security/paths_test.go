package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "captures"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"new file", filepath.Join(dir, "frame-0001.raw"), false},
		{"nested", filepath.Join(dir, "captures", "beacon.bmp"), false},
		{"missing subdir", filepath.Join(dir, "later", "beacon.bmp"), false},
		{"dot dot", filepath.Join(dir, "..", "escape.raw"), true},
		{"sneaky", filepath.Join(dir, "captures", "..", "..", "escape.raw"), true},
		{"absolute", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, dir)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePathWithinDirectory(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePathWithinDirectory_Symlink(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(dir, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := ValidatePathWithinDirectory(filepath.Join(link, "frame.raw"), dir); err == nil {
		t.Error("expected symlinked directory outside dir to be rejected")
	}
}

func TestValidatePathWithinDirectory_MissingDir(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	if err := ValidatePathWithinDirectory(filepath.Join(missing, "a.raw"), missing); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"beacon-01.raw", "beacon-01.raw"},
		{"../../etc/passwd", "etc_passwd"},
		{"pass 3 / sun glint", "pass_3_sun_glint"},
		{"", "unknown"},
		{"...", "unknown"},
		{"a  b", "a_b"},
		{"hot pixel ✶", "hot_pixel"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := SanitizeFilename(strings.Repeat("x", 500))
	if len(long) != maxFilenameLen {
		t.Errorf("len = %d, want %d", len(long), maxFilenameLen)
	}
}
