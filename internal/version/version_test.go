package version

import "testing"

func TestString(t *testing.T) {
	defer func(v, s, b string) { Version, GitSHA, BuildTime = v, s, b }(Version, GitSHA, BuildTime)

	if got, want := String(), "pat dev (unknown, built unknown)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	Version, GitSHA, BuildTime = "0.4.1", "3f9c2a7d81e04b55aa10", "2026-03-01T12:00:00Z"
	if got, want := String(), "pat 0.4.1 (3f9c2a7d81e0, built 2026-03-01T12:00:00Z)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got := Get(); got.GitSHA != "3f9c2a7d81e04b55aa10" {
		t.Errorf("Get().GitSHA = %q, want the full SHA", got.GitSHA)
	}
}
