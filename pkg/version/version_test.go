package version

import (
	"strings"
	"testing"
)

func TestStringStampedRelease(t *testing.T) {
	old := Release
	defer func() { Release = old }()

	Release = "v0.3.1"
	s := String()
	if !strings.HasPrefix(s, "hase v0.3.1 ") {
		t.Fatalf("String() = %q, want hase v0.3.1 prefix", s)
	}
}

func TestStringUnstamped(t *testing.T) {
	old := Release
	defer func() { Release = old }()

	Release = ""
	s := String()
	if !strings.HasPrefix(s, "hase ") || !strings.Contains(s, "/") {
		t.Fatalf("String() = %q, want name and platform", s)
	}
}
