package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	s := String()
	if !strings.HasPrefix(s, "qtlab ") {
		t.Errorf("String() = %q, want qtlab prefix", s)
	}
	if !strings.Contains(s, Current) {
		t.Errorf("String() = %q, missing version %q", s, Current)
	}
}
