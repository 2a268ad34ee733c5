package vcs

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Add retry logic to the HTTP client", "add-retry-logic-to-the-http-client"},
		{"  Fix: crash on empty input!!  ", "fix-crash-on-empty-input"},
		{"Ünïcode stays out", "n-code-stays-out"},
		{"", "mission"},
		{"???", "mission"},
		{strings.Repeat("ab ", 40), strings.TrimSuffix(strings.Repeat("ab-", 17), "-")},
	}
	for _, tt := range tests {
		got := Slug(tt.in)
		assert.Equal(t, tt.want, got, "Slug(%q)", tt.in)
		assert.LessOrEqual(t, len(got), 50)
	}
}

func TestBranchName(t *testing.T) {
	pattern := regexp.MustCompile(`^nexus/feat/add-caching-[0-9a-f]{6}$`)
	a := BranchName("", "Add caching")
	b := BranchName("nexus/feat/", "Add caching")
	assert.Regexp(t, pattern, a)
	assert.Regexp(t, pattern, b)
	assert.NotEqual(t, a, b)
}

func TestCleanPath(t *testing.T) {
	ok := map[string]string{
		"src/main.go":       "src/main.go",
		"./src/../lib/a.go": "lib/a.go",
		`docs\readme.md`:    "docs/readme.md",
	}
	for in, want := range ok {
		got, err := CleanPath(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{"", "/etc/passwd", "../x", "a/../../x", ".git/config", "."} {
		_, err := CleanPath(bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}
