package vcs

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const (
	DefaultBranchPrefix = "nexus/feat"
	maxSlugLen          = 50
)

// Slug lowercases s and collapses every run of non-alphanumerics into one dash.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) && r < unicode.MaxASCII || unicode.IsDigit(r) && r < unicode.MaxASCII {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimSuffix(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "mission"
	}
	return slug
}

// BranchName returns "<prefix>/<slug>-<6 random chars>" for an objective.
func BranchName(prefix, objective string) string {
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return strings.TrimSuffix(prefix, "/") + "/" + Slug(objective) + "-" + suffix
}
