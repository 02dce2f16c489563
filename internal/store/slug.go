package store

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxSlugLen is the longest slug a server may carry.
const MaxSlugLen = 64

var (
	slugStrip = regexp.MustCompile(`[^\w\s-]`)
	slugDash  = regexp.MustCompile(`[-\s]+`)
)

// Slugify folds s to lowercase ASCII, drops punctuation, and joins words
// with single hyphens: "GPU Box #2 (Ünïcode)" becomes "gpu-box-2-unicode".
func Slugify(s string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(s) {
		if r < unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	out := strings.ToLower(b.String())
	out = slugStrip.ReplaceAllString(out, "")
	out = slugDash.ReplaceAllString(out, "-")
	return strings.Trim(out, "-_")
}

// cutSlug shortens slug to n bytes without leaving a trailing separator.
func cutSlug(slug string, n int) string {
	if len(slug) > n {
		slug = slug[:n]
	}
	return strings.TrimRight(slug, "-_")
}
