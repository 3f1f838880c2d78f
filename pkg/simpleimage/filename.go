package simpleimage

import (
	"path"
	"strings"
	"unicode"
)

var latinFold = map[rune]rune{}

func init() {
	ranges := []struct {
		lo, hi rune
		to     rune
	}{
		{'À', 'Å', 'A'}, {'à', 'å', 'a'},
		{'È', 'Ë', 'E'}, {'è', 'ë', 'e'},
		{'Ì', 'Ï', 'I'}, {'ì', 'ï', 'i'},
		{'Ò', 'Ö', 'O'}, {'ò', 'ö', 'o'},
		{'Ù', 'Ü', 'U'}, {'ù', 'ü', 'u'},
		{'Ç', 'Ç', 'C'}, {'ç', 'ç', 'c'},
		{'Ñ', 'Ñ', 'N'}, {'ñ', 'ñ', 'n'},
	}
	for _, r := range ranges {
		for c := r.lo; c <= r.hi; c++ {
			latinFold[c] = r.to
		}
	}
}

// SanitizeFileName reduces an uploaded file name to printable ASCII without
// directory components. Accented Latin letters lose their diacritics; any
// other non-ASCII rune becomes '-'. An empty result becomes "image".
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		name = ""
	}

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r < 128 && unicode.IsPrint(r):
			b.WriteRune(r)
		case latinFold[r] != 0:
			b.WriteRune(latinFold[r])
		default:
			b.WriteRune('-')
		}
	}

	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "image"
	}
	return out
}
