package schema

import (
	"strings"
	"unicode"
)

// Canonicalize converts a declared model name to its canonical form:
// kebab-case with any trailing "-model" stripped. "UniversityModel",
// "university-model" and "university" all canonicalize to "university".
func Canonicalize(name string) string {
	kebab := toKebab(name)
	kebab = strings.TrimSuffix(kebab, "-model")
	return kebab
}

// Pluralize returns the plural form of a canonical model name. Only the
// final path segment is pluralized: "surgery-type" becomes "surgery-types".
func Pluralize(name string) string {
	if name == "" {
		return name
	}
	switch {
	case strings.HasSuffix(name, "y") && !hasVowelBeforeY(name):
		return name[:len(name)-1] + "ies"
	case strings.HasSuffix(name, "s"),
		strings.HasSuffix(name, "x"),
		strings.HasSuffix(name, "z"),
		strings.HasSuffix(name, "ch"),
		strings.HasSuffix(name, "sh"):
		return name + "es"
	default:
		return name + "s"
	}
}

func hasVowelBeforeY(name string) bool {
	if len(name) < 2 {
		return false
	}
	return strings.ContainsRune("aeiou", rune(name[len(name)-2]))
}

func toKebab(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '_' || r == ' ':
			b.WriteRune('-')
		case unicode.IsUpper(r):
			// Insert a dash at lower→upper boundaries and before the last
			// upper of an acronym followed by a lower ("HTTPServer").
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(unicode.IsUpper(runes[i-1]) && i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteRune('-')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
