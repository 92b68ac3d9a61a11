package storage

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxKeyFilenameLength = 120

// StorageKey derives the object key for a lesson's source upload. The session
// ID keeps every upload at its own key, so a replacement never overwrites the
// object a completed asset's renditions were cut from. Filenames arrive from
// browsers in arbitrary Unicode; the key keeps an ASCII-safe slug of the name
// so backends and URLs never see surprising bytes.
func StorageKey(lessonID, sessionID, filename string) string {
	slug := sanitizeFilename(filename)
	if slug == "" {
		slug = "source"
	}
	return path.Join("lessons", lessonID, "source", sessionID, slug)
}

func sanitizeFilename(filename string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}

	// Decompose accented characters and drop the combining marks, then map
	// whatever remains outside [a-z0-9._-] to a dash.
	decomposed := norm.NFKD.String(base)
	var builder strings.Builder
	builder.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		r = unicode.ToLower(r)
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}

	slug := strings.Trim(builder.String(), "-.")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if len(slug) > maxKeyFilenameLength {
		slug = slug[len(slug)-maxKeyFilenameLength:]
		slug = strings.TrimLeft(slug, "-.")
	}
	return slug
}
