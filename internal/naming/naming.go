// Package naming derives safe names and object keys from untrusted upload
// file names.
package naming

import (
	"path"
	"strings"
	"time"
)

const maxSlugLen = 64

var stripper = strings.NewReplacer(`"`, "", "<", "", ">", "", "\x00", "")

// Base returns the final segment of an untrusted file name with quoting
// characters removed. Backslashes count as path separators.
func Base(raw string) string {
	name := stripper.Replace(raw)
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSpace(name)
}

// DeriveExtension returns the lower-cased extension of the final segment of
// raw, without the dot. Names without an extension, and names ending in a
// dot, yield "".
func DeriveExtension(raw string) string {
	ext := path.Ext(Base(raw))
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// Stem returns the base name without its extension.
func Stem(raw string) string {
	base := Base(raw)
	stem := strings.TrimSuffix(base, path.Ext(base))
	if stem == "" {
		return base
	}
	return stem
}

// ReplaceExt returns the base name of raw with its extension swapped for ext.
func ReplaceExt(raw, ext string) string {
	return Stem(raw) + "." + ext
}

// ObjectKey builds a key of the form prefix/yyyy/mm/id[-slug].ext. id must
// be unique per upload; the slug only keeps keys readable.
func ObjectKey(prefix string, at time.Time, id, name string) string {
	file := id
	if slug := Slug(Stem(name)); slug != "" {
		file += "-" + slug
	}
	if ext := DeriveExtension(name); ext != "" {
		file += "." + ext
	}

	prefix = strings.Trim(strings.ReplaceAll(prefix, `\`, "/"), "/")
	return path.Join(prefix, at.UTC().Format("2006"), at.UTC().Format("01"), file)
}

// Slug keeps ASCII letters, digits, '-' and '_', collapsing every other run
// of characters into a single '-'.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			dash = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
