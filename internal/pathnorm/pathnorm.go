// Package pathnorm implements the filename normalization rules of spec §4.6.
package pathnorm

import (
	"strings"

	"github.com/zipcas/zipcasd/internal/zipcaserr"
)

// Normalize applies spec §4.6 to raw, returning the normalized path. An
// empty string with a nil error means "drop this entry" (the whole path
// normalized away, e.g. "./" or "."). Rejections return a *zipcaserr.Error
// with KindInvalidFilename.
func Normalize(raw string) (string, error) {
	if strings.ContainsRune(raw, 0) {
		return "", zipcaserr.New(zipcaserr.KindInvalidFilename, "pathnorm.Normalize",
			errInvalidFilename("NUL byte in filename"))
	}

	if strings.HasPrefix(raw, "/") {
		return "", zipcaserr.New(zipcaserr.KindInvalidFilename, "pathnorm.Normalize",
			errInvalidFilename("absolute paths not allowed"))
	}

	p := strings.ReplaceAll(raw, "\\", "/")

	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}

	parts := strings.Split(p, "/")
	var kept []string
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", zipcaserr.New(zipcaserr.KindInvalidFilename, "pathnorm.Normalize",
				errInvalidFilename("parent path not allowed"))
		default:
			kept = append(kept, part)
		}
	}

	return strings.Join(kept, "/"), nil
}

type errInvalidFilename string

func (e errInvalidFilename) Error() string { return string(e) }
