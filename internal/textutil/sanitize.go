package textutil

import (
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DisplayName returns the registry name for a submission. A single video is
// named after its file without extension; a photo burst is named
// burst_<N>_photos. Names are NFC-normalized so decomposed file names from
// other filesystems compare equal to what the user typed.
func DisplayName(burst bool, files []string) string {
	if burst {
		return fmt.Sprintf("burst_%d_photos", len(files))
	}
	if len(files) == 0 {
		return "untitled"
	}
	base := filepath.Base(files[0])
	name := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if name == "" || name == "." {
		name = strings.TrimSpace(base)
	}
	if name == "" {
		return "untitled"
	}
	return norm.NFC.String(name)
}

// SanitizeToken converts a string to a lowercase storage-safe token.
// Letters are lowercased, digits and hyphens/underscores are kept, everything
// else becomes an underscore. Returns "unknown" for empty input.
func SanitizeToken(value string) string {
	value = strings.TrimSpace(norm.NFKD.String(value))
	if value == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		case r >= 0x300 && r <= 0x36f:
			// combining marks left over from NFKD decomposition
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_-")
	if out == "" {
		return "unknown"
	}
	return out
}
