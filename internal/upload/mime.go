package upload

import (
	"path/filepath"
	"strings"
)

const defaultContentType = "application/octet-stream"

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".m4v":  "video/x-m4v",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".heic": "image/heic",
	".heif": "image/heic",
	".bmp":  "image/bmp",
}

// ContentType returns the part content type for a source file name.
func ContentType(name string) string {
	if value, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return value
	}
	return defaultContentType
}
