package replica

import (
	"path"
	"strings"
)

// mimeTypes maps file extensions to content types for content unpacked
// from archives, where no per-file headers are available.
var mimeTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".json": "application/json",
	".txt":  "text/plain",
	".xml":  "application/xml",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".ico":  "image/x-icon",
	".woff": "font/woff",
	".woff2": "font/woff2",
	".ttf":  "font/ttf",
	".otf":  "font/otf",
	".pdf":  "application/pdf",
	".webmanifest": "application/manifest+json",
}

// MIMEType returns the content type for a file path, defaulting to
// application/octet-stream.
func MIMEType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if mt, ok := mimeTypes[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}
