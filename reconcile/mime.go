package reconcile

import (
	"path"
	"strings"
)

const defaultContentType = "application/octet-stream"

var contentTypes = map[string]string{
	".txt": "text/plain",
	".py":  "text/x-python",
	".tgz": "application/gzip",
}

// ContentType maps a filename to the MIME type sent with its upload.
func ContentType(filename string) string {
	if ct, ok := contentTypes[strings.ToLower(path.Ext(filename))]; ok {
		return ct
	}
	return defaultContentType
}
