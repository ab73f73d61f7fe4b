package document

import (
	"path/filepath"
	"strings"
)

// Upload references a file attached to an incoming message. The file only
// lives for the duration of one message handling.
type Upload struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Ext returns the lower-cased extension, taken from the path and falling
// back to the display name for extension-less temp files.
func (u Upload) Ext() string {
	if ext := strings.ToLower(filepath.Ext(u.Path)); ext != "" {
		return ext
	}
	return strings.ToLower(filepath.Ext(u.Name))
}
