package server

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// isSafeName accepts config file stems: A-Z a-z 0-9 . _ - without "..".
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		case r == '.' || r == '_' || r == '-':
			return false
		}
		return true
	}) < 0
}

// isSafeAbsPath requires an absolute path that is already clean apart from
// trailing separators.
func isSafeAbsPath(p string) bool {
	if p == "" || !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	if clean == p {
		return true
	}
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	return trimmed != "" && clean == trimmed
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
