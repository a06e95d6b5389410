package server

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
		{"/api/v1/", "/api/v1"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsSafeName(t *testing.T) {
	valid := []string{"a", "A1._-", "server-2.tokyo"}
	invalid := []string{"", "..", "a..b", "a/b", `a\b`, "hello*", "unicode한글", "with space"}
	for _, s := range valid {
		if !isSafeName(s) {
			t.Fatalf("expected valid name %q", s)
		}
	}
	for _, s := range invalid {
		if isSafeName(s) {
			t.Fatalf("expected invalid name %q", s)
		}
	}
}

func TestIsSafeAbsPath(t *testing.T) {
	if isSafeAbsPath("") {
		t.Fatalf("empty path must be rejected")
	}
	abs := filepath.Join(os.TempDir(), "x.json")
	if !isSafeAbsPath(abs) {
		t.Fatalf("abs clean path should be allowed: %s", abs)
	}
	if isSafeAbsPath("configs/x.json") {
		t.Fatalf("relative path should be rejected")
	}
	sep := string(filepath.Separator)
	bad := filepath.Dir(abs) + sep + ".." + sep + "etc"
	if isSafeAbsPath(bad) {
		t.Fatalf("path with traversal should be rejected: %s", bad)
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"a": 1}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != 201 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: %s", ct)
	}
}

func FuzzIsSafeName(f *testing.F) {
	for _, s := range []string{"default", "", "..", "../etc/passwd", "a/b", `a\b`, "x.json", "한글", "a\x00b"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, name string) {
		ok := isSafeName(name)
		if ok && (name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`)) {
			t.Errorf("unsafe name accepted: %q", name)
		}
	})
}

func FuzzIsSafeAbsPath(f *testing.F) {
	for _, s := range []string{"/safe/path", "", "/", "relative", "/a/../b", "/a/./b", "/a//b", `C:\Windows`, "/a\x00b"} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, p string) {
		if !isSafeAbsPath(p) {
			return
		}
		if !filepath.IsAbs(p) {
			t.Errorf("relative path accepted: %q", p)
		}
		if clean := filepath.Clean(p); clean != p && clean != strings.TrimRight(p, string(filepath.Separator)) {
			t.Errorf("unclean path accepted: %q -> %q", p, clean)
		}
	})
}
