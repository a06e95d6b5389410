package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New()
	e.Set("A", "1")
	e.Set("B", "${A}-b")
	out := e.Merge([]string{"A=2", "C=${B}", "bad", "=x"})
	assert.Equal(t, []string{"A=2", "B=2-b", "C=${A}-b"}, out)
}

func TestFromOSIsBase(t *testing.T) {
	t.Setenv("CORESHELL_ENV_TEST", "os")
	e := New().FromOS()
	e.Set("CORESHELL_ENV_TEST", "override")
	m := Parse(e.Merge(nil))
	assert.Equal(t, "override", m["CORESHELL_ENV_TEST"])
	assert.NotEmpty(t, m["PATH"])

	m = Parse(New().Merge(nil))
	assert.Empty(t, m)
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	body := "A=1\n# comment\n\nexport B=two\nC=\"quoted value\"\nnoequals\n"
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))

	e := New()
	require.NoError(t, e.LoadFile(p))
	assert.Equal(t, Var{"A": "1", "B": "two", "C": "quoted value"}, e.Var)

	assert.Error(t, e.LoadFile(filepath.Join(t.TempDir(), "missing")))
}

func TestUnset(t *testing.T) {
	e := New()
	e.SetPairs([]string{"X=1", "Y=2"})
	e.Unset("X")
	assert.Equal(t, []string{"Y=2"}, e.Merge(nil))
}

func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("FOO=bar", "FOO=${FOO}")
	f.Add("X=$Y", "Y=${X}")

	f.Fuzz(func(t *testing.T, global, per string) {
		e := New()
		e.SetPairs(strings.Split(global, "\n"))
		for _, kv := range e.Merge(strings.Split(per, "\n")) {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				t.Fatalf("bad pair: %q", kv)
			}
		}
	})
}
