package env

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to the proxy core.
type Env struct {
	Var   Var // overrides applied on top of the base
	base  Var
	useOS bool
}

// New returns an Env whose base is empty. Call FromOS to inherit the
// current process environment.
func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() *Env {
	e.base = Parse(os.Environ())
	e.useOS = true
	return e
}

// Set sets an override K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes an override.
func (e *Env) Unset(k string) {
	delete(e.Var, k)
}

// SetPairs applies "K=V" entries as overrides; malformed entries are skipped.
func (e *Env) SetPairs(pairs []string) {
	for k, v := range Parse(pairs) {
		e.Set(k, v)
	}
}

// LoadFile applies a dotenv style file: KEY=VALUE per line, blank lines and
// lines starting with # ignored, an optional "export " prefix and matching
// surrounding quotes stripped.
func (e *Env) LoadFile(path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("env file: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := strings.TrimSpace(line[i+1:])
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		e.Set(k, v)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// Merge composes the final environment:
// base (OS env when FromOS was called), then e.Var, then extra.
// ${VAR} references are expanded once against the composed map.
// The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var, len(e.base)+len(e.Var)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range Parse(extra) {
		m[k] = v
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// Parse turns "K=V" pairs into a map; entries without "=" or with an empty
// key are dropped.
func Parse(pairs []string) Var {
	m := make(Var, len(pairs))
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
