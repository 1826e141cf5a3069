package env

import (
	"os"
	"strings"
)

// Table maps variable names to values.
type Table map[string]string

// Env layers environment variables for managed children:
// OS environment as the base, then supervisor-wide overrides,
// then per-process entries last.
type Env struct {
	overrides Table
	base      Table // cached snapshot of the OS environment
}

func New() *Env {
	return &Env{overrides: make(Table)}
}

// SnapshotOS caches the current OS environment as the base layer.
func (e *Env) SnapshotOS() {
	base := make(Table)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			if k == "" {
				continue
			}
			base[k] = kv[i+1:]
		}
	}
	e.base = base
}

// Set registers a supervisor-wide override K=V.
func (e *Env) Set(k, v string) {
	if e.overrides == nil {
		e.overrides = make(Table)
	}
	e.overrides[k] = v
}

// SetAll registers overrides given as "KEY=VALUE" entries; malformed entries are skipped.
func (e *Env) SetAll(kvs []string) {
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			if k := kv[:i]; k != "" {
				e.Set(k, kv[i+1:])
			}
		}
	}
}

// Unset removes a supervisor-wide override.
func (e *Env) Unset(k string) {
	delete(e.overrides, k)
}

// Merge composes the final environment for one child. Order:
// OS base, then supervisor overrides, then perProc ("K=V") last.
// ${VAR} references are expanded against the composed table once
// (no recursive expansion).
func (e *Env) Merge(perProc []string) []string {
	if e.base == nil {
		e.SnapshotOS()
	}
	m := make(Table, len(e.base)+len(e.overrides)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.overrides {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perProc {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			if k := kv[:i]; k != "" {
				m[k] = kv[i+1:]
			}
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

func expand(s string, m Table) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
