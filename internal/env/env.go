// Package env composes the environment handed to target, helper and stop
// commands.
package env

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Validate reports the first entry that is not KEY=VALUE with a non-empty key.
func Validate(vars []string) error {
	for _, kv := range vars {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("env entry %q must be KEY=VALUE", kv)
		}
	}
	return nil
}

// Merge applies vars on top of the agent's own environment. It returns nil
// when vars is empty so commands inherit the environment unchanged.
func Merge(vars []string) []string {
	if len(vars) == 0 {
		return nil
	}
	return merge(os.Environ(), vars)
}

// merge applies overrides in order. ${NAME} in an override resolves against
// everything set before it, so "PATH=/opt/fuzz/bin:${PATH}" extends the base.
// Unknown names expand to the empty string. Output is sorted by key.
func merge(base, overrides []string) []string {
	m := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	for _, kv := range overrides {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = expand(v, m)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

func expand(s string, m map[string]string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+2+j+1:]
	}
	b.WriteString(s)
	return b.String()
}
