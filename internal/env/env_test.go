package env

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOverridesAndExpands(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root", "=ignored", "broken"}
	got := merge(base, []string{
		"PATH=/opt/fuzz/bin:${PATH}",
		"ASAN_OPTIONS=abort_on_error=1:log_path=${HOME}/asan",
		"EMPTY=${NOPE}",
		"HOME=/tmp",
	})
	assert.Equal(t, []string{
		"ASAN_OPTIONS=abort_on_error=1:log_path=/root/asan",
		"EMPTY=",
		"HOME=/tmp",
		"PATH=/opt/fuzz/bin:/usr/bin",
	}, got)
}

func TestMergeKeepsUnterminatedReference(t *testing.T) {
	got := merge(nil, []string{"A=x", "B=${A}-${A"})
	assert.Equal(t, []string{"A=x", "B=x-${A"}, got)
}

func TestMergeEmptyInherits(t *testing.T) {
	assert.Nil(t, Merge(nil))
	out := Merge([]string{"PROCMON_ENV_TEST=1"})
	require.NotEmpty(t, out)
	found := false
	for _, kv := range out {
		found = found || kv == "PROCMON_ENV_TEST=1"
	}
	assert.True(t, found)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate([]string{"A=1", "B="}))
	for _, bad := range []string{"A", "=1", " =1"} {
		err := Validate([]string{bad})
		require.Error(t, err, bad)
		assert.True(t, strings.Contains(err.Error(), "KEY=VALUE"))
	}
}

func FuzzMerge(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("FOO=bar", "FOO=${FOO}")
	f.Add("X=$Y", "Y=${X")
	f.Fuzz(func(t *testing.T, base, overrides string) {
		out := merge(strings.Split(base, "\n"), strings.Split(overrides, "\n"))
		prev := ""
		for _, kv := range out {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				t.Fatalf("bad pair %q", kv)
			}
			if k <= prev && prev != "" {
				t.Fatalf("keys not sorted or duplicated: %q after %q", k, prev)
			}
			prev = k
		}
	})
}
