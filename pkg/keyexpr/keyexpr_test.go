package keyexpr

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a/b/c", "a/b/c"},
		{"/a/b", "a/b"},
		{"a/b/", "a/b"},
		{"/a/", "a"},
		{"**", "**"},
		{"a/**/*", "a/*/**"},
		{"**/*/*", "*/*/**"},
		{"**/*/**", "**"},
		{"*/**", "**"},
		{"b/**/*", "b/*/**"},
		{"a/*/**/b", "a/*/**/b"},
		{"sensor/room1/temp", "sensor/room1/temp"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			k, err := Canonicalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, k.String())
		})
	}
}

func TestCanonicalize_Malformed(t *testing.T) {
	for _, in := range []string{
		"",
		"/",
		"//",
		"a//b",
		"//a",
		"a//",
		"**/**",
		"a/**/**/b",
		"a*",
		"*a/b",
		"a/b**",
		"a?b",
		"a/#",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := Canonicalize(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestCanonicalize_Idempotent(t *testing.T) {
	for _, in := range []string{"a/**/*", "**/*/**", "*/a/**", "x"} {
		once := MustCanonicalize(in)
		twice := MustCanonicalize(once.String())
		assert.Equal(t, once, twice)
	}
}

func TestIntersects(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
		{"a/*", "a/b", true},
		{"a/*", "a/b/c", false},
		{"a/**", "a", true},
		{"a/**", "a/b/c", true},
		{"**", "x/y/z", true},
		{"sensor/**", "sensor/room1/temp", true},
		{"sensor/**", "actuator/room1", false},
		{"*/b", "a/*", true},
		{"a/**/c", "a/*/*/c", true},
		{"a/**/c", "a/b", false},
		{"*/**", "a", true},
		{"*", "a/b", false},
		{"a/*/c/**", "**/d", true},
		{"a/b/**", "**/c/d", true},
	}
	for _, tt := range tests {
		a, b := MustCanonicalize(tt.a), MustCanonicalize(tt.b)
		assert.Equal(t, tt.want, Intersects(a, b), "Intersects(%s, %s)", tt.a, tt.b)
		assert.Equal(t, tt.want, Intersects(b, a), "Intersects(%s, %s)", tt.b, tt.a)
	}
}

func TestIncludes(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"a/b", "a/b", true},
		{"a/*", "a/b", true},
		{"a/b", "a/*", false},
		{"a/**", "a", true},
		{"a/**", "a/*/c", true},
		{"a/*", "a/**", false},
		{"**", "a/**", true},
		{"*/*/**", "**", false},
		{"**", "*/**", true},
		{"a/**/c", "a/b/c", true},
		{"a/**/c", "a/b/d", false},
	}
	for _, tt := range tests {
		a, b := MustCanonicalize(tt.a), MustCanonicalize(tt.b)
		assert.Equal(t, tt.want, Includes(a, b), "Includes(%s, %s)", tt.a, tt.b)
	}
}

// TestMatching_AgainstEnumeration checks both relations on every small
// expression pair against a brute-force walk over concrete keys.
func TestMatching_AgainstEnumeration(t *testing.T) {
	exprs := smallExpressions()
	keys := concreteKeys(6)

	for _, a := range exprs {
		assert.True(t, Includes(a, a), "Includes(%s, %s)", a, a)
		for _, b := range exprs {
			shared, covered := false, true
			for _, k := range keys {
				ma, mb := matchesKey(a.chunks, k), matchesKey(b.chunks, k)
				if ma && mb {
					shared = true
				}
				if mb && !ma {
					covered = false
				}
			}
			require.Equal(t, shared, Intersects(a, b), "Intersects(%s, %s)", a, b)
			require.Equal(t, Intersects(a, b), Intersects(b, a), "symmetry of %s, %s", a, b)
			require.Equal(t, covered, Includes(a, b), "Includes(%s, %s)", a, b)
		}
	}
}

func TestSelector(t *testing.T) {
	s, err := ParseSelector("demo/**?unit=celsius;limit=10&raw")
	require.NoError(t, err)
	assert.Equal(t, "demo/**", s.Key.String())
	assert.Equal(t, map[string]string{"unit": "celsius", "limit": "10", "raw": ""}, s.Params())
	assert.Equal(t, "demo/**?unit=celsius;limit=10&raw", s.String())

	_, err = ParseSelector("a//b?x=1")
	assert.ErrorIs(t, err, ErrMalformed)

	built := NewSelector(MustCanonicalize("a"), map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, "a?a=1;b=2", built.String())
}

func TestKeyExpr_Join(t *testing.T) {
	base := MustCanonicalize("a/b")
	k, err := base.Join("/c/**")
	require.NoError(t, err)
	assert.Equal(t, "a/b/c/**", k.String())

	_, err = base.Join("**/**")
	assert.ErrorIs(t, err, ErrMalformed)
}

func smallExpressions() []KeyExpr {
	alphabet := []string{"a", "b", Single, Multi}
	var out []KeyExpr
	var build func(prefix []string)
	build = func(prefix []string) {
		if len(prefix) > 0 {
			if k, err := Canonicalize(strings.Join(prefix, "/")); err == nil {
				out = append(out, k)
			}
		}
		if len(prefix) == 3 {
			return
		}
		for _, c := range alphabet {
			build(append(append([]string(nil), prefix...), c))
		}
	}
	build(nil)
	return out
}

func concreteKeys(maxLen int) [][]string {
	var out [][]string
	var build func(prefix []string)
	build = func(prefix []string) {
		if len(prefix) > 0 {
			out = append(out, prefix)
		}
		if len(prefix) == maxLen {
			return
		}
		for _, c := range []string{"a", "b"} {
			build(append(append([]string(nil), prefix...), c))
		}
	}
	build(nil)
	return out
}

func matchesKey(expr, key []string) bool {
	if len(expr) == 0 {
		return len(key) == 0
	}
	switch expr[0] {
	case Multi:
		for i := 0; i <= len(key); i++ {
			if matchesKey(expr[1:], key[i:]) {
				return true
			}
		}
		return false
	case Single:
		return len(key) > 0 && matchesKey(expr[1:], key[1:])
	default:
		return len(key) > 0 && key[0] == expr[0] && matchesKey(expr[1:], key[1:])
	}
}
