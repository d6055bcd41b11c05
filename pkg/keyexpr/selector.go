package keyexpr

import (
	"fmt"
	"sort"
	"strings"
)

// Selector is a key expression plus an optional parameter string, written
// "key?name=value;other=value". Parameters are opaque to routing; they are
// handed to queryables untouched.
type Selector struct {
	Key        KeyExpr
	Parameters string
}

// ParseSelector splits s at the first '?' and canonicalizes the key part.
func ParseSelector(s string) (Selector, error) {
	key, params, _ := strings.Cut(s, "?")
	k, err := Canonicalize(key)
	if err != nil {
		return Selector{}, err
	}
	return Selector{Key: k, Parameters: params}, nil
}

// NewSelector builds a selector from an already canonical key.
func NewSelector(k KeyExpr, params map[string]string) Selector {
	return Selector{Key: k, Parameters: EncodeParameters(params)}
}

// String renders the selector in its textual form.
func (s Selector) String() string {
	if s.Parameters == "" {
		return s.Key.String()
	}
	return s.Key.String() + "?" + s.Parameters
}

// Params decodes the parameter string. Both ';' and '&' separate pairs; a
// name without '=' maps to the empty string. Later duplicates win.
func (s Selector) Params() map[string]string {
	return DecodeParameters(s.Parameters)
}

// DecodeParameters parses "a=1;b=2" style parameter strings.
func DecodeParameters(p string) map[string]string {
	out := make(map[string]string)
	if p == "" {
		return out
	}
	for _, pair := range strings.FieldsFunc(p, func(r rune) bool { return r == ';' || r == '&' }) {
		name, value, _ := strings.Cut(pair, "=")
		if name == "" {
			continue
		}
		out[name] = value
	}
	return out
}

// EncodeParameters renders params sorted by name so the result is stable.
func EncodeParameters(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(';')
		}
		if v := params[name]; v != "" {
			fmt.Fprintf(&b, "%s=%s", name, v)
		} else {
			b.WriteString(name)
		}
	}
	return b.String()
}
