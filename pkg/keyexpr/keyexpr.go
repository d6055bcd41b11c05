package keyexpr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when a string is not a valid key expression.
var ErrMalformed = errors.New("malformed key expression")

const (
	// Single matches exactly one chunk.
	Single = "*"
	// Multi matches zero or more chunks.
	Multi = "**"

	separator = "/"
)

// KeyExpr is a canonical key expression. The zero value is not a valid
// expression; use Canonicalize to build one.
type KeyExpr struct {
	s      string
	chunks []string
}

// Canonicalize validates s and returns its canonical form.
//
// A single leading and a single trailing '/' are stripped. Empty chunks,
// "**/**" sequences, wildcards embedded in literal chunks and the reserved
// characters '?' and '#' are rejected with ErrMalformed. The sequence
// "**/*" is rewritten to the equivalent "*/**", and an expression that
// reduces to "*/**" is spelled "**", so that equivalent expressions share one
// canonical spelling.
func Canonicalize(s string) (KeyExpr, error) {
	trimmed := strings.TrimPrefix(s, separator)
	trimmed = strings.TrimSuffix(trimmed, separator)
	if trimmed == "" {
		return KeyExpr{}, fmt.Errorf("%w: %q is empty", ErrMalformed, s)
	}
	if strings.ContainsAny(trimmed, "?#") {
		return KeyExpr{}, fmt.Errorf("%w: %q contains a reserved character", ErrMalformed, s)
	}

	chunks := strings.Split(trimmed, separator)
	for i, c := range chunks {
		switch {
		case c == "":
			return KeyExpr{}, fmt.Errorf("%w: %q has an empty chunk", ErrMalformed, s)
		case c == Single || c == Multi:
		case strings.Contains(c, "*"):
			return KeyExpr{}, fmt.Errorf("%w: %q has a wildcard inside chunk %q", ErrMalformed, s, c)
		}
		if c == Multi && i > 0 && chunks[i-1] == Multi {
			return KeyExpr{}, fmt.Errorf("%w: %q has adjacent %q chunks", ErrMalformed, s, Multi)
		}
	}

	chunks = normalize(chunks)
	if len(chunks) == 2 && chunks[0] == Single && chunks[1] == Multi {
		// Keys are never empty, so "*/**" and "**" match the same set.
		chunks = chunks[1:]
	}
	return KeyExpr{s: strings.Join(chunks, separator), chunks: chunks}, nil
}

// MustCanonicalize is like Canonicalize but panics on malformed input.
// Intended for constants and tests.
func MustCanonicalize(s string) KeyExpr {
	k, err := Canonicalize(s)
	if err != nil {
		panic(err)
	}
	return k
}

// normalize moves every "*" that directly follows a "**" in front of it and
// collapses the "**" runs this can create.
func normalize(chunks []string) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c == Single {
			// Count the trailing run of "**" already emitted and slide the
			// "*" in front of it.
			n := 0
			for n < len(out) && out[len(out)-1-n] == Multi {
				n++
			}
			if n > 0 {
				out = append(out, "")
				copy(out[len(out)-n:], out[len(out)-n-1:len(out)-1])
				out[len(out)-n-1] = Single
				continue
			}
		}
		if c == Multi && len(out) > 0 && out[len(out)-1] == Multi {
			continue
		}
		out = append(out, c)
	}
	return out
}

// String returns the canonical textual form.
func (k KeyExpr) String() string {
	return k.s
}

// IsZero reports whether k is the zero value.
func (k KeyExpr) IsZero() bool {
	return k.s == ""
}

// IsWild reports whether k contains a wildcard chunk.
func (k KeyExpr) IsWild() bool {
	for _, c := range k.chunks {
		if c == Single || c == Multi {
			return true
		}
	}
	return false
}

// Chunks returns a copy of the chunk list.
func (k KeyExpr) Chunks() []string {
	return append([]string(nil), k.chunks...)
}

// Equal reports whether k and o have the same canonical form.
func (k KeyExpr) Equal(o KeyExpr) bool {
	return k.s == o.s
}

// Join appends suffix to k and canonicalizes the result.
func (k KeyExpr) Join(suffix string) (KeyExpr, error) {
	if k.IsZero() {
		return Canonicalize(suffix)
	}
	return Canonicalize(k.s + separator + strings.TrimPrefix(suffix, separator))
}

// Intersects reports whether at least one concrete key is matched by both k
// and o.
func (k KeyExpr) Intersects(o KeyExpr) bool {
	return Intersects(k, o)
}

// Includes reports whether every key matched by o is also matched by k.
func (k KeyExpr) Includes(o KeyExpr) bool {
	return Includes(k, o)
}

// MarshalText implements encoding.TextMarshaler.
func (k KeyExpr) MarshalText() ([]byte, error) {
	return []byte(k.s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *KeyExpr) UnmarshalText(b []byte) error {
	parsed, err := Canonicalize(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
