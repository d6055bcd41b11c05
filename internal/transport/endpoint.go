package transport

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEndpoint is returned for descriptors that are not "<proto>/<address>".
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint is a transport kind plus an address, written "tcp/127.0.0.1:7447".
type Endpoint struct {
	Proto string
	Addr  string
}

// ParseEndpoint parses an endpoint descriptor.
func ParseEndpoint(s string) (Endpoint, error) {
	proto, addr, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || proto == "" || addr == "" {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidEndpoint, s)
	}
	return Endpoint{Proto: strings.ToLower(proto), Addr: addr}, nil
}

// MustParseEndpoint is like ParseEndpoint but panics on error.
func MustParseEndpoint(s string) Endpoint {
	ep, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return ep
}

func (e Endpoint) String() string {
	return e.Proto + "/" + e.Addr
}

// ParseEndpoints parses a list of descriptors, stopping at the first error.
func ParseEndpoints(ss []string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(ss))
	for _, s := range ss {
		ep, err := ParseEndpoint(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}
