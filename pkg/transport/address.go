package transport

import (
	"fmt"
	"net/url"
)

// Address is an opaque transport locator of the form scheme://rest. The
// factory routes on the scheme; everything else is the owning listener's
// business. Addresses compare by value.
type Address struct {
	scheme string
	host   string
	raw    string
}

// ParseAddress parses s into an Address. The scheme is mandatory.
func ParseAddress(s string) (Address, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	if u.Scheme == "" {
		return Address{}, fmt.Errorf("address %q has no scheme", s)
	}
	return Address{scheme: u.Scheme, host: u.Host, raw: s}, nil
}

// MustAddress parses s and panics on error. For literals and tests.
func MustAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Scheme returns the address scheme, e.g. "tcp" for tcp://127.0.0.1:7000.
func (a Address) Scheme() string { return a.scheme }

// Host returns the authority part (host:port, or a bare name for mem://).
func (a Address) Host() string { return a.host }

func (a Address) String() string { return a.raw }

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool { return a.raw == "" }
