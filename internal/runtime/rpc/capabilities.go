package rpc

import "sort"

// Capabilities is the method set a peer advertised during the handshake.
// It is fixed for the lifetime of a connection.
type Capabilities struct {
	methods map[string]struct{}
}

// NewCapabilities builds a capability set. Duplicates and empty names are
// ignored.
func NewCapabilities(methods []string) Capabilities {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		if m != "" {
			set[m] = struct{}{}
		}
	}
	return Capabilities{methods: set}
}

// Supports reports whether the peer advertised method. It never talks to the
// peer.
func (c Capabilities) Supports(method string) bool {
	_, ok := c.methods[method]
	return ok
}

// Methods returns the advertised methods, sorted.
func (c Capabilities) Methods() []string {
	out := make([]string, 0, len(c.methods))
	for m := range c.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of advertised methods.
func (c Capabilities) Len() int { return len(c.methods) }
