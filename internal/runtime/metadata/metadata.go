package metadata

import "sort"

// Metadata carries string headers alongside a call or a broadcast message.
// It implements propagation.TextMapCarrier so trace context can ride in it.
type Metadata map[string]string

// Clone returns a shallow copy of the metadata map. The result is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// Get returns the value for key, or "" when absent or when m is nil.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// Set stores key. Setting on a nil map is a no-op.
func (m Metadata) Set(key, value string) {
	if m == nil {
		return
	}
	m[key] = value
}

// Keys lists the keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
