package metadata

import "strings"

// Env is an ordered string map.  Keys keep the position of their first
// insertion; later writes only replace the value.
type Env struct {
	keys   []string
	values map[string]string
}

// NewEnv returns an empty Env.
func NewEnv() Env {
	return Env{values: make(map[string]string)}
}

// FromEnviron parses "KEY=VALUE" pairs as returned by os.Environ.
// Entries without '=' are skipped.
func FromEnviron(environ []string) Env {
	env := NewEnv()
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env.Set(k, v)
	}
	return env
}

// FromMap builds an Env from m with keys in sorted order.
func FromMap(m map[string]string) Env {
	env := NewEnv()
	for _, k := range sortedKeys(m) {
		env.Set(k, m[k])
	}
	return env
}

// Set stores value under key.
func (e *Env) Set(key, value string) {
	if e.values == nil {
		e.values = make(map[string]string)
	}
	if _, ok := e.values[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.values[key] = value
}

// Get returns the value stored under key.
func (e Env) Get(key string) (string, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Value returns the value stored under key or "".
func (e Env) Value(key string) string {
	return e.values[key]
}

// Len returns the number of keys.
func (e Env) Len() int { return len(e.keys) }

// Keys returns the keys in insertion order.
func (e Env) Keys() []string {
	out := make([]string, len(e.keys))
	copy(out, e.keys)
	return out
}

// Clone returns an independent copy.
func (e Env) Clone() Env {
	out := NewEnv()
	for _, k := range e.keys {
		out.Set(k, e.values[k])
	}
	return out
}

// Merge returns a new Env with the entries of each layer applied in
// order; later layers win.
func (e Env) Merge(layers ...Env) Env {
	out := e.Clone()
	for _, l := range layers {
		for _, k := range l.keys {
			out.Set(k, l.values[k])
		}
	}
	return out
}

// Filter returns the entries whose key starts with prefix.
func (e Env) Filter(prefix string) Env {
	out := NewEnv()
	for _, k := range e.keys {
		if strings.HasPrefix(k, prefix) {
			out.Set(k, e.values[k])
		}
	}
	return out
}

// Map returns the entries as a plain map.
func (e Env) Map() map[string]string {
	out := make(map[string]string, len(e.keys))
	for _, k := range e.keys {
		out[k] = e.values[k]
	}
	return out
}

// Environ renders the entries as "KEY=VALUE" pairs in order.
func (e Env) Environ() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.values[k])
	}
	return out
}
