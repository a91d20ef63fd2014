package tenant

import "strings"

// Registry maps API keys to destination chat ids. It is built once from
// configuration at startup and read-only afterward.
type Registry struct {
	keys        map[string]string
	defaultDest string
}

// NewRegistry builds a registry from a parsed key map and the configured
// default destination.
func NewRegistry(keys map[string]string, defaultDest string) *Registry {
	if keys == nil {
		keys = make(map[string]string)
	}
	return &Registry{keys: keys, defaultDest: defaultDest}
}

// ParseKeyMap parses the comma-separated API key configuration. Each entry
// is either "key" (destination falls back to the default) or "key:chat_id".
// Entries with an empty key are discarded; duplicate keys overwrite, last
// occurrence wins.
func ParseKeyMap(raw string) map[string]string {
	keys := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, dest, _ := strings.Cut(strings.TrimSpace(entry), ":")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		keys[key] = strings.TrimSpace(dest)
	}
	return keys
}

// Resolve authorizes an API key and determines the delivery destination.
//
// With no keys configured every request is authorized and routed to the
// default destination. Otherwise a missing or unknown key is rejected, and
// a matched key yields its bound destination or the default.
func (r *Registry) Resolve(key string) Resolution {
	if len(r.keys) == 0 {
		return Resolution{Authorized: true, Destination: r.defaultDest, Key: AnonymousKey}
	}
	dest, ok := r.keys[key]
	if !ok {
		return Resolution{}
	}
	if dest == "" {
		dest = r.defaultDest
	}
	return Resolution{Authorized: true, Destination: dest, Key: key}
}

// CanResolve reports whether at least one request could ever resolve a
// destination: either a default destination exists or some key carries its
// own binding. The process refuses to start otherwise.
func (r *Registry) CanResolve() bool {
	if r.defaultDest != "" {
		return true
	}
	for _, dest := range r.keys {
		if dest != "" {
			return true
		}
	}
	return false
}
