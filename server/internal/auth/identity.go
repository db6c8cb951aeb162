package auth

import "context"

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying the caller name.
func WithIdentity(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, identityKey{}, name)
}

// IdentityFromContext returns the caller name stored by WithIdentity, or ""
// for anonymous callers.
func IdentityFromContext(ctx context.Context) string {
	name, _ := ctx.Value(identityKey{}).(string)
	return name
}

// Keys maps API key values to client names.
type Keys map[string]string

// Lookup returns the client name for key.
func (k Keys) Lookup(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	name, ok := k[key]
	return name, ok
}

// Mode values.
const (
	ModeAPIKey   = "apikey"
	ModeOptional = "optional"
	ModeNone     = "none"
)

// decision is the outcome of resolving one presented key.
type decision int

const (
	anonymous decision = iota
	identified
	rejected
)

// resolve applies mode to a presented key.
func resolve(mode string, keys Keys, presented string) (string, decision) {
	switch mode {
	case ModeAPIKey, ModeOptional:
	default:
		return "", anonymous
	}
	if len(keys) == 0 {
		// No keys configured: nothing to check against.
		return "", anonymous
	}
	if presented == "" {
		if mode == ModeAPIKey {
			return "", rejected
		}
		return "", anonymous
	}
	name, ok := keys.Lookup(presented)
	if !ok {
		return "", rejected
	}
	return name, identified
}
