package tenant

// AnonymousKey is recorded as the tenant key for deliveries accepted while
// no API keys are configured (open mode).
const AnonymousKey = "anonymous"

// Resolution is the outcome of resolving an inbound request's API key.
type Resolution struct {
	// Authorized is false when keys are configured and the presented key
	// is missing or unknown.
	Authorized bool

	// Destination is the chat id the delivery should go to. Empty when the
	// matched key carries no binding and no default destination is
	// configured.
	Destination string

	// Key is the tenant key the delivery is attributed to: the matched key,
	// or AnonymousKey in open mode.
	Key string
}
