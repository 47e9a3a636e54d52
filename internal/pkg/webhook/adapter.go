package webhook

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrAuthentication covers forged or missing credentials/signatures.
	ErrAuthentication = errors.New("authentication failed")
	// ErrUnsupportedAction marks method/action codes outside the known set.
	ErrUnsupportedAction = errors.New("unsupported action")
	// ErrMalformedPayload marks bodies the adapter cannot decode.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Adapter is the per-provider capability: extract the idempotency id, verify
// authenticity and translate the wire payload into a DomainAction. Adding a
// provider means adding one implementation and registering it, never branching
// in shared code.
type Adapter interface {
	Provider() string
	// EventID derives the provider event id used for deduplication. Providers
	// reuse one transaction id across the create/perform phases, so the id
	// includes the action discriminator.
	EventID(body []byte) string
	// Verify returns a permanent-classified error on forged or malformed
	// deliveries; it never returns a transient error.
	Verify(d Delivery) error
	Interpret(body []byte) (*DomainAction, error)
}

// Registry resolves adapters by provider name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[strings.ToLower(a.Provider())] = a
	}
	return r
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(provider string) (Adapter, bool) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(provider))]
	return a, ok
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

var validate = validator.New()

func validatePayload(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
