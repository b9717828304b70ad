// Package push resolves device registrations and fans a notification out to
// the matching provider transports, isolating failures per provider.
package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/tripbell/tripbell/internal/registry"
)

// ErrNotConfigured is returned by a transport whose provider credentials are
// absent. It marks the partition as "not configured" in the report; it is
// never a fault.
var ErrNotConfigured = errors.New("push transport not configured")

// Payload is the provider-independent notification content. Data carries
// routing hints for the client; no key is interpreted here.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Validate rejects payloads that no transport could render.
func (p Payload) Validate() error {
	if p.Title == "" {
		return fmt.Errorf("payload missing title")
	}
	if p.Body == "" {
		return fmt.Errorf("payload missing body")
	}
	return nil
}

// Target is one deliverable address within a provider partition. Raw is the
// stored serialized form, carried so rejections can name the exact row to
// clean up.
type Target struct {
	Addr registry.Address
	Raw  string
}

// Outcome is the per-address delivery result.
type Outcome struct {
	Raw       string
	Delivered bool
	// Permanent marks a provider-reported permanent rejection (gone/expired
	// registration). Surfaced as a removal recommendation, never acted on
	// here.
	Permanent bool
	Reason    string
}

// Transport delivers one payload to a batch of same-provider targets.
// Implementations must honor ctx and return ErrNotConfigured when their
// credentials are missing.
type Transport interface {
	Provider() string
	Deliver(ctx context.Context, targets []Target, payload Payload) ([]Outcome, error)
}
