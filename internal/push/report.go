package push

import "errors"

// ProviderResult summarizes one partition's dispatch.
type ProviderResult struct {
	Provider  string `json:"provider"`
	Attempted int    `json:"attempted"`
	Delivered int    `json:"delivered"`
	// Skipped partitions were never handed to a transport (unknown provider
	// tag); their registrations stay visible here for diagnostics.
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`

	err error
}

// Err returns the partition error, if any.
func (r ProviderResult) Err() error {
	return r.err
}

// NotConfigured reports whether the partition failed for missing credentials.
func (r ProviderResult) NotConfigured() bool {
	return errors.Is(r.err, ErrNotConfigured)
}

// Report aggregates per-provider outcomes of one Send. Partial failure is
// expressed here, never raised as an error.
type Report struct {
	Providers []ProviderResult `json:"providers"`
	// StaleAddresses lists serialized addresses the providers rejected
	// permanently. Removal is the caller's decision.
	StaleAddresses []string `json:"stale_addresses,omitempty"`

	registrations int
}

// NoChannel reports the normal, non-exceptional outcome of dispatching to
// users with zero registered devices.
func (r *Report) NoChannel() bool {
	return r.registrations == 0
}

// Delivered counts successful deliveries across all providers.
func (r *Report) Delivered() int {
	n := 0
	for _, p := range r.Providers {
		n += p.Delivered
	}
	return n
}

// AnySucceeded is the overall boolean for callers that need one: at least one
// provider delivered at least once.
func (r *Report) AnySucceeded() bool {
	return r.Delivered() > 0
}
