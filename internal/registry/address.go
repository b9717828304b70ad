package registry

import (
	"encoding/json"
	"fmt"
)

// Provider tags for push destinations. A registration's stored address is a
// single JSON envelope carrying the tag plus provider-specific fields.
const (
	ProviderWebPush   = "webpush"
	ProviderOneSignal = "onesignal"
	ProviderSNS       = "sns"
	// ProviderUnknown buckets rows whose envelope does not decode. They are
	// kept visible for diagnostics instead of being dropped.
	ProviderUnknown = "unknown"
)

// Keys holds the client encryption keys of a Web Push subscription.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Address is the decoded form of a stored registration envelope. Exactly one
// provider's fields are meaningful, selected by Provider. The raw string never
// travels past this package undecoded.
type Address struct {
	Provider string

	// webpush
	Endpoint string
	Keys     Keys

	// onesignal
	ExternalID string

	// sns
	EndpointARN string

	// unknown: the stored string as-is
	Raw string
}

// envelope is the wire form persisted in the address column.
type envelope struct {
	Type        string `json:"type"`
	Endpoint    string `json:"endpoint,omitempty"`
	Keys        *Keys  `json:"keys,omitempty"`
	ExternalID  string `json:"external_id,omitempty"`
	EndpointARN string `json:"endpoint_arn,omitempty"`
}

// WebPushAddress builds a webpush Address.
func WebPushAddress(endpoint, p256dh, auth string) Address {
	return Address{
		Provider: ProviderWebPush,
		Endpoint: endpoint,
		Keys:     Keys{P256dh: p256dh, Auth: auth},
	}
}

// OneSignalAddress builds an aggregator Address from an external user ID.
func OneSignalAddress(externalID string) Address {
	return Address{Provider: ProviderOneSignal, ExternalID: externalID}
}

// SNSAddress builds an Address from a platform application endpoint ARN.
func SNSAddress(endpointARN string) Address {
	return Address{Provider: ProviderSNS, EndpointARN: endpointARN}
}

// Encode serializes the address into its storage envelope.
func (a Address) Encode() (string, error) {
	switch a.Provider {
	case ProviderWebPush:
		if a.Endpoint == "" {
			return "", fmt.Errorf("webpush address missing endpoint")
		}
	case ProviderOneSignal:
		if a.ExternalID == "" {
			return "", fmt.Errorf("onesignal address missing external id")
		}
	case ProviderSNS:
		if a.EndpointARN == "" {
			return "", fmt.Errorf("sns address missing endpoint arn")
		}
	case ProviderUnknown:
		// Legacy rows round-trip untouched.
		return a.Raw, nil
	default:
		return "", fmt.Errorf("unsupported provider: %s", a.Provider)
	}

	env := envelope{
		Type:        a.Provider,
		Endpoint:    a.Endpoint,
		ExternalID:  a.ExternalID,
		EndpointARN: a.EndpointARN,
	}
	if a.Provider == ProviderWebPush {
		keys := a.Keys
		env.Keys = &keys
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode address envelope: %w", err)
	}
	return string(raw), nil
}

// DecodeAddress parses a stored envelope back into an Address. Anything that
// is not a well-formed envelope with a known type decodes to ProviderUnknown
// with the raw string preserved, so pre-envelope rows keep working.
func DecodeAddress(raw string) Address {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Address{Provider: ProviderUnknown, Raw: raw}
	}

	switch env.Type {
	case ProviderWebPush:
		if env.Endpoint == "" {
			return Address{Provider: ProviderUnknown, Raw: raw}
		}
		addr := Address{Provider: ProviderWebPush, Endpoint: env.Endpoint}
		if env.Keys != nil {
			addr.Keys = *env.Keys
		}
		return addr
	case ProviderOneSignal:
		if env.ExternalID == "" {
			return Address{Provider: ProviderUnknown, Raw: raw}
		}
		return Address{Provider: ProviderOneSignal, ExternalID: env.ExternalID}
	case ProviderSNS:
		if env.EndpointARN == "" {
			return Address{Provider: ProviderUnknown, Raw: raw}
		}
		return Address{Provider: ProviderSNS, EndpointARN: env.EndpointARN}
	default:
		return Address{Provider: ProviderUnknown, Raw: raw}
	}
}

// singleSlot reports whether the provider keeps one registration per user,
// replacing on re-registration instead of accumulating per address.
func singleSlot(provider string) bool {
	return provider == ProviderOneSignal
}
