package provider

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a provider integration.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusTesting  Status = "testing"
	StatusActive   Status = "active"
	StatusError    Status = "error"
)

// validTransitions maps each status to the set of statuses it may move to.
// Active is only ever reached through a successful connection test.
var validTransitions = map[Status]map[Status]bool{
	StatusInactive: {StatusTesting: true},
	StatusTesting:  {StatusActive: true, StatusError: true, StatusInactive: true},
	StatusActive:   {StatusTesting: true, StatusError: true, StatusInactive: true},
	StatusError:    {StatusTesting: true, StatusInactive: true},
}

// CanTransition reports whether a provider may move from one status to
// another.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// ValidStatus reports whether s is a known provider status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusInactive, StatusTesting, StatusActive, StatusError:
		return true
	}
	return false
}

// AuthMethod identifies how the gateway authenticates to a provider's API.
type AuthMethod string

const (
	AuthOAuth2 AuthMethod = "oauth2"
	AuthAPIKey AuthMethod = "api_key"
	AuthBasic  AuthMethod = "basic_auth"
	AuthBearer AuthMethod = "bearer_token"
)

// ValidAuthMethod reports whether m is a known auth method.
func ValidAuthMethod(m AuthMethod) bool {
	switch m {
	case AuthOAuth2, AuthAPIKey, AuthBasic, AuthBearer:
		return true
	}
	return false
}

// EndpointType names an operation a provider exposes.
type EndpointType string

const (
	EndpointAuthorization EndpointType = "authorization"
	EndpointEligibility   EndpointType = "eligibility"
	EndpointClaimStatus   EndpointType = "claim_status"
	EndpointTokenExchange EndpointType = "token"
	EndpointHealthCheck   EndpointType = "health"
)

// Provider is a registered health plan integration. Credentials are stored
// encrypted and never returned over the API.
type Provider struct {
	ID                    uuid.UUID  `json:"id"`
	Code                  string     `json:"code"`
	Name                  string     `json:"name"`
	CNPJ                  string     `json:"cnpj,omitempty"`
	Website               string     `json:"website,omitempty"`
	Description           string     `json:"description,omitempty"`
	AuthMethod            AuthMethod `json:"authMethod"`
	BaseURL               string     `json:"baseUrl"`
	APIVersion            string     `json:"apiVersion,omitempty"`
	TimeoutSeconds        int        `json:"timeoutSeconds,omitempty"`
	RequiresDoctorID      bool       `json:"requiresDoctorId"`
	SupportsAuthorization bool       `json:"supportsAuthorization"`
	SupportsEligibility   bool       `json:"supportsEligibility"`
	SupportsSADT          bool       `json:"supportsSadt"`
	Status                Status     `json:"status"`
	LastConnectionStatus  string     `json:"lastConnectionStatus,omitempty"`
	LastConnectionAt      *time.Time `json:"lastConnectionAt,omitempty"`
	LastConnectionError   string     `json:"lastConnectionError,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`

	// encryptedCredentials is the ciphertext blob as stored. Not serialized.
	encryptedCredentials string
}

// Endpoint is a single operation URL for a provider. A provider has at most
// one endpoint per type. RateLimitPerMinute of zero means the tenant default
// applies.
type Endpoint struct {
	ID                 uuid.UUID    `json:"id"`
	ProviderID         uuid.UUID    `json:"providerId"`
	Type               EndpointType `json:"endpointType"`
	URL                string       `json:"url"`
	Method             string       `json:"method"`
	RateLimitPerMinute int          `json:"rateLimitPerMinute,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// Capability names a business operation a provider supports.
const (
	CapabilityAuthorization = "authorization"
	CapabilityEligibility   = "eligibility"
	CapabilitySADT          = "sadt"
)

// Filter narrows provider listing.
type Filter struct {
	Status     Status
	AuthMethod AuthMethod
	Capability string
	Search     string
}
