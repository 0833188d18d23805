package provider

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Credentials is a tagged union: exactly the field matching the provider's
// auth method must be set. The whole struct is serialized to JSON and stored
// encrypted as a single blob.
type Credentials struct {
	OAuth2 *OAuth2Credentials `json:"oauth2,omitempty"`
	APIKey *APIKeyCredentials `json:"apiKey,omitempty"`
	Basic  *BasicCredentials  `json:"basicAuth,omitempty"`
	Bearer *BearerCredentials `json:"bearerToken,omitempty"`
}

type OAuth2Credentials struct {
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	TokenURL     string   `json:"tokenUrl"`
	Scopes       []string `json:"scopes,omitempty"`
}

type APIKeyCredentials struct {
	Key        string `json:"key"`
	HeaderName string `json:"headerName,omitempty"` // defaults to X-API-Key
	InQuery    bool   `json:"inQuery,omitempty"`
	QueryParam string `json:"queryParam,omitempty"`
}

type BasicCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type BearerCredentials struct {
	Token string `json:"token"`
}

// Validate checks that the credentials match the given auth method: exactly
// one variant set, and that variant complete.
func (c Credentials) Validate(method AuthMethod) error {
	set := 0
	if c.OAuth2 != nil {
		set++
	}
	if c.APIKey != nil {
		set++
	}
	if c.Basic != nil {
		set++
	}
	if c.Bearer != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one credential variant must be set, got %d", set)
	}

	switch method {
	case AuthOAuth2:
		if c.OAuth2 == nil {
			return fmt.Errorf("auth method %s requires oauth2 credentials", method)
		}
		if c.OAuth2.ClientID == "" || c.OAuth2.ClientSecret == "" {
			return fmt.Errorf("oauth2 credentials require clientId and clientSecret")
		}
		if c.OAuth2.TokenURL == "" {
			return fmt.Errorf("oauth2 credentials require tokenUrl")
		}
		if _, err := url.ParseRequestURI(c.OAuth2.TokenURL); err != nil {
			return fmt.Errorf("oauth2 tokenUrl is not a valid URL: %w", err)
		}
	case AuthAPIKey:
		if c.APIKey == nil {
			return fmt.Errorf("auth method %s requires apiKey credentials", method)
		}
		if c.APIKey.Key == "" {
			return fmt.Errorf("apiKey credentials require key")
		}
		if c.APIKey.InQuery && c.APIKey.QueryParam == "" {
			return fmt.Errorf("apiKey credentials with inQuery require queryParam")
		}
	case AuthBasic:
		if c.Basic == nil {
			return fmt.Errorf("auth method %s requires basicAuth credentials", method)
		}
		if c.Basic.Username == "" || c.Basic.Password == "" {
			return fmt.Errorf("basicAuth credentials require username and password")
		}
	case AuthBearer:
		if c.Bearer == nil {
			return fmt.Errorf("auth method %s requires bearerToken credentials", method)
		}
		if c.Bearer.Token == "" {
			return fmt.Errorf("bearerToken credentials require token")
		}
	default:
		return fmt.Errorf("unknown auth method: %s", method)
	}

	return nil
}

// Marshal serializes the credentials for encryption.
func (c Credentials) Marshal() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	return string(b), nil
}

// UnmarshalCredentials parses a decrypted credential blob.
func UnmarshalCredentials(raw string) (Credentials, error) {
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Credentials{}, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return c, nil
}
