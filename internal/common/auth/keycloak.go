// internal/common/auth/keycloak.go
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"rental-queue/internal/common/errors"
)

const (
	codeKeycloakAuth        errors.ErrorCode = "KEYCLOAK_AUTH_ERROR"
	codeKeycloakAPI         errors.ErrorCode = "KEYCLOAK_API_ERROR"
	codeKeycloakNetwork     errors.ErrorCode = "NETWORK_ERROR"
	codeKeycloakDecode      errors.ErrorCode = "DESERIALIZATION_ERROR"
	codeUserNotFound        errors.ErrorCode = "USER_NOT_FOUND"
	codeTokenInvalid        errors.ErrorCode = "TOKEN_INVALID"
	codeKeycloakRequestInit errors.ErrorCode = "HTTP_REQUEST_ERROR"
)

// KeycloakClient talks to the Keycloak admin and OpenID endpoints with a
// client-credentials service account.
type KeycloakClient struct {
	baseURL      string
	realm        string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// User represents a user in Keycloak.
type User struct {
	ID            string              `json:"id,omitempty"`
	Email         string              `json:"email"`
	FirstName     string              `json:"firstName"`
	LastName      string              `json:"lastName"`
	Username      string              `json:"username"`
	Enabled       bool                `json:"enabled"`
	EmailVerified bool                `json:"emailVerified"`
	Attributes    map[string][]string `json:"attributes,omitempty"`
}

// Phone returns the first "phone" attribute, if any.
func (u *User) Phone() string {
	if vals := u.Attributes["phone"]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TokenResponse holds the response from Keycloak's token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// TokenInfo holds the information returned by the token introspection endpoint.
type TokenInfo struct {
	Active      bool   `json:"active"`
	Scope       string `json:"scope,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Exp         int64  `json:"exp,omitempty"`
	Sub         string `json:"sub,omitempty"` // user ID
	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// HasRealmRole reports whether the introspected token carries role.
func (t *TokenInfo) HasRealmRole(role string) bool {
	for _, r := range t.RealmAccess.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// NewKeycloakClient creates a new instance of KeycloakClient.
func NewKeycloakClient(baseURL, realm, clientID, clientSecret string) *KeycloakClient {
	return &KeycloakClient{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func keycloakError(code errors.ErrorCode, message, details string, retryable bool) *errors.StandardError {
	return &errors.StandardError{
		Kind:      errors.KindInternal,
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

// token returns a cached service-account token, refreshing it 30s before expiry.
func (k *KeycloakClient) token(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.accessToken != "" && time.Now().Add(30*time.Second).Before(k.tokenExpiry) {
		return k.accessToken, nil
	}

	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", k.baseURL, k.realm)

	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", k.clientID)
	data.Set("client_secret", k.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("keycloak token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	k.accessToken = tokenResp.AccessToken
	k.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return k.accessToken, nil
}

// adminGet performs an authenticated GET against the admin API and decodes into out.
func (k *KeycloakClient) adminGet(ctx context.Context, path string, out interface{}) error {
	tok, err := k.token(ctx)
	if err != nil {
		return keycloakError(codeKeycloakAuth, "Failed to authenticate with Keycloak", err.Error(), true)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.baseURL+"/admin/realms/"+k.realm+path, nil)
	if err != nil {
		return keycloakError(codeKeycloakRequestInit, "Failed to create Keycloak request", err.Error(), false)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return keycloakError(codeKeycloakNetwork, "Failed to send request to Keycloak", err.Error(), true)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &errors.StandardError{
			Kind:      errors.KindNotFound,
			Code:      codeUserNotFound,
			Message:   "User not found",
			Details:   path,
			Timestamp: time.Now().UTC(),
		}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return keycloakError(codeKeycloakAPI, "Keycloak API error", string(body), isTransientHTTPError(resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return keycloakError(codeKeycloakDecode, "Failed to decode Keycloak response", err.Error(), false)
	}
	return nil
}

// GetUser retrieves a user by their unique ID.
func (k *KeycloakClient) GetUser(ctx context.Context, userID string) (*User, error) {
	var user User
	if err := k.adminGet(ctx, "/users/"+url.PathEscape(userID), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// RealmRoles lists the realm roles mapped directly or through composites to the user.
func (k *KeycloakClient) RealmRoles(ctx context.Context, userID string) ([]string, error) {
	var roles []Role
	if err := k.adminGet(ctx, "/users/"+url.PathEscape(userID)+"/role-mappings/realm/composite", &roles); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return names, nil
}

// ValidateToken checks if an access token is valid and active.
func (k *KeycloakClient) ValidateToken(ctx context.Context, token string) (*TokenInfo, error) {
	introspectURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token/introspect", k.baseURL, k.realm)

	data := url.Values{}
	data.Set("token", token)
	data.Set("token_type_hint", "access_token")
	data.Set("client_id", k.clientID)
	data.Set("client_secret", k.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, introspectURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, keycloakError(codeKeycloakRequestInit, "Failed to create introspection request", err.Error(), false)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, keycloakError(codeKeycloakNetwork, "Failed to send introspection request", err.Error(), true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, keycloakError(codeKeycloakAPI, "Keycloak introspection failed", string(body), isTransientHTTPError(resp.StatusCode))
	}

	var tokenInfo TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&tokenInfo); err != nil {
		return nil, keycloakError(codeKeycloakDecode, "Failed to decode token introspection response", err.Error(), false)
	}

	if !tokenInfo.Active || tokenInfo.Sub == "" {
		return nil, &errors.StandardError{
			Kind:      errors.KindAuthorization,
			Code:      codeTokenInvalid,
			Message:   "Token is not active",
			Details:   "The provided access token is expired, revoked or malformed",
			Timestamp: time.Now().UTC(),
		}
	}

	return &tokenInfo, nil
}

func isTransientHTTPError(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
