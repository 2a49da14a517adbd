package vk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const expertSourceURL = "https://static.vk.com/experts/?vk_access_token_settings=notify,menu"

// CredentialProvider obtains the two bearer tokens an account needs
type CredentialProvider interface {
	// ObtainPrimary exchanges login and password for an access token
	ObtainPrimary(ctx context.Context, login, secret string) (string, error)
	// ObtainSecondary exchanges the access token for the expert-scoped token
	ObtainSecondary(ctx context.Context, primary string) (string, error)
}

// AuthConfig describes the OAuth endpoints and client applications
type AuthConfig struct {
	OAuthURL      string
	ClientID      string
	ClientSecret  string
	APIVersion    string
	ExpertAppID   string
	ExpertVersion string
}

// Authenticator implements CredentialProvider against the OAuth server
type Authenticator struct {
	cfg        AuthConfig
	httpClient *http.Client
}

// NewAuthenticator creates an authenticator sharing httpClient's transport
func NewAuthenticator(cfg AuthConfig, httpClient *http.Client) *Authenticator {
	cfg.OAuthURL = strings.TrimSuffix(cfg.OAuthURL, "/")
	return &Authenticator{cfg: cfg, httpClient: httpClient}
}

func (a *Authenticator) redirectURI() string {
	return a.cfg.OAuthURL + "/blank.html"
}

// ObtainPrimary performs the password grant
func (a *Authenticator) ObtainPrimary(ctx context.Context, login, secret string) (string, error) {
	params := url.Values{}
	params.Set("grant_type", "password")
	params.Set("scope", "all")
	params.Set("client_id", a.cfg.ClientID)
	params.Set("client_secret", a.cfg.ClientSecret)
	params.Set("username", login)
	params.Set("password", secret)
	params.Set("2fa_supported", "1")
	params.Set("v", a.cfg.APIVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.OAuthURL+"/token?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", newNetworkError("oauth token", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &NetworkError{Op: "oauth token", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	var result struct {
		AccessToken      string `json:"access_token"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &ProtocolError{Op: "oauth token", Detail: "invalid JSON", Err: err}
	}

	if result.Error != "" {
		reason := result.Error
		if result.ErrorDescription != "" {
			reason += ": " + result.ErrorDescription
		}
		return "", &AuthError{Login: login, Reason: reason}
	}
	if result.AccessToken == "" {
		return "", &ProtocolError{Op: "oauth token", Detail: "access_token missing"}
	}

	return result.AccessToken, nil
}

// ObtainSecondary runs the implicit-flow authorization for the expert app and
// reads the token from the redirect target.
func (a *Authenticator) ObtainSecondary(ctx context.Context, primary string) (string, error) {
	params := url.Values{}
	params.Set("source_url", expertSourceURL)
	params.Set("redirect_uri", a.redirectURI())
	params.Set("client_id", a.cfg.ExpertAppID)
	params.Set("vk_app_id", a.cfg.ExpertAppID)
	params.Set("access_token", primary)
	params.Set("response_type", "token")
	params.Set("v", a.cfg.ExpertVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.OAuthURL+"/authorize?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	// Stop at the redirect target: the token lives in its fragment and the
	// page itself is useless.
	client := *a.httpClient
	client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		if strings.HasPrefix(r.URL.String(), a.redirectURI()) {
			return http.ErrUseLastResponse
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", newNetworkError("oauth authorize", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", &NetworkError{Op: "oauth authorize", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return "", &ProtocolError{Op: "oauth authorize", Detail: fmt.Sprintf("no redirect (status %d)", resp.StatusCode)}
	}
	target, err := resp.Request.URL.Parse(loc)
	if err != nil {
		return "", &ProtocolError{Op: "oauth authorize", Detail: "invalid redirect location", Err: err}
	}

	token := tokenFromURL(target)
	if token == "" {
		return "", &ProtocolError{Op: "oauth authorize", Detail: "access_token missing from redirect"}
	}
	return token, nil
}

// tokenFromURL looks for access_token in the fragment, then in the query
func tokenFromURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	if frag, err := url.ParseQuery(u.Fragment); err == nil {
		if token := frag.Get("access_token"); token != "" {
			return token
		}
	}
	return u.Query().Get("access_token")
}
