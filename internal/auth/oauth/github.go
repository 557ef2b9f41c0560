package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAuthBaseURL = "https://github.com"
	defaultAPIBaseURL  = "https://api.github.com"

	// ProviderGitHub is the provider name stored on linked accounts.
	ProviderGitHub = "github"
)

var ErrNoVerifiedEmail = errors.New("no verified email on github account")

// GitHubConfig holds the OAuth configuration for GitHub sign-in.
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string

	// Overridable for tests.
	AuthBaseURL string
	APIBaseURL  string
}

// GitHubClient runs the OAuth 2.0 authorization code flow against GitHub.
type GitHubClient struct {
	config     GitHubConfig
	httpClient *http.Client
}

// GitHubUser is the profile returned after a successful exchange.
type GitHubUser struct {
	ID        int64
	Login     string
	Email     string
	Name      string
	AvatarURL string
}

// ProviderAccountID is the account id stored for this user.
func (u GitHubUser) ProviderAccountID() string {
	return strconv.FormatInt(u.ID, 10)
}

// DisplayName falls back to the login when the profile has no name.
func (u GitHubUser) DisplayName() string {
	if strings.TrimSpace(u.Name) != "" {
		return u.Name
	}
	return u.Login
}

func NewGitHubClient(config GitHubConfig) *GitHubClient {
	if config.AuthBaseURL == "" {
		config.AuthBaseURL = defaultAuthBaseURL
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}
	config.AuthBaseURL = strings.TrimRight(config.AuthBaseURL, "/")
	config.APIBaseURL = strings.TrimRight(config.APIBaseURL, "/")
	return &GitHubClient{
		config: config,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether client credentials are configured.
func (c *GitHubClient) Enabled() bool {
	return c != nil && c.config.ClientID != "" && c.config.ClientSecret != ""
}

// GenerateAuthURL builds the authorization redirect. state must come from
// GenerateState and be checked on callback.
func (c *GitHubClient) GenerateAuthURL(state string) string {
	params := url.Values{
		"client_id":    {c.config.ClientID},
		"redirect_uri": {c.config.CallbackURL},
		"scope":        {"read:user user:email"},
		"state":        {state},
	}
	return c.config.AuthBaseURL + "/login/oauth/authorize?" + params.Encode()
}

// ExchangeCode trades an authorization code for an access token.
func (c *GitHubClient) ExchangeCode(ctx context.Context, code string) (string, error) {
	data := url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"code":          {code},
		"redirect_uri":  {c.config.CallbackURL},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.AuthBaseURL+"/login/oauth/access_token",
		strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to exchange code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token exchange failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.Error != "" {
		return "", fmt.Errorf("github oauth error: %s - %s", tokenResp.Error, tokenResp.ErrorDesc)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("no access token in response")
	}
	return tokenResp.AccessToken, nil
}

// FetchUserProfile loads the user and, when the profile email is private,
// their primary verified email. An account without any verified email is
// rejected.
func (c *GitHubClient) FetchUserProfile(ctx context.Context, accessToken string) (*GitHubUser, error) {
	var profile struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Email     string `json:"email"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := c.getJSON(ctx, accessToken, "/user", &profile); err != nil {
		return nil, fmt.Errorf("fetch user profile: %w", err)
	}

	user := &GitHubUser{
		ID:        profile.ID,
		Login:     profile.Login,
		Email:     profile.Email,
		Name:      profile.Name,
		AvatarURL: profile.AvatarURL,
	}
	if user.Email != "" {
		return user, nil
	}

	email, err := c.fetchPrimaryEmail(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	user.Email = email
	return user, nil
}

func (c *GitHubClient) fetchPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := c.getJSON(ctx, accessToken, "/user/emails", &emails); err != nil {
		return "", fmt.Errorf("fetch user emails: %w", err)
	}

	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, nil
		}
	}
	return "", ErrNoVerifiedEmail
}

func (c *GitHubClient) getJSON(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.APIBaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GenerateState returns a random value for the OAuth state parameter.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
